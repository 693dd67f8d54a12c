package integrity

import (
	"fmt"
	"strings"

	"github.com/louisbranch/evidence.space/internal/platform/config"
)

const defaultKeyID = "v1"

// KeyringConfig is the environment form of a keyring.
//
// Keys holds "id=value" pairs separated by commas and takes precedence over
// the single Key, which is registered under KeyID.
type KeyringConfig struct {
	Key   string `env:"EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEY"`
	Keys  string `env:"EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEYS"`
	KeyID string `env:"EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEY_ID" envDefault:"v1"`
}

// KeyringFromEnv loads the HMAC keyring from environment variables.
func KeyringFromEnv() (*Keyring, error) {
	var cfg KeyringConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	return cfg.Keyring()
}

// Keyring builds the keyring the configuration describes.
func (c KeyringConfig) Keyring() (*Keyring, error) {
	keyID := strings.TrimSpace(c.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	spec := strings.TrimSpace(c.Keys)
	if spec == "" {
		raw := strings.TrimSpace(c.Key)
		if raw == "" {
			return nil, fmt.Errorf("EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEY is required")
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for entry := range strings.SplitSeq(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id, value = strings.TrimSpace(id), strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEYS entry for key id %q", id)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("duplicate hmac key id %q", id)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
