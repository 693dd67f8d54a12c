// Package keygen generates the secrets a ledger deployment needs: the event
// HMAC root key and, optionally, an ed25519 attestation key pair.
package keygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
)

// Config holds configuration for key generation.
type Config struct {
	Bytes  int
	Attest bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes in the hmac key (default: 32)")
	fs.BoolVar(&cfg.Attest, "attest", false, "also generate an ed25519 attestation key pair")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the keys and writes them to out as env assignments.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	if _, err := fmt.Fprintf(out, "EVIDENCE_SPACE_LEDGER_EVENT_HMAC_KEY=%s\n", hex.EncodeToString(buf)); err != nil {
		return err
	}
	if !cfg.Attest {
		return nil
	}

	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate attestation key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "EVIDENCE_SPACE_ATTEST_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "EVIDENCE_SPACE_ATTEST_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey))
	return err
}
