package attest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
)

var issuedAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testKeys(t *testing.T, fill byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{fill}, 64)))
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return public, private
}

func testConfig(t *testing.T) Config {
	public, private := testKeys(t, 7)
	return Config{
		Issuer:     "evidence-ledger",
		Audience:   "auditors",
		PrivateKey: private,
		PublicKey:  public,
		TTL:        time.Hour,
		Now:        func() time.Time { return issuedAt },
	}
}

func testSummary() posture.Summary {
	return posture.Summary{
		ScopeID:   "acct-1",
		Seq:       42,
		ChainHash: strings.Repeat("ab", 32),
		AsOf:      issuedAt.Add(-time.Minute),
		Totals: map[posture.Status]int{
			posture.StatusCompliant:    3,
			posture.StatusNoncompliant: 1,
		},
		Score:            0.75,
		ActiveExceptions: 2,
	}
}

func TestIssueAndVerify(t *testing.T) {
	cfg := testConfig(t)
	issuer, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, issued, err := issuer.Issue(testSummary())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ScopeID != "acct-1" || claims.Seq != 42 || claims.ChainHash != testSummary().ChainHash {
		t.Fatalf("unexpected position claims %+v", claims)
	}
	if !claims.AsOf.Equal(testSummary().AsOf) || claims.Score != 0.75 || claims.ActiveExceptions != 2 {
		t.Fatalf("unexpected summary claims %+v", claims)
	}
	if claims.Totals["compliant"] != 3 || claims.Totals["noncompliant"] != 1 {
		t.Fatalf("totals = %v", claims.Totals)
	}
	if !claims.ExpiresAt.Equal(issuedAt.Add(time.Hour)) || claims.JWTID == "" || claims.JWTID != issued.JWTID {
		t.Fatalf("unexpected registered claims %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	cfg := testConfig(t)
	issuer, err := NewIssuer(cfg)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, _, err := issuer.Issue(testSummary())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	otherPublic, _ := testKeys(t, 9)

	tests := []struct {
		name   string
		token  string
		mutate func(*Config)
	}{
		{name: "empty token", token: " "},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong key", token: token, mutate: func(c *Config) { c.PublicKey = otherPublic }},
		{name: "wrong issuer", token: token, mutate: func(c *Config) { c.Issuer = "someone-else" }},
		{name: "wrong audience", token: token, mutate: func(c *Config) { c.Audience = "customers" }},
		{name: "expired", token: token, mutate: func(c *Config) {
			c.Now = func() time.Time { return issuedAt.Add(2 * time.Hour) }
		}},
		{name: "not yet valid", token: token, mutate: func(c *Config) {
			c.Now = func() time.Time { return issuedAt.Add(-time.Hour) }
		}},
		{name: "tampered payload", token: tamper(t, token)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vcfg := cfg
			if tt.mutate != nil {
				tt.mutate(&vcfg)
			}
			verifier, err := NewVerifier(vcfg)
			if err != nil {
				t.Fatalf("new verifier: %v", err)
			}
			if _, err := verifier.Verify(tt.token); !apperrors.HasCode(err, apperrors.CodeAttestationInvalid) {
				t.Fatalf("expected invalid attestation, got %v", err)
			}
		})
	}
}

// tamper swaps the payload segment for one claiming a better score.
func tamper(t *testing.T, token string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d parts", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	forged := strings.Replace(string(payload), `"score":0.75`, `"score":1`, 1)
	if forged == string(payload) {
		t.Fatalf("payload has no score to forge: %s", payload)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))
	return strings.Join(parts, ".")
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	cfg := testConfig(t)
	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": cfg.Issuer, "aud": cfg.Audience})
	token, err := hs.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	verifier, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := verifier.Verify(token); !apperrors.HasCode(err, apperrors.CodeAttestationInvalid) {
		t.Fatalf("expected invalid attestation, got %v", err)
	}
}

func TestIssue_RequiresJournalPosition(t *testing.T) {
	issuer, err := NewIssuer(testConfig(t))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	summary := testSummary()
	summary.Seq = 0
	if _, _, err := issuer.Issue(summary); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	if _, err := NewIssuer(Config{}); !apperrors.HasCode(err, apperrors.CodeAttestationNotConfigured) {
		t.Fatalf("expected not configured issuer, got %v", err)
	}
	if _, err := NewVerifier(Config{Issuer: "i", Audience: "a"}); !apperrors.HasCode(err, apperrors.CodeAttestationNotConfigured) {
		t.Fatalf("expected not configured verifier, got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	public, private := testKeys(t, 3)
	t.Setenv("EVIDENCE_SPACE_ATTEST_ISSUER", "ledger")
	t.Setenv("EVIDENCE_SPACE_ATTEST_AUDIENCE", "auditors")
	t.Setenv("EVIDENCE_SPACE_ATTEST_PRIVATE_KEY", base64.RawStdEncoding.EncodeToString(private.Seed()))
	t.Setenv("EVIDENCE_SPACE_ATTEST_TTL", "2h")

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.PublicKey.Equal(public) || !cfg.PrivateKey.Equal(private) || cfg.TTL != 2*time.Hour {
		t.Fatalf("unexpected config %+v", cfg)
	}

	other, _ := testKeys(t, 4)
	t.Setenv("EVIDENCE_SPACE_ATTEST_PUBLIC_KEY", base64.StdEncoding.EncodeToString(other))
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected mismatched public key to fail")
	}

	t.Setenv("EVIDENCE_SPACE_ATTEST_PUBLIC_KEY", "")
	t.Setenv("EVIDENCE_SPACE_ATTEST_ISSUER", "")
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected missing issuer to fail")
	}

	t.Setenv("EVIDENCE_SPACE_ATTEST_PRIVATE_KEY", "")
	cfg, err = LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load empty config: %v", err)
	}
	if cfg.PrivateKey != nil || cfg.PublicKey != nil {
		t.Fatalf("expected attestation disabled, got %+v", cfg)
	}
}

func TestParseKeys(t *testing.T) {
	if _, err := ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected short private key to fail")
	}
	if _, err := ParsePublicKey("%%%"); err == nil {
		t.Fatal("expected bad base64 to fail")
	}
}
