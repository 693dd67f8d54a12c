// Package attest signs posture summaries as EdDSA JWTs so auditors can check
// a reported posture against the journal position it was computed from.
package attest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
)

// DefaultTTL is how long an attestation stays valid.
const DefaultTTL = 24 * time.Hour

// attestEnv holds raw env values before post-parse validation.
type attestEnv struct {
	Issuer     string        `env:"EVIDENCE_SPACE_ATTEST_ISSUER"`
	Audience   string        `env:"EVIDENCE_SPACE_ATTEST_AUDIENCE"`
	PrivateKey string        `env:"EVIDENCE_SPACE_ATTEST_PRIVATE_KEY"`
	PublicKey  string        `env:"EVIDENCE_SPACE_ATTEST_PUBLIC_KEY"`
	TTL        time.Duration `env:"EVIDENCE_SPACE_ATTEST_TTL" envDefault:"24h"`
}

// Config defines how attestations are issued and verified.
type Config struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	TTL        time.Duration
	Now        func() time.Time
}

// Claims are the validated contents of an attestation.
type Claims struct {
	Issuer           string
	Audience         []string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	JWTID            string
	ScopeID          string
	Seq              uint64
	ChainHash        string
	AsOf             time.Time
	Totals           map[string]int
	Score            float64
	ActiveExceptions int
}

// postureClaims is the JWT body.
type postureClaims struct {
	jwt.RegisteredClaims
	ScopeID          string         `json:"scope_id"`
	Seq              uint64         `json:"seq"`
	ChainHash        string         `json:"chain_hash"`
	AsOf             string         `json:"as_of"`
	Totals           map[string]int `json:"totals"`
	Score            float64        `json:"score"`
	ActiveExceptions int            `json:"active_exceptions"`
}

// LoadConfigFromEnv reads attestation keys. A missing private key disables
// issuing; a missing public key is derived from the private key.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw attestEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse attestation env: %w", err)
	}
	cfg := Config{
		Issuer:   strings.TrimSpace(raw.Issuer),
		Audience: strings.TrimSpace(raw.Audience),
		TTL:      raw.TTL,
		Now:      now,
	}
	if private := strings.TrimSpace(raw.PrivateKey); private != "" {
		key, err := ParsePrivateKey(private)
		if err != nil {
			return Config{}, err
		}
		cfg.PrivateKey = key
		cfg.PublicKey = key.Public().(ed25519.PublicKey)
	}
	if public := strings.TrimSpace(raw.PublicKey); public != "" {
		key, err := ParsePublicKey(public)
		if err != nil {
			return Config{}, err
		}
		if cfg.PrivateKey != nil && !key.Equal(cfg.PublicKey) {
			return Config{}, errors.New("EVIDENCE_SPACE_ATTEST_PUBLIC_KEY does not match the private key")
		}
		cfg.PublicKey = key
	}
	if (cfg.PrivateKey != nil || cfg.PublicKey != nil) && (cfg.Issuer == "" || cfg.Audience == "") {
		return Config{}, errors.New("EVIDENCE_SPACE_ATTEST_ISSUER and EVIDENCE_SPACE_ATTEST_AUDIENCE are required with attestation keys")
	}
	return cfg, nil
}

// ParsePrivateKey decodes a base64 ed25519 private key or 32-byte seed.
func ParsePrivateKey(value string) (ed25519.PrivateKey, error) {
	raw, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("decode attestation private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("attestation private key must be %d or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(value string) (ed25519.PublicKey, error) {
	raw, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("decode attestation public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attestation public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Issuer signs posture summaries.
type Issuer struct {
	cfg Config
}

// NewIssuer returns an Issuer, or an error when signing is not configured.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize || cfg.Issuer == "" || cfg.Audience == "" {
		return nil, apperrors.New(apperrors.CodeAttestationNotConfigured, "attestation signing is not configured")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}, nil
}

// Issue signs summary and returns the compact token with its claims.
func (i *Issuer) Issue(summary posture.Summary) (string, Claims, error) {
	if strings.TrimSpace(summary.ScopeID) == "" || summary.Seq == 0 {
		return "", Claims{}, apperrors.New(apperrors.CodeInvalidArgument, "attestation requires a scope summary at a journal position")
	}
	now := i.cfg.Now().UTC().Truncate(time.Second)
	totals := make(map[string]int, len(summary.Totals))
	for status, count := range summary.Totals {
		totals[string(status)] = count
	}
	body := postureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   summary.ScopeID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
			ID:        uuid.NewString(),
		},
		ScopeID:          summary.ScopeID,
		Seq:              summary.Seq,
		ChainHash:        summary.ChainHash,
		AsOf:             summary.AsOf.UTC().Format(time.RFC3339Nano),
		Totals:           totals,
		Score:            summary.Score,
		ActiveExceptions: summary.ActiveExceptions,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, body).SignedString(i.cfg.PrivateKey)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign attestation: %w", err)
	}
	claims, err := toClaims(body)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

// Verifier checks attestation tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier returns a Verifier, or an error when no public key is set.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.PublicKey) != ed25519.PublicKeySize || cfg.Issuer == "" || cfg.Audience == "" {
		return nil, apperrors.New(apperrors.CodeAttestationNotConfigured, "attestation verification is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify validates signature, issuer, audience and lifetime of token.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeAttestationInvalid, "attestation is required")
	}

	var parsed postureClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer != v.cfg.Issuer {
		return Claims{}, mismatch("issuer")
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return Claims{}, mismatch("audience")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeAttestationInvalid, "attestation exp is required")
	}
	now := v.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeAttestationInvalid, "attestation is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Claims{}, apperrors.New(apperrors.CodeAttestationInvalid, "attestation is not active yet")
	}
	if strings.TrimSpace(parsed.ScopeID) == "" || parsed.Seq == 0 {
		return Claims{}, apperrors.New(apperrors.CodeAttestationInvalid, "attestation has no journal position")
	}
	return toClaims(parsed)
}

func toClaims(body postureClaims) (Claims, error) {
	asOf, err := time.Parse(time.RFC3339Nano, body.AsOf)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeAttestationInvalid, "attestation as_of is invalid", err)
	}
	claims := Claims{
		Issuer:           body.Issuer,
		Audience:         []string(body.Audience),
		JWTID:            body.ID,
		ScopeID:          body.ScopeID,
		Seq:              body.Seq,
		ChainHash:        body.ChainHash,
		AsOf:             asOf.UTC(),
		Totals:           body.Totals,
		Score:            body.Score,
		ActiveExceptions: body.ActiveExceptions,
	}
	if body.IssuedAt != nil {
		claims.IssuedAt = body.IssuedAt.Time.UTC()
	}
	if body.ExpiresAt != nil {
		claims.ExpiresAt = body.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

func mismatch(field string) error {
	return apperrors.WithMetadata(
		apperrors.CodeAttestationInvalid,
		"attestation "+field+" mismatch",
		map[string]string{"Field": field},
	)
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.Wrap(apperrors.CodeAttestationInvalid, "attestation signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.Wrap(apperrors.CodeAttestationInvalid, "attestation alg is invalid", err)
	}
	return apperrors.Wrap(apperrors.CodeAttestationInvalid, "attestation is invalid", err)
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
