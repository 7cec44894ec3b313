// Package auth authenticates operators on the admin surface. Operators
// present either an HS256 bearer token carrying the operator role or a
// static API key checked against argon2id hashes.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/planbox/internal/common"
)

const (
	defaultIssuer   = "planbox"
	defaultAudience = "planbox-ops"
	defaultRole     = "operator"
)

var errUnauthorized = common.NewAppError(common.CodeUnauthorized, "missing or invalid operator credentials", http.StatusUnauthorized, nil)

// Config describes how operators are authenticated.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	Role      string
	ClockSkew time.Duration
	// APIKeys holds "name:argon2id-hash" entries.
	APIKeys []string
}

type apiKey struct {
	name string
	hash string
}

// Operators verifies operator credentials.
type Operators struct {
	secret    []byte
	issuer    string
	audience  string
	role      string
	keys      []apiKey
	validator TokenValidator
	now       func() time.Time
}

// NewOperators validates cfg and builds an authenticator.
func NewOperators(cfg Config) (*Operators, error) {
	secret := strings.TrimSpace(cfg.Secret)
	keys := make([]apiKey, 0, len(cfg.APIKeys))
	for _, entry := range cfg.APIKeys {
		name, hash, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || name == "" || !strings.HasPrefix(hash, "$argon2id$") {
			return nil, fmt.Errorf("auth: api key entry %q must be name:argon2id-hash", name)
		}
		keys = append(keys, apiKey{name: name, hash: hash})
	}
	if secret == "" && len(keys) == 0 {
		return nil, errors.New("auth: a token secret or at least one api key is required")
	}

	o := &Operators{
		secret:   []byte(secret),
		issuer:   valueOr(cfg.Issuer, defaultIssuer),
		audience: valueOr(cfg.Audience, defaultAudience),
		role:     valueOr(cfg.Role, defaultRole),
		keys:     keys,
		now:      time.Now,
	}
	skew := cfg.ClockSkew
	if skew < 0 {
		skew = 0
	}
	o.validator = TokenValidator{
		Issuer:    o.issuer,
		Audience:  o.audience,
		ClockSkew: skew,
		Algorithm: jwa.HS256,
		Role:      o.role,
	}
	return o, nil
}

// WithNow allows tests to override the time provider.
func (o *Operators) WithNow(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// IssueToken signs an operator token for subject valid for ttl.
func (o *Operators) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if len(o.secret) == 0 {
		return "", time.Time{}, errors.New("auth: token secret not configured")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := o.now()
	expiresAt := now.Add(ttl)
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Issuer(o.issuer).
		Audience([]string{o.audience}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expiresAt).
		Claim(RolesClaim, []string{o.role}).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, o.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// ParseToken validates a bearer token and returns its subject.
func (o *Operators) ParseToken(token string) (string, error) {
	if len(o.secret) == 0 {
		return "", errUnauthorized
	}
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errUnauthorized
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if algorithm != o.validator.Algorithm {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, o.secret), jwt.WithValidate(false))
	if err != nil {
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	if err := o.validator.Validate(parsed, algorithm, o.now()); err != nil {
		if errors.Is(err, ErrMissingRole) {
			return "", common.NewAppError(common.CodeForbidden, "operator role required", http.StatusForbidden, err)
		}
		return "", common.NewAppError(common.CodeUnauthorized, "invalid token", http.StatusUnauthorized, err)
	}
	return parsed.Subject(), nil
}

// CheckAPIKey returns the configured name of the key matching raw.
func (o *Operators) CheckAPIKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(o.keys) == 0 {
		return "", errUnauthorized
	}
	for _, k := range o.keys {
		match, err := argon2id.ComparePasswordAndHash(raw, k.hash)
		if err != nil {
			return "", fmt.Errorf("auth: compare api key %s: %w", k.name, err)
		}
		if match {
			return "key:" + k.name, nil
		}
	}
	return "", errUnauthorized
}

// HashAPIKey produces the argon2id hash stored in configuration.
func HashAPIKey(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("auth: api key is empty")
	}
	return argon2id.CreateHash(raw, argon2id.DefaultParams)
}

// GenerateAPIKey returns a random url-safe key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pbx_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", errors.New("auth: token must carry exactly one signature")
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil {
		return "", errors.New("auth: token missing protected headers")
	}
	alg := headers.Algorithm()
	if alg == "" || alg == jwa.NoSignature {
		return "", errors.New("auth: token has no usable algorithm")
	}
	return alg, nil
}

func valueOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
