package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// RolesClaim is the private claim holding operator roles.
const RolesClaim = "roles"

// ErrMissingRole reports a well formed token without the required role.
var ErrMissingRole = errors.New("auth: token lacks required role")

// TokenValidator checks issuer, audience, expiry, algorithm and role.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
	// Role, when set, must appear in the roles claim.
	Role string
}

// Validate ensures the token satisfies the configured requirements at now.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if algorithm == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}
	if v.Role != "" && !hasRole(tok, v.Role) {
		return fmt.Errorf("%w %q", ErrMissingRole, v.Role)
	}
	return nil
}

func hasRole(tok jwt.Token, role string) bool {
	raw, ok := tok.Get(RolesClaim)
	if !ok {
		return false
	}
	switch roles := raw.(type) {
	case []string:
		for _, r := range roles {
			if r == role {
				return true
			}
		}
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok && s == role {
				return true
			}
		}
	case string:
		return roles == role
	}
	return false
}
