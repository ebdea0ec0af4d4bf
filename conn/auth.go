package conn

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks a bearer token before connect({auth}) dials,
// deciding whether the manager should move to Connecting or fall back to
// NeedsAuth.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// JWTValidator validates a compact JWT against a key set, rejecting
// expired or malformed tokens the same way an expired session surfaces
// as AuthInvalidated once the server itself observes it.
type JWTValidator struct {
	KeySet jwt.KeySet
}

// NewJWTValidator constructs a validator against keySet. keySet may be
// nil, in which case signature verification is skipped and only
// structural/expiry checks run (useful for local/dev connections).
func NewJWTValidator(keySet jwt.KeySet) *JWTValidator {
	return &JWTValidator{KeySet: keySet}
}

// Validate parses token and checks its expiry/not-before claims, and its
// signature against KeySet when one is configured.
func (v *JWTValidator) Validate(ctx context.Context, token string) error {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.KeySet != nil {
		opts = append(opts, jwt.WithKeySet(v.KeySet))
	} else {
		opts = append(opts, jwt.WithVerify(false))
	}
	if _, err := jwt.ParseString(token, opts...); err != nil {
		return fmt.Errorf("conn: invalid auth token: %w", err)
	}
	return nil
}
