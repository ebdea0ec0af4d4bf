package conn_test

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerosync.dev/core/conn"
)

func buildToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject("client-a").
		IssuedAt(time.Now()).
		Expiration(expiry).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithInsecureNoSignature())
	require.NoError(t, err)
	return string(signed)
}

func TestJWTValidatorRejectsExpiredToken(t *testing.T) {
	v := conn.NewJWTValidator(nil)
	err := v.Validate(context.Background(), buildToken(t, time.Now().Add(-time.Hour)))
	assert.Error(t, err)
}

func TestJWTValidatorAcceptsLiveToken(t *testing.T) {
	v := conn.NewJWTValidator(nil)
	err := v.Validate(context.Background(), buildToken(t, time.Now().Add(time.Hour)))
	assert.NoError(t, err)
}
