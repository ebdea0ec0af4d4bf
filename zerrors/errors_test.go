package zerrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"zerosync.dev/core/zerrors"
)

func TestIsAuthCoversDirectKindsAndHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *zerrors.ZeroError
		want bool
	}{
		{"auth invalidated", zerrors.Server(zerrors.AuthInvalidated, "token expired"), true},
		{"unauthorized", zerrors.Server(zerrors.Unauthorized, ""), true},
		{"push failed 401", zerrors.ServerHTTP(zerrors.PushFailed, 401, errors.New("x")), true},
		{"push failed 403", zerrors.ServerHTTP(zerrors.PushFailed, 403, errors.New("x")), true},
		{"push failed 500", zerrors.ServerHTTP(zerrors.PushFailed, 500, errors.New("x")), false},
		{"client origin never auth", zerrors.Client(zerrors.Offline, "offline"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, zerrors.IsAuth(tt.err))
		})
	}
}

func TestIsFatalMatchesTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  *zerrors.ZeroError
		want bool
	}{
		{"client invalid message", zerrors.Client(zerrors.InvalidMessage, ""), true},
		{"client connect timeout retryable", zerrors.Client(zerrors.ConnectTimeout, ""), false},
		{"server internal", zerrors.Server(zerrors.ServerInternal, ""), true},
		{"server backoff kind not fatal", zerrors.ServerBackoff(zerrors.Rebalance, 0), false},
		{"auth kind not fatal", zerrors.Server(zerrors.AuthInvalidated, ""), false},
		{"invalid connection request", zerrors.Server(zerrors.InvalidConnectionRequest, ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, zerrors.IsFatal(tt.err))
		})
	}
}

func TestZeroErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := zerrors.ClientWrap(zerrors.ClientInternal, inner)
	assert.ErrorIs(t, wrapped, inner)
}

func TestWrapPreservesIs(t *testing.T) {
	inner := errors.New("boom")
	wrapped := zerrors.Wrap("doing thing", inner)
	assert.ErrorIs(t, wrapped, inner)
	assert.Contains(t, wrapped.Error(), "doing thing")
}
