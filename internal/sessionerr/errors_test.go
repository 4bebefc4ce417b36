package sessionerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")

	assert.Equal(t, "sftp not connected", New(ChannelUnavailable, "file:list", "sftp not connected").Error())
	assert.Equal(t, "connection reset", Wrap(TransportError, "connect", cause).Error())
	assert.Equal(t, "upload failed: connection reset", Wrapf(RemoteOperationError, "file:upload", "upload failed", cause).Error())
	assert.Equal(t, "timeout", (&Error{Kind: Timeout}).Error())
}

func TestKindOfWrapped(t *testing.T) {
	base := New(PathRejected, "file:delete", "illegal path, cannot be deleted")
	wrapped := fmt.Errorf("delete: %w", base)

	assert.Equal(t, PathRejected, KindOf(wrapped))
	assert.True(t, Is(wrapped, PathRejected))
	assert.False(t, Is(wrapped, Timeout))
	assert.False(t, Is(nil, PathRejected))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(TransportError, "connect", nil))
	assert.NoError(t, Wrapf(TransportError, "connect", "msg", nil))
}

func TestFinalKinds(t *testing.T) {
	for _, k := range []Kind{AuthenticationFailure, AuthenticationTimeout, AuthenticationCancelled, PathRejected} {
		assert.Truef(t, k.Final(), "%s should be final", k)
	}
	for _, k := range []Kind{TransportError, Timeout, ParseError, ChannelUnavailable} {
		assert.Falsef(t, k.Final(), "%s should not be final", k)
	}
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "invalid_request", InvalidRequest.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.False(t, RateLimited.Final())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := Wrap(TransportError, "exec", cause)
	assert.ErrorIs(t, err, cause)
}
