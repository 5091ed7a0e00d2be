package model

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindClassification(t *testing.T) {
	base := NewError(KindConnection, "connection refused")
	assert.True(t, IsKind(base, KindConnection))
	assert.False(t, IsKind(base, KindTimeout))
	assert.Equal(t, KindConnection, KindOf(base))
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := WrapError(KindFetchFailed, cause, "fetch %s failed", "https://example.com")

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, KindFetchFailed, KindOf(err))
	assert.Contains(t, err.Error(), "https://example.com")
}

func TestHTTPStatusError(t *testing.T) {
	err := HTTPStatusError(503, "service unavailable")

	require.Equal(t, KindHTTPStatus, KindOf(err))
	assert.Equal(t, 503, HTTPStatusOf(err))
	assert.Contains(t, err.Error(), "http 503")

	wrapped := WrapError(KindFetchFailed, err, "gave up")
	assert.Equal(t, 503, HTTPStatusOf(errors.Unwrap(wrapped)))
}

func TestHTTPStatusOfNonHTTPError(t *testing.T) {
	assert.Equal(t, 0, HTTPStatusOf(NewError(KindTimeout, "slow")))
	assert.Equal(t, 0, HTTPStatusOf(errors.New("plain")))
}

func TestRetryAfterOf(t *testing.T) {
	limErr := &Error{Kind: KindRateLimitExceeded, Detail: "no tokens", RetryAfter: 2 * time.Second}
	assert.Equal(t, 2*time.Second, RetryAfterOf(limErr))
	assert.Equal(t, time.Duration(0), RetryAfterOf(NewError(KindTimeout, "slow")))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
