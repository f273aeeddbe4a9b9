package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{NotFound, http.StatusNotFound},
		{ValidationError, http.StatusBadRequest},
		{SessionNotReady, http.StatusServiceUnavailable},
		{RuntimeError, http.StatusBadGateway},
		{QuotaExceeded, http.StatusTooManyRequests},
		{Code("made_up_code"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		err := New(c.code, "boom")
		assert.Equal(t, c.want, err.HTTPStatus(), "code %s", c.code)
	}
}

func TestWrapKeepsMessagePublicAndCausePrivate(t *testing.T) {
	cause := errors.New("pq: duplicate key value violates unique constraint")
	err := Wrap(InternalError, "failed to create sandbox", cause)

	assert.NotContains(t, err.Message, "duplicate key")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "duplicate key", "full Error() string still carries the cause for logs")
}

func TestAsExtractsThroughWrapping(t *testing.T) {
	inner := New(NotFound, "sandbox not found")
	wrapped := &wrapper{err: inner}

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, NotFound, got.Code)
}

func TestAsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestInternalPassesThroughExistingError(t *testing.T) {
	original := New(Conflict, "version conflict")
	got := Internal(original)
	assert.Same(t, original, got)
}

func TestInternalWrapsUnknownError(t *testing.T) {
	got := Internal(errors.New("driver exploded"))
	assert.Equal(t, InternalError, got.Code)
	assert.ErrorIs(t, got, got.Unwrap())
}

func TestWithRetryAfterAndCorrelationIDChain(t *testing.T) {
	err := New(SessionNotReady, "still starting").WithRetryAfter(500).WithCorrelationID("abc-123")
	assert.Equal(t, int64(500), err.RetryAfterMs)
	assert.Equal(t, "abc-123", err.CorrelationID)
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
