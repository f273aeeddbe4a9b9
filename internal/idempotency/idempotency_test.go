package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBeginProceedsOnFirstSight(t *testing.T) {
	svc := New(newTestStore(t), time.Hour)
	res, err := svc.Begin(context.Background(), "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	assert.Equal(t, Proceed, res.Outcome)
}

func TestCompleteThenReplayReturnsCachedBytes(t *testing.T) {
	svc := New(newTestStore(t), time.Hour)
	ctx := context.Background()

	res, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	require.Equal(t, Proceed, res.Outcome)

	require.NoError(t, svc.Complete(ctx, res.Record.ID, 201, []byte(`{"id":"sbx-1"}`)))

	replay, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	assert.Equal(t, Cached, replay.Outcome)
	assert.Equal(t, 201, replay.CachedStatus)
	assert.Equal(t, `{"id":"sbx-1"}`, string(replay.CachedBody))
}

func TestBeginRejectsFingerprintMismatch(t *testing.T) {
	svc := New(newTestStore(t), time.Hour)
	ctx := context.Background()

	res, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, res.Record.ID, 201, []byte(`{}`)))

	_, err = svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-different")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
}

func TestBeginRejectsConcurrentInProgress(t *testing.T) {
	svc := New(newTestStore(t), time.Hour)
	ctx := context.Background()

	_, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)

	_, err = svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
	assert.Greater(t, ae.RetryAfterMs, int64(0))
}

func TestAbandonClearsInProgressRecordForRetry(t *testing.T) {
	svc := New(newTestStore(t), time.Hour)
	ctx := context.Background()

	res, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	require.NoError(t, svc.Abandon(ctx, res.Record.ID))

	retry, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	assert.Equal(t, Proceed, retry.Outcome)
}

func TestBeginTreatsExpiredRecordAsNew(t *testing.T) {
	svc := New(newTestStore(t), -time.Hour) // negative clamps to defaultTTL in New, so override ttl directly below
	svc.ttl = time.Nanosecond
	ctx := context.Background()

	first, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-a")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, first.Record.ID, 201, []byte(`{}`)))

	time.Sleep(time.Millisecond)

	again, err := svc.Begin(ctx, "owner-1", "key-1", "POST /v1/sandboxes", "fp-b")
	require.NoError(t, err)
	assert.Equal(t, Proceed, again.Outcome, "an expired record should not reject a different fingerprint")
}

func TestFingerprintIsStableAndContentSensitive(t *testing.T) {
	a := Fingerprint([]byte(`{"profile_id":"python-default"}`))
	b := Fingerprint([]byte(`{"profile_id":"python-default"}`))
	c := Fingerprint([]byte(`{"profile_id":"browser-default"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
