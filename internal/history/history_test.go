package history

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
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func exitCode(n int) *int { return &n }

func TestAppendAndGet(t *testing.T) {
	r := New(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, Record{
		SandboxID: "sbx-1", Type: "python", Input: "print(1)", Stdout: "1\n",
		Success: true, ExitCode: exitCode(0), DurationMs: 12, StartedAt: time.Now(),
	}))

	rows, err := r.List(ctx, Filter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "python", rows[0].Type)

	got, err := r.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "1\n", got.Stdout)
}

func TestGetLastReturnsMostRecent(t *testing.T) {
	r := New(newTestStore(t))
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, r.Append(ctx, Record{SandboxID: "sbx-1", Type: "shell", Output: "old", StartedAt: older}))
	require.NoError(t, r.Append(ctx, Record{SandboxID: "sbx-1", Type: "shell", Output: "new", StartedAt: newer}))

	last, err := r.GetLast(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "new", last.Output)
}

func TestGetLastNotFoundForUnknownSandbox(t *testing.T) {
	r := New(newTestStore(t))
	_, err := r.GetLast(context.Background(), "no-such-sandbox")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, ae.Code)
}

func TestListFiltersBySuccessAndType(t *testing.T) {
	r := New(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, Record{SandboxID: "sbx-1", Type: "python", Success: true, StartedAt: time.Now()}))
	require.NoError(t, r.Append(ctx, Record{SandboxID: "sbx-1", Type: "shell", Success: false, StartedAt: time.Now()}))

	failOnly := false
	rows, err := r.List(ctx, Filter{SandboxID: "sbx-1", Success: &failOnly})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "shell", rows[0].Type)
}

func TestAnnotateSetsFieldsAndRejectsUnknownID(t *testing.T) {
	r := New(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, Record{SandboxID: "sbx-1", Type: "python", StartedAt: time.Now()}))
	rows, err := r.List(ctx, Filter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	desc := "generated a report"
	require.NoError(t, r.Annotate(ctx, rows[0].ID, Annotation{Description: &desc, Tags: []string{"report", "weekly"}}))

	got, err := r.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.JSONEq(t, `["report","weekly"]`, got.Tags)

	filtered, err := r.List(ctx, Filter{SandboxID: "sbx-1", Tag: "weekly"})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	err = r.Annotate(ctx, "does-not-exist", Annotation{Description: &desc})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, ae.Code)
}
