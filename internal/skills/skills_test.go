package skills

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "skills.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateCandidateStartsAsDraft(t *testing.T) {
	m := New(newTestStore(t))
	c, err := m.CreateCandidate(context.Background(), "summarize-pdf", []string{"exec-1", "exec-2"})
	require.NoError(t, err)
	assert.Equal(t, "draft", c.Status)
	assert.JSONEq(t, `["exec-1","exec-2"]`, c.ExecutionIDs)
}

func TestEvaluatePassAndFail(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	pass, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	evaluated, err := m.Evaluate(ctx, pass.ID, 0.92, true)
	require.NoError(t, err)
	assert.Equal(t, "evaluated", evaluated.Status)

	fail, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	rejected, err := m.Evaluate(ctx, fail.ID, 0.10, false)
	require.NoError(t, err)
	assert.Equal(t, "rejected", rejected.Status)
}

func TestEvaluateRejectsTerminalCandidate(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	c, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, c.ID, 0.1, false)
	require.NoError(t, err)

	_, err = m.Evaluate(ctx, c.ID, 0.9, true)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
}

func TestPromoteRequiresEvaluatedPassingCandidate(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	draft, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)

	_, err = m.Promote(ctx, draft.ID, "canary")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)

	_, err = m.Evaluate(ctx, draft.ID, 0.2, false)
	require.NoError(t, err)
	_, err = m.Promote(ctx, draft.ID, "canary")
	require.Error(t, err)
}

func TestPromoteSupersedesPriorActiveRelease(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	first, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, first.ID, 0.95, true)
	require.NoError(t, err)
	rel1, err := m.Promote(ctx, first.ID, "canary")
	require.NoError(t, err)
	assert.Equal(t, 1, rel1.Version)
	assert.True(t, rel1.Active)

	second, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, second.ID, 0.98, true)
	require.NoError(t, err)
	rel2, err := m.Promote(ctx, second.ID, "canary")
	require.NoError(t, err)
	assert.Equal(t, 2, rel2.Version)
	assert.True(t, rel2.Active)

	releases, err := m.ListReleases(ctx, "summarize-pdf")
	require.NoError(t, err)
	require.Len(t, releases, 2)
	for _, r := range releases {
		if r.ID == rel1.ID {
			assert.False(t, r.Active, "the superseded release should be deactivated")
		}
	}
}

func TestRollbackReactivatesPriorRelease(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	first, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, first.ID, 0.95, true)
	require.NoError(t, err)
	rel1, err := m.Promote(ctx, first.ID, "canary")
	require.NoError(t, err)

	second, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, second.ID, 0.98, true)
	require.NoError(t, err)
	rel2, err := m.Promote(ctx, second.ID, "canary")
	require.NoError(t, err)

	restored, err := m.Rollback(ctx, rel2.ID)
	require.NoError(t, err)
	assert.Equal(t, rel1.ID, restored.ID)
	assert.True(t, restored.Active)
}

func TestRollbackFailsWithNoPriorRelease(t *testing.T) {
	m := New(newTestStore(t))
	ctx := context.Background()

	only, err := m.CreateCandidate(ctx, "summarize-pdf", nil)
	require.NoError(t, err)
	_, err = m.Evaluate(ctx, only.ID, 0.95, true)
	require.NoError(t, err)
	rel, err := m.Promote(ctx, only.ID, "canary")
	require.NoError(t, err)

	_, err = m.Rollback(ctx, rel.ID)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
}
