package cargo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/drivertest"
	"github.com/baysh/bay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cargo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateManagedAndExternal(t *testing.T) {
	m := New(newTestStore(t), drivertest.New())
	ctx := context.Background()

	managed, err := m.CreateManaged(ctx, "owner-1", "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "managed", managed.Kind)
	require.NotNil(t, managed.ManagedBySandboxID)
	assert.Equal(t, "sbx-1", *managed.ManagedBySandboxID)

	external, err := m.CreateExternal(ctx, "owner-1", "shared-dataset")
	require.NoError(t, err)
	assert.Equal(t, "external", external.Kind)
	assert.Nil(t, external.ManagedBySandboxID)
}

func TestDeleteRefusesManagedCargo(t *testing.T) {
	m := New(newTestStore(t), drivertest.New())
	ctx := context.Background()

	c, err := m.CreateManaged(ctx, "owner-1", "sbx-1")
	require.NoError(t, err)

	err = m.Delete(ctx, "owner-1", c.ID)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
}

func TestDeleteRefusesReferencedExternalCargo(t *testing.T) {
	st := newTestStore(t)
	m := New(st, drivertest.New())
	ctx := context.Background()

	c, err := m.CreateExternal(ctx, "owner-1", "shared-dataset")
	require.NoError(t, err)

	require.NoError(t, st.DB.Create(&store.Sandbox{
		ID: "sbx-1", Owner: "owner-1", ProfileID: "python-default", CargoID: c.ID,
		DesiredState: "running", CreatedAt: store.Now(),
	}).Error)

	err = m.Delete(ctx, "owner-1", c.ID)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, ae.Code)
}

func TestDeleteSucceedsWhenUnreferenced(t *testing.T) {
	m := New(newTestStore(t), drivertest.New())
	ctx := context.Background()

	c, err := m.CreateExternal(ctx, "owner-1", "shared-dataset")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "owner-1", c.ID))

	_, err = m.Get(ctx, "owner-1", c.ID)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.NotFound, ae.Code)
}

func TestReapOrphansDeletesManagedCargoForDeletedSandbox(t *testing.T) {
	st := newTestStore(t)
	fd := drivertest.New()
	m := New(st, fd)
	ctx := context.Background()

	c, err := m.CreateManaged(ctx, "owner-1", "sbx-1")
	require.NoError(t, err)

	require.NoError(t, st.DB.Create(&store.Sandbox{
		ID: "sbx-1", Owner: "owner-1", ProfileID: "python-default", CargoID: c.ID,
		DesiredState: "deleted", CreatedAt: store.Now(),
	}).Error)
	require.NoError(t, st.DB.Delete(&store.Sandbox{}, "id = ?", "sbx-1").Error) // soft-delete

	reaped, err := m.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var reloaded store.Cargo
	require.NoError(t, st.DB.Unscoped().First(&reloaded, "id = ?", c.ID).Error)
	assert.True(t, reloaded.DeletedAt.Valid)
}

func TestReapOrphansLeavesLiveSandboxesCargoAlone(t *testing.T) {
	st := newTestStore(t)
	m := New(st, drivertest.New())
	ctx := context.Background()

	c, err := m.CreateManaged(ctx, "owner-1", "sbx-1")
	require.NoError(t, err)
	require.NoError(t, st.DB.Create(&store.Sandbox{
		ID: "sbx-1", Owner: "owner-1", ProfileID: "python-default", CargoID: c.ID,
		DesiredState: "running", CreatedAt: store.Now(),
	}).Error)

	reaped, err := m.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
}
