package gc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/driver"
	"github.com/baysh/bay/internal/drivertest"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *drivertest.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fd := drivertest.New()
	pool := runtime.NewPool()
	sessions := session.New(st, fd, pool, "test-instance", time.Second)
	cargoMgr := cargo.New(st, fd)
	locks := lock.NewTable()
	return New(st, fd, sessions, cargoMgr, locks, "test-instance"), st, fd
}

func TestRunIdleSessionGCStopsSessionsPastTimeout(t *testing.T) {
	c, st, fd := newTestCoordinator(t)
	ctx := context.Background()

	containerID, err := fd.CreateContainer(ctx, driver.ContainerSpec{Name: "code", Role: "primary"}, "vol-1", profile.ConventionalMountPath, "", driver.Labels{})
	require.NoError(t, err)
	_, err = fd.StartContainer(ctx, containerID)
	require.NoError(t, err)

	idleSess := store.Session{
		ID: "sess-idle", SandboxID: "sbx-idle", DesiredState: "running", ObservedState: "running",
		PrimaryContainerID: &containerID, IdleTimeoutSeconds: 1,
		LastActivity: time.Now().Add(-time.Hour), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.DB.Create(&idleSess).Error)

	freshSess := store.Session{
		ID: "sess-fresh", SandboxID: "sbx-fresh", DesiredState: "running", ObservedState: "running",
		PrimaryContainerID: &containerID, IdleTimeoutSeconds: 3600,
		LastActivity: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.DB.Create(&freshSess).Error)

	stopped, err := c.RunIdleSessionGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	var reloadedIdle store.Session
	require.NoError(t, st.DB.First(&reloadedIdle, "id = ?", "sess-idle").Error)
	assert.Equal(t, "stopped", reloadedIdle.ObservedState)

	var reloadedFresh store.Session
	require.NoError(t, st.DB.First(&reloadedFresh, "id = ?", "sess-fresh").Error)
	assert.Equal(t, "running", reloadedFresh.ObservedState, "a recently active session must not be stopped")
}

func TestRunExpiredSandboxGCSoftDeletesAndCascadesCargo(t *testing.T) {
	c, st, fd := newTestCoordinator(t)
	ctx := context.Background()

	cg, err := cargo.New(st, fd).CreateManaged(ctx, "owner-1", "sbx-expired")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	sb := store.Sandbox{
		ID: "sbx-expired", Owner: "owner-1", ProfileID: "python-default", CargoID: cg.ID,
		DesiredState: "running", ExpiresAt: &past, LastActivity: time.Now(), CreatedAt: time.Now(),
	}
	require.NoError(t, st.DB.Create(&sb).Error)

	reaped, err := c.RunExpiredSandboxGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var reloaded store.Sandbox
	require.NoError(t, st.DB.Unscoped().First(&reloaded, "id = ?", "sbx-expired").Error)
	assert.True(t, reloaded.DeletedAt.Valid)
	assert.Equal(t, "deleted", reloaded.DesiredState)

	var reloadedCargo store.Cargo
	require.NoError(t, st.DB.Unscoped().First(&reloadedCargo, "id = ?", cg.ID).Error)
	assert.True(t, reloadedCargo.DeletedAt.Valid)
}

func TestRunExpiredSandboxGCIgnoresUnexpiredSandboxes(t *testing.T) {
	c, st, fd := newTestCoordinator(t)
	ctx := context.Background()

	cg, err := cargo.New(st, fd).CreateManaged(ctx, "owner-1", "sbx-live")
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	sb := store.Sandbox{
		ID: "sbx-live", Owner: "owner-1", ProfileID: "python-default", CargoID: cg.ID,
		DesiredState: "running", ExpiresAt: &future, LastActivity: time.Now(), CreatedAt: time.Now(),
	}
	require.NoError(t, st.DB.Create(&sb).Error)

	reaped, err := c.RunExpiredSandboxGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
}

func TestRunOrphanCargoGCDelegatesToCargoManager(t *testing.T) {
	c, st, fd := newTestCoordinator(t)
	cargoMgr := cargo.New(st, fd)
	ctx := context.Background()

	cg, err := cargoMgr.CreateManaged(ctx, "owner-1", "sbx-gone")
	require.NoError(t, err)
	require.NoError(t, st.DB.Create(&store.Sandbox{
		ID: "sbx-gone", Owner: "owner-1", ProfileID: "python-default", CargoID: cg.ID,
		DesiredState: "deleted", CreatedAt: store.Now(),
	}).Error)
	require.NoError(t, st.DB.Delete(&store.Sandbox{}, "id = ?", "sbx-gone").Error) // soft-delete

	reaped, err := c.RunOrphanCargoGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var reloaded store.Cargo
	require.NoError(t, st.DB.Unscoped().First(&reloaded, "id = ?", cg.ID).Error)
	assert.True(t, reloaded.DeletedAt.Valid)
}

func TestRunOrphanContainerGCDestroysContainersOfDeadSessionsOnly(t *testing.T) {
	c, st, fd := newTestCoordinator(t)
	ctx := context.Background()

	liveSess := store.Session{
		ID: "sess-live", SandboxID: "sbx-live", DesiredState: "running", ObservedState: "running",
		CreatedAt: time.Now(), UpdatedAt: time.Now(), LastActivity: time.Now(),
	}
	require.NoError(t, st.DB.Create(&liveSess).Error)

	deadSess := store.Session{
		ID: "sess-dead", SandboxID: "sbx-dead", DesiredState: "stopped", ObservedState: "stopped",
		CreatedAt: time.Now(), UpdatedAt: time.Now(), LastActivity: time.Now(),
	}
	require.NoError(t, st.DB.Create(&deadSess).Error)

	liveContainer, err := fd.CreateContainer(ctx, driver.ContainerSpec{Name: "code", Role: "primary"},
		"vol-1", profile.ConventionalMountPath, "", driver.Labels{SessionID: "sess-live"})
	require.NoError(t, err)
	_, err = fd.StartContainer(ctx, liveContainer)
	require.NoError(t, err)

	orphanContainer, err := fd.CreateContainer(ctx, driver.ContainerSpec{Name: "code", Role: "primary"},
		"vol-1", profile.ConventionalMountPath, "", driver.Labels{SessionID: "sess-dead"})
	require.NoError(t, err)
	_, err = fd.StartContainer(ctx, orphanContainer)
	require.NoError(t, err)

	untrackedContainer, err := fd.CreateContainer(ctx, driver.ContainerSpec{Name: "code", Role: "primary"},
		"vol-1", profile.ConventionalMountPath, "", driver.Labels{SessionID: "sess-never-existed"})
	require.NoError(t, err)
	_, err = fd.StartContainer(ctx, untrackedContainer)
	require.NoError(t, err)

	destroyed, err := c.RunOrphanContainerGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, destroyed)

	liveStatus, err := fd.Status(ctx, liveContainer)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusRunning, liveStatus, "container backing a live session must survive")

	orphanStatus, err := fd.Status(ctx, orphanContainer)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusNotFound, orphanStatus, "container backing a stopped session must be destroyed")

	untrackedStatus, err := fd.Status(ctx, untrackedContainer)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusNotFound, untrackedStatus, "container with no matching session row must be destroyed")
}

func TestAcquireLeaseExcludesConcurrentHolder(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	assert.True(t, c.acquireLease(ctx, "idle-session-gc"), "first acquire should succeed")
	assert.False(t, c.acquireLease(ctx, "idle-session-gc"), "second acquire before expiry should fail")
}
