// Package sandbox implements SandboxManager (spec.md §4.5): sandbox
// creation, lookup, stop, delete, TTL management, and the computed
// status shown at the API boundary. Every mutating operation is
// serialized per sandbox id through internal/lock. Keepalive, ExtendTTL
// and Stop update the sandbox row through store.CompareAndSwapVersion;
// Delete and EnsureRunning's current-session update write it directly.
package sandbox

import (
	"context"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the computed, user-facing sandbox status (spec.md §3).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
	StatusExpired  Status = "expired"
	StatusDeleted  Status = "deleted"
)

// View bundles a sandbox row with its computed status, for API responses.
type View struct {
	Sandbox store.Sandbox
	Status  Status
}

// Manager owns sandbox records and orchestrates session convergence
// under the per-sandbox lock.
type Manager struct {
	store      *store.Store
	locks      *lock.Table
	cargo      *cargo.Manager
	session    *session.Manager
	profiles   *profile.Registry
	defaultTTL time.Duration
}

func New(st *store.Store, locks *lock.Table, cargoMgr *cargo.Manager, sessionMgr *session.Manager, profiles *profile.Registry, defaultTTL time.Duration) *Manager {
	return &Manager{store: st, locks: locks, cargo: cargoMgr, session: sessionMgr, profiles: profiles, defaultTTL: defaultTTL}
}

// Create allocates a sandbox id, a managed cargo, and a sandbox row in
// desired-state=running (spec.md §4.5 "Create").
func (m *Manager) Create(ctx context.Context, owner, profileID string, ttl *time.Duration) (*store.Sandbox, error) {
	if _, err := m.profiles.Get(profileID); err != nil {
		return nil, apierr.Newf(apierr.ValidationError, "unknown profile %q", profileID)
	}
	if ttl != nil && *ttl <= 0 {
		return nil, apierr.New(apierr.ValidationError, "ttl must be positive; omit it for an infinite-TTL sandbox")
	}

	now := store.Now()
	id := uuid.NewString()

	cg, err := m.cargo.CreateManaged(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	effectiveTTL := m.defaultTTL
	if ttl != nil {
		effectiveTTL = *ttl
	}
	if effectiveTTL > 0 {
		t := now.Add(effectiveTTL)
		expiresAt = &t
	}

	sb := &store.Sandbox{
		ID: id, Owner: owner, ProfileID: profileID, CargoID: cg.ID,
		DesiredState: "running", ExpiresAt: expiresAt,
		LastActivity: now, CreatedAt: now, Version: 0,
	}
	if err := m.store.DB.WithContext(ctx).Create(sb).Error; err != nil {
		_ = m.cargo.CascadeDeleteManaged(ctx, cg.ID)
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist sandbox record", err)
	}
	return sb, nil
}

// Get loads a sandbox scoped to owner and computes its status.
func (m *Manager) Get(ctx context.Context, owner, id string) (*View, error) {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, sb)
}

// List returns every non-deleted sandbox owned by owner, with computed
// status (spec.md §4.5 "List / get").
func (m *Manager) List(ctx context.Context, owner string) ([]View, error) {
	var rows []store.Sandbox
	if err := m.store.DB.WithContext(ctx).Where("owner = ?", owner).Find(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to list sandboxes", err)
	}
	views := make([]View, 0, len(rows))
	for _, sb := range rows {
		v, err := m.view(ctx, &sb)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (m *Manager) load(ctx context.Context, owner, id string) (*store.Sandbox, error) {
	var sb store.Sandbox
	err := m.store.DB.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).First(&sb).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.New(apierr.NotFound, "sandbox not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load sandbox", err)
	}
	return &sb, nil
}

// view computes a sandbox's status against a single captured "now"
// (spec.md §9 "single captured now"), consulting its latest session row
// only when the sandbox is not already terminal.
func (m *Manager) view(ctx context.Context, sb *store.Sandbox) (*View, error) {
	now := store.Now()

	if sb.DeletedAt.Valid {
		return &View{Sandbox: *sb, Status: StatusDeleted}, nil
	}
	if sb.ExpiresAt != nil && now.After(*sb.ExpiresAt) {
		return &View{Sandbox: *sb, Status: StatusExpired}, nil
	}
	if sb.DesiredState == "stopped" {
		return &View{Sandbox: *sb, Status: StatusIdle}, nil
	}

	var sess store.Session
	err := m.store.DB.WithContext(ctx).
		Where("sandbox_id = ?", sb.ID).
		Order("created_at DESC").
		First(&sess).Error
	if err == gorm.ErrRecordNotFound {
		return &View{Sandbox: *sb, Status: StatusIdle}, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load session for status", err)
	}

	switch sess.ObservedState {
	case "stopped":
		return &View{Sandbox: *sb, Status: StatusIdle}, nil
	case "pending", "starting":
		return &View{Sandbox: *sb, Status: StatusStarting}, nil
	case "running":
		return &View{Sandbox: *sb, Status: StatusReady}, nil
	case "degraded":
		return &View{Sandbox: *sb, Status: StatusDegraded}, nil
	case "failed":
		return &View{Sandbox: *sb, Status: StatusFailed}, nil
	default:
		return &View{Sandbox: *sb, Status: StatusIdle}, nil
	}
}

// EnsureRunning acquires the sandbox's per-sandbox lock and converges its
// session to running, returning the profile alongside it for callers
// that need the capability map (spec.md §4.2 control flow).
func (m *Manager) EnsureRunning(ctx context.Context, owner, id string) (*store.Session, *profile.Profile, error) {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkLive(sb); err != nil {
		return nil, nil, err
	}

	release := m.locks.Acquire(id)
	defer release()

	// Re-load inside the lock: another goroutine may have mutated the
	// sandbox (stopped, deleted, extended) between the unlocked load
	// above and acquiring the lock.
	sb, err = m.load(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkLive(sb); err != nil {
		return nil, nil, err
	}

	prof, err := m.profiles.Get(sb.ProfileID)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.InternalError, "sandbox references unknown profile", err)
	}

	sess, err := m.session.EnsureRunning(ctx, sb.ID, prof)
	if err != nil {
		return nil, nil, err
	}

	if sb.CurrentSessionID == nil || *sb.CurrentSessionID != sess.ID {
		_ = m.store.DB.WithContext(ctx).Model(sb).Update("current_session_id", sess.ID).Error
	}

	return sess, prof, nil
}

func (m *Manager) checkLive(sb *store.Sandbox) error {
	if sb.DeletedAt.Valid {
		return apierr.New(apierr.NotFound, "sandbox not found")
	}
	if sb.ExpiresAt != nil && store.Now().After(*sb.ExpiresAt) {
		return apierr.New(apierr.SandboxExpired, "sandbox has expired")
	}
	if sb.DesiredState == "stopped" {
		return apierr.New(apierr.Conflict, "sandbox is stopped")
	}
	return nil
}

// Keepalive refreshes idle-expires-at only; expires-at is untouched
// (spec.md §4.5 "Keepalive").
func (m *Manager) Keepalive(ctx context.Context, owner, id string) error {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		return err
	}
	release := m.locks.Acquire(id)
	defer release()

	now := store.Now()
	idle := now.Add(15 * time.Minute)
	err = store.CompareAndSwapVersion[store.Sandbox](m.store.DB.WithContext(ctx), sb.ID, sb.Version, map[string]any{
		"last_activity": now, "idle_expires_at": idle,
	})
	if err == store.ErrVersionConflict {
		return apierr.New(apierr.Conflict, "sandbox was concurrently modified, retry")
	}
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to refresh keepalive", err)
	}
	return nil
}

// ExtendTTL extends expires-at by delta from max(old-expires-at, now)
// (spec.md §4.5 "ExtendTTL").
func (m *Manager) ExtendTTL(ctx context.Context, owner, id string, delta time.Duration) (*store.Sandbox, error) {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	release := m.locks.Acquire(id)
	defer release()

	now := store.Now()
	if sb.ExpiresAt == nil {
		return nil, apierr.New(apierr.SandboxTTLInfinite, "sandbox has an infinite TTL")
	}
	if now.After(*sb.ExpiresAt) {
		return nil, apierr.New(apierr.SandboxExpired, "sandbox has already expired")
	}

	base := *sb.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpiry := base.Add(delta)

	err = store.CompareAndSwapVersion[store.Sandbox](m.store.DB.WithContext(ctx), sb.ID, sb.Version, map[string]any{
		"expires_at": newExpiry,
	})
	if err == store.ErrVersionConflict {
		return nil, apierr.New(apierr.Conflict, "sandbox was concurrently modified, retry")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to extend ttl", err)
	}
	sb.ExpiresAt = &newExpiry
	sb.Version++
	return sb, nil
}

// Stop sets desired-state=stopped and delegates to SessionManager.Stop
// (spec.md §4.5 "Stop").
func (m *Manager) Stop(ctx context.Context, owner, id string) error {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		return err
	}

	release := m.locks.Acquire(id)
	defer release()

	if err := m.session.Stop(ctx, sb.ID); err != nil {
		return err
	}
	err = store.CompareAndSwapVersion[store.Sandbox](m.store.DB.WithContext(ctx), sb.ID, sb.Version, map[string]any{
		"desired_state": "stopped", "current_session_id": nil,
	})
	if err == store.ErrVersionConflict {
		return apierr.New(apierr.Conflict, "sandbox was concurrently modified, retry")
	}
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to mark sandbox stopped", err)
	}
	return nil
}

// Delete stops the session, cascades the managed cargo, and soft-deletes
// the sandbox row. Idempotent (spec.md §4.5 "Delete").
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	sb, err := m.load(ctx, owner, id)
	if err != nil {
		if ae, ok := apierr.As(err); ok && ae.Code == apierr.NotFound {
			return nil // delete is idempotent
		}
		return err
	}

	release := m.locks.Acquire(id)
	defer release()

	if err := m.session.Stop(ctx, sb.ID); err != nil {
		return err
	}
	if err := m.cargo.CascadeDeleteManaged(ctx, sb.CargoID); err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to cascade-delete managed cargo", err)
	}

	now := store.Now()
	if err := m.store.DB.WithContext(ctx).Model(sb).Updates(map[string]any{
		"desired_state": "deleted", "deleted_at": now,
	}).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to mark sandbox deleted", err)
	}

	m.locks.Forget(id)
	return nil
}
