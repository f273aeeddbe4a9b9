// Package cargo implements CargoManager (spec.md §4.3): lifecycle and
// reference counting for persistent data volumes.
package cargo

import (
	"context"
	"fmt"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/driver"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Manager owns Cargo rows and the driver volumes backing them.
type Manager struct {
	store  *store.Store
	driver driver.Driver
}

func New(st *store.Store, d driver.Driver) *Manager {
	return &Manager{store: st, driver: d}
}

// CreateManaged creates a new managed cargo owned by sandboxID. Creation
// uses the backend driver; on driver error the record is rolled back
// (spec.md §4.3).
func (m *Manager) CreateManaged(ctx context.Context, owner, sandboxID string) (*store.Cargo, error) {
	id := uuid.NewString()
	handle, err := m.driver.CreateVolume(ctx, driver.VolumeSpec{Name: "bay-cargo-" + id, Owner: owner, Kind: "managed"})
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to create backing volume", err)
	}

	c := &store.Cargo{
		ID: id, Owner: owner, BackendHandle: handle, Kind: "managed",
		MountPath: profile.ConventionalMountPath, ManagedBySandboxID: &sandboxID,
		CreatedAt: store.Now(),
	}
	if err := m.store.DB.WithContext(ctx).Create(c).Error; err != nil {
		_ = m.driver.DestroyVolume(ctx, handle)
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist cargo record", err)
	}
	return c, nil
}

// CreateExternal creates a cargo that may be referenced by many sandboxes.
func (m *Manager) CreateExternal(ctx context.Context, owner, name string) (*store.Cargo, error) {
	id := uuid.NewString()
	handle, err := m.driver.CreateVolume(ctx, driver.VolumeSpec{Name: "bay-cargo-ext-" + id, Owner: owner, Kind: "external"})
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to create backing volume", err)
	}
	c := &store.Cargo{
		ID: id, Owner: owner, BackendHandle: handle, Kind: "external",
		MountPath: profile.ConventionalMountPath, CreatedAt: store.Now(),
	}
	if err := m.store.DB.WithContext(ctx).Create(c).Error; err != nil {
		_ = m.driver.DestroyVolume(ctx, handle)
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist cargo record", err)
	}
	return c, nil
}

// Get fetches a cargo by id, scoped to owner.
func (m *Manager) Get(ctx context.Context, owner, id string) (*store.Cargo, error) {
	var c store.Cargo
	err := m.store.DB.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).First(&c).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.New(apierr.NotFound, "cargo not found")
		}
		return nil, apierr.Wrap(apierr.InternalError, "failed to load cargo", err)
	}
	return &c, nil
}

// List returns every non-deleted cargo owned by owner.
func (m *Manager) List(ctx context.Context, owner string) ([]store.Cargo, error) {
	var cargos []store.Cargo
	if err := m.store.DB.WithContext(ctx).Where("owner = ?", owner).Find(&cargos).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to list cargo", err)
	}
	return cargos, nil
}

// activeReferenceCount counts non-deleted sandboxes whose cargo-id points
// at cargoID (spec.md §4.3).
func (m *Manager) activeReferenceCount(ctx context.Context, cargoID string) (int64, []string, error) {
	var sandboxes []store.Sandbox
	if err := m.store.DB.WithContext(ctx).
		Where("cargo_id = ? AND deleted_at IS NULL", cargoID).
		Find(&sandboxes).Error; err != nil {
		return 0, nil, err
	}
	ids := make([]string, 0, len(sandboxes))
	for _, s := range sandboxes {
		ids = append(ids, s.ID)
	}
	return int64(len(ids)), ids, nil
}

// Delete deletes an external cargo directly. Direct delete of a managed
// cargo is refused — that only happens via SandboxManager.Delete's
// cascade (spec.md §4.3).
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	c, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if c.Kind == "managed" {
		return apierr.New(apierr.Conflict, "managed cargo can only be deleted by deleting its owning sandbox")
	}

	count, refs, err := m.activeReferenceCount(ctx, c.ID)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to compute reference count", err)
	}
	if count > 0 {
		return apierr.Newf(apierr.Conflict, "cargo is referenced by %d sandbox(es): %v", count, refs)
	}

	if err := m.driver.DestroyVolume(ctx, c.BackendHandle); err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to destroy backing volume", err)
	}
	now := store.Now()
	if err := m.store.DB.WithContext(ctx).Model(c).Update("deleted_at", now).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to mark cargo deleted", err)
	}
	return nil
}

// CascadeDeleteManaged is called exclusively from SandboxManager.Delete.
// It destroys the backing volume and marks the cargo row deleted,
// regardless of reference count, since a managed cargo has exactly one
// owner by construction.
func (m *Manager) CascadeDeleteManaged(ctx context.Context, cargoID string) error {
	var c store.Cargo
	if err := m.store.DB.WithContext(ctx).First(&c, "id = ?", cargoID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("cargo: load for cascade delete: %w", err)
	}
	if c.Kind != "managed" {
		return fmt.Errorf("cargo: refusing to cascade-delete non-managed cargo %s", cargoID)
	}
	if err := m.driver.DestroyVolume(ctx, c.BackendHandle); err != nil {
		return fmt.Errorf("cargo: destroy volume during cascade: %w", err)
	}
	return m.store.DB.WithContext(ctx).Model(&c).Update("deleted_at", store.Now()).Error
}

// ReapOrphans destroys volumes for managed cargos whose owning sandbox is
// deleted or missing (OrphanCargoGC, spec.md §4.8). External cargos are
// never touched here.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	var cargos []store.Cargo
	if err := m.store.DB.WithContext(ctx).
		Where("kind = ? AND deleted_at IS NULL", "managed").
		Find(&cargos).Error; err != nil {
		return 0, fmt.Errorf("cargo: list managed for orphan scan: %w", err)
	}

	reaped := 0
	for _, c := range cargos {
		if c.ManagedBySandboxID == nil {
			continue
		}
		var sb store.Sandbox
		err := m.store.DB.WithContext(ctx).Unscoped().First(&sb, "id = ?", *c.ManagedBySandboxID).Error
		orphaned := err == gorm.ErrRecordNotFound || (err == nil && sb.DeletedAt.Valid)
		if !orphaned {
			continue
		}
		if err := m.CascadeDeleteManaged(ctx, c.ID); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
