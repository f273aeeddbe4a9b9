package gc

import (
	"context"

	"github.com/baysh/bay/internal/store"
)

// RunExpiredSandboxGC stops the session, cascades the managed cargo, and
// soft-deletes every non-deleted sandbox whose expires-at has passed
// (spec.md §4.8 "ExpiredSandboxGC").
func (c *Coordinator) RunExpiredSandboxGC(ctx context.Context) (int, error) {
	now := store.Now()
	var sandboxes []store.Sandbox
	if err := c.store.DB.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ? AND deleted_at IS NULL", now).
		Find(&sandboxes).Error; err != nil {
		return 0, err
	}

	reaped := 0
	for _, sb := range sandboxes {
		release := c.locks.Acquire(sb.ID)
		reapedOne, err := c.reapOne(ctx, sb)
		release()
		if err != nil {
			return reaped, err
		}
		if reapedOne {
			c.locks.Forget(sb.ID)
			reaped++
		}
	}
	return reaped, nil
}

func (c *Coordinator) reapOne(ctx context.Context, sb store.Sandbox) (bool, error) {
	var fresh store.Sandbox
	if err := c.store.DB.WithContext(ctx).First(&fresh, "id = ?", sb.ID).Error; err != nil {
		return false, nil // already gone
	}
	if fresh.DeletedAt.Valid {
		return false, nil
	}
	now := store.Now()
	if fresh.ExpiresAt == nil || !now.After(*fresh.ExpiresAt) {
		return false, nil // extended out from under us
	}

	if err := c.sessions.Stop(ctx, fresh.ID); err != nil {
		return false, err
	}
	if err := c.cargo.CascadeDeleteManaged(ctx, fresh.CargoID); err != nil {
		return false, err
	}
	if err := c.store.DB.WithContext(ctx).Model(&fresh).Updates(map[string]any{
		"desired_state": "deleted", "deleted_at": now,
	}).Error; err != nil {
		return false, err
	}
	return true, nil
}
