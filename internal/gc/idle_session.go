package gc

import (
	"context"

	"github.com/baysh/bay/internal/store"
)

// RunIdleSessionGC stops every running session whose last-activity plus
// its per-profile idle-timeout has elapsed. Sandboxes are not destroyed,
// only their compute (spec.md §4.8 "IdleSessionGC").
func (c *Coordinator) RunIdleSessionGC(ctx context.Context) (int, error) {
	var sessions []store.Session
	if err := c.store.DB.WithContext(ctx).
		Where("observed_state = ?", "running").
		Find(&sessions).Error; err != nil {
		return 0, err
	}

	now := store.Now()
	stopped := 0
	for _, sess := range sessions {
		deadline := sess.LastActivity.Add(secondsToDuration(sess.IdleTimeoutSeconds))
		if now.Before(deadline) {
			continue
		}

		release := c.locks.Acquire(sess.SandboxID)
		// Re-read the session under the lock: a capability call may have
		// refreshed its last-activity between the scan above and acquiring
		// the lock (spec.md §9 "GC vs keepalive race"). Keepalive writes only
		// the sandbox row, so it is not consulted here.
		var fresh store.Session
		err := c.store.DB.WithContext(ctx).First(&fresh, "id = ?", sess.ID).Error
		if err != nil || fresh.ObservedState != "running" || now.Before(fresh.LastActivity.Add(secondsToDuration(fresh.IdleTimeoutSeconds))) {
			release()
			continue
		}
		stopErr := c.sessions.Stop(ctx, sess.SandboxID)
		release()
		if stopErr != nil {
			return stopped, stopErr
		}
		stopped++
	}
	return stopped, nil
}
