package gc

import (
	"context"

	"github.com/baysh/bay/internal/store"
	"golang.org/x/sync/errgroup"
)

// RunOrphanContainerGC lists every backend container tagged with this
// instance's label and destroys any whose session-id does not map to a
// live session, recovering from process crashes during orchestration
// (spec.md §4.8 "OrphanContainerGC").
func (c *Coordinator) RunOrphanContainerGC(ctx context.Context) (int, error) {
	managed, err := c.driver.ListManaged(ctx, c.instanceID)
	if err != nil {
		return 0, err
	}

	var toDestroy []string
	for _, mc := range managed {
		live, err := c.sessionIsLive(ctx, mc.SessionID)
		if err != nil {
			return 0, err
		}
		if !live {
			toDestroy = append(toDestroy, mc.ContainerID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, containerID := range toDestroy {
		containerID := containerID
		g.Go(func() error { return c.driver.DestroyContainer(gctx, containerID) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(toDestroy), nil
}

func (c *Coordinator) sessionIsLive(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	var sess store.Session
	err := c.store.DB.WithContext(ctx).First(&sess, "id = ?", sessionID).Error
	if err != nil {
		return false, nil // not found: not live
	}
	switch sess.ObservedState {
	case "stopped", "failed":
		return false, nil
	default:
		return true, nil
	}
}
