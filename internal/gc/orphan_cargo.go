package gc

import "context"

// RunOrphanCargoGC destroys volumes for managed cargos whose owning
// sandbox is deleted or missing (spec.md §4.8 "OrphanCargoGC").
func (c *Coordinator) RunOrphanCargoGC(ctx context.Context) (int, error) {
	return c.cargo.ReapOrphans(ctx)
}
