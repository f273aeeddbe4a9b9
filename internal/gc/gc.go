// Package gc implements the Garbage Collector (spec.md §4.8): a
// coordinator running four independent, idempotent, crash-safe tasks on
// periodic schedules, each guarded by a row-level lease so a
// multi-instance deployment doesn't run a task twice concurrently.
package gc

import (
	"context"
	"time"

	"github.com/baysh/bay/internal/cargo"
	"github.com/baysh/bay/internal/driver"
	"github.com/baysh/bay/internal/lock"
	"github.com/baysh/bay/internal/session"
	"github.com/baysh/bay/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const leaseDuration = 2 * time.Minute

// Coordinator owns the cron scheduler and every task's dependencies.
type Coordinator struct {
	store      *store.Store
	driver     driver.Driver
	sessions   *session.Manager
	cargo      *cargo.Manager
	locks      *lock.Table
	instanceID string

	cron *cron.Cron
}

func New(st *store.Store, d driver.Driver, sessions *session.Manager, cargoMgr *cargo.Manager, locks *lock.Table, instanceID string) *Coordinator {
	return &Coordinator{store: st, driver: d, sessions: sessions, cargo: cargoMgr, locks: locks, instanceID: instanceID}
}

// Start schedules every task on its own periodic expression and begins
// running them in the background.
func (c *Coordinator) Start() error {
	c.cron = cron.New()
	schedules := map[string]struct {
		spec string
		run  func(ctx context.Context) (int, error)
	}{
		"idle-session-gc":     {"@every 1m", c.RunIdleSessionGC},
		"expired-sandbox-gc":  {"@every 1m", c.RunExpiredSandboxGC},
		"orphan-cargo-gc":     {"@every 5m", c.RunOrphanCargoGC},
		"orphan-container-gc": {"@every 5m", c.RunOrphanContainerGC},
	}
	for name, sched := range schedules {
		name, run := name, sched.run
		if _, err := c.cron.AddFunc(sched.spec, func() { c.runLeased(name, run) }); err != nil {
			return err
		}
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight task to finish.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// runLeased acquires task's lease before running it; a task whose lease
// is held elsewhere is skipped this tick.
func (c *Coordinator) runLeased(task string, run func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseDuration)
	defer cancel()

	if !c.acquireLease(ctx, task) {
		log.Debug().Str("task", task).Msg("gc: lease held elsewhere, skipping tick")
		return
	}
	n, err := run(ctx)
	if err != nil {
		log.Error().Err(err).Str("task", task).Msg("gc: task failed")
		return
	}
	if n > 0 {
		log.Info().Str("task", task).Int("count", n).Msg("gc: task completed")
	}
}

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// acquireLease takes task's lease via an upsert that only succeeds if no
// lease exists or the existing one has expired (spec.md §4.8
// "Multi-instance coordination").
func (c *Coordinator) acquireLease(ctx context.Context, task string) bool {
	now := store.Now()
	expires := now.Add(leaseDuration)
	res := c.store.DB.WithContext(ctx).Exec(
		`INSERT INTO gc_leases (task_name, holder_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_name) DO UPDATE SET holder_id = excluded.holder_id, expires_at = excluded.expires_at
		 WHERE gc_leases.expires_at < ?`,
		task, c.instanceID, expires, now,
	)
	return res.Error == nil && res.RowsAffected > 0
}
