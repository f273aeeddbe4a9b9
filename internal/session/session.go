// Package session implements SessionManager (spec.md §4.4), the hardest
// subsystem in Bay: the idempotent converge-to-running algorithm that
// brings a sandbox's session to observed_state=running with a valid,
// probed endpoint from any starting state, plus multi-container
// orchestration, health probing, and the self-healing property.
//
// EnsureRunning and Stop assume the caller already holds the
// sandbox's per-sandbox lock (spec.md §4.4: "The operation runs under
// the sandbox's lock, so only one caller converges at a time").
// AdapterAndContainerFor is called by the router after that lock has
// been released.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/baysh/bay/internal/apierr"
	"github.com/baysh/bay/internal/driver"
	"github.com/baysh/bay/internal/profile"
	"github.com/baysh/bay/internal/runtime"
	"github.com/baysh/bay/internal/runtime/browser"
	"github.com/baysh/bay/internal/runtime/codeexec"
	"github.com/baysh/bay/internal/store"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	readinessPollFloor   = 250 * time.Millisecond
	readinessPollCeiling = 5 * time.Second
)

// Manager owns session lifecycle: lazy startup, multi-container
// orchestration, health probing, endpoint caching, restart on crash.
type Manager struct {
	store             *store.Store
	driver            driver.Driver
	pool              *runtime.Pool
	instanceID        string
	readinessDeadline time.Duration
}

func New(st *store.Store, d driver.Driver, pool *runtime.Pool, instanceID string, readinessDeadline time.Duration) *Manager {
	return &Manager{store: st, driver: d, pool: pool, instanceID: instanceID, readinessDeadline: readinessDeadline}
}

// buildAdapter constructs the concrete adapter for a runtime kind.
func buildAdapter(kind string, client *resty.Client, endpoint string) runtime.Adapter {
	if kind == "browser" {
		return browser.New(client, endpoint)
	}
	return codeexec.New(client, endpoint)
}

func (m *Manager) adapterFor(kind, endpoint string) runtime.Adapter {
	client := m.pool.Client(kind, m.readinessDeadline)
	return buildAdapter(kind, client, endpoint)
}

func (m *Manager) cacheAdapter(containerID, endpoint, kind string) runtime.Adapter {
	return m.pool.Get(containerID, endpoint, kind, m.readinessDeadline,
		func(client *resty.Client, ep string) runtime.Adapter { return buildAdapter(kind, client, ep) })
}

// EnsureRunning converges sandbox's session to running, from any state,
// implementing the algorithm of spec.md §4.4 steps 1-6.
func (m *Manager) EnsureRunning(ctx context.Context, sandboxID string, prof *profile.Profile) (*store.Session, error) {
	sess, err := m.resolveOrSynthesize(ctx, sandboxID, prof)
	if err != nil {
		return nil, err
	}

	if sess.ObservedState == "running" && sess.PrimaryContainerID != nil {
		sess, err = m.activeProbe(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	if sess.ObservedState == "pending" {
		sess, err = m.createAndStart(ctx, sess, prof)
		if err != nil {
			return nil, err
		}
	}

	if sess.ObservedState == "starting" {
		sess, err = m.pollReadiness(ctx, sess, prof)
		if err != nil {
			return nil, err
		}
	}

	if sess.ObservedState == "running" {
		m.ensureAdaptersCached(sess, prof)
		if err := m.touch(ctx, sess); err != nil {
			return nil, err
		}
	}

	if sess.ObservedState == "failed" {
		return nil, apierr.Newf(apierr.InternalError, "session failed: %s", derefStr(sess.FailedReason))
	}

	return sess, nil
}

// resolveOrSynthesize implements step 1: find the sandbox's current
// session, or synthesize a fresh pending one if none exists or the
// existing one is stopped/failed/desired-stopped.
func (m *Manager) resolveOrSynthesize(ctx context.Context, sandboxID string, prof *profile.Profile) (*store.Session, error) {
	var sess store.Session
	err := m.store.DB.WithContext(ctx).
		Preload("Containers").
		Where("sandbox_id = ?", sandboxID).
		Order("created_at DESC").
		First(&sess).Error

	needsNew := err == gorm.ErrRecordNotFound
	if err == nil {
		if sess.DesiredState == "stopped" || sess.ObservedState == "stopped" || sess.ObservedState == "failed" {
			needsNew = true
		}
	} else if err != gorm.ErrRecordNotFound {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load session", err)
	}

	if !needsNew {
		return &sess, nil
	}

	now := store.Now()
	fresh := &store.Session{
		ID:                 uuid.NewString(),
		SandboxID:          sandboxID,
		DesiredState:       "running",
		ObservedState:      "pending",
		IdleTimeoutSeconds: int(prof.IdleTimeoutDefault.Seconds()),
		LastActivity:       now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.DB.WithContext(ctx).Create(fresh).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to create session record", err)
	}
	return fresh, nil
}

// activeProbe implements step 2: probe the backend for the primary
// container. An externally-killed container is invisibly healed here.
func (m *Manager) activeProbe(ctx context.Context, sess *store.Session) (*store.Session, error) {
	status, err := m.driver.Status(ctx, *sess.PrimaryContainerID)
	if err != nil {
		if driver.IsRetryable(err) {
			return nil, apierr.Wrap(apierr.SessionNotReady, "could not probe session container", err).WithRetryAfter(1000)
		}
		return nil, apierr.Wrap(apierr.InternalError, "failed to probe session container", err)
	}

	switch status {
	case driver.StatusRunning:
		return sess, nil
	case driver.StatusExited, driver.StatusNotFound:
		log.Info().Str("session_id", sess.ID).Str("container_id", *sess.PrimaryContainerID).Msg("session container gone, healing")
		_ = m.driver.DestroyContainer(ctx, *sess.PrimaryContainerID)
		m.pool.Invalidate(*sess.PrimaryContainerID)
		if err := m.store.DB.WithContext(ctx).Model(sess).
			Updates(map[string]any{"primary_container_id": nil, "endpoint": nil, "observed_state": "pending"}).Error; err != nil {
			return nil, apierr.Wrap(apierr.InternalError, "failed to reset session after healing", err)
		}
		sess.PrimaryContainerID = nil
		sess.Endpoint = nil
		sess.ObservedState = "pending"
		return sess, nil
	default: // StatusUnknown
		return nil, apierr.New(apierr.SessionNotReady, "driver status unknown, try again").WithRetryAfter(1000)
	}
}

// createAndStart implements step 3: create and start the session's
// containers from cold.
func (m *Manager) createAndStart(ctx context.Context, sess *store.Session, prof *profile.Profile) (*store.Session, error) {
	var sandbox store.Sandbox
	if err := m.store.DB.WithContext(ctx).First(&sandbox, "id = ?", sess.SandboxID).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load sandbox for session create", err)
	}
	var cg store.Cargo
	if err := m.store.DB.WithContext(ctx).First(&cg, "id = ?", sandbox.CargoID).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to load cargo for session create", err)
	}

	labels := driver.Labels{InstanceID: m.instanceID, Owner: sandbox.Owner, SandboxID: sandbox.ID, SessionID: sess.ID}
	specs := prof.ToDriverSpecs()

	if len(specs) == 1 {
		return m.createSingle(ctx, sess, specs[0], cg, labels)
	}
	return m.createMulti(ctx, sess, specs, cg, labels)
}

func (m *Manager) createSingle(ctx context.Context, sess *store.Session, spec driver.ContainerSpec, cg store.Cargo, labels driver.Labels) (*store.Session, error) {
	labels.Role = spec.Role
	containerID, err := m.driver.CreateContainer(ctx, spec, cg.BackendHandle, cg.MountPath, "", labels)
	if err != nil {
		return m.failSession(ctx, sess, fmt.Sprintf("create container: %v", err))
	}
	endpoint, err := m.driver.StartContainer(ctx, containerID)
	if err != nil {
		_ = m.driver.DestroyContainer(ctx, containerID)
		return m.failSession(ctx, sess, fmt.Sprintf("start container: %v", err))
	}

	row := store.SessionContainer{
		ID: uuid.NewString(), SessionID: sess.ID, Ordinal: 0,
		Name: spec.Name, Role: spec.Role, Image: spec.Image,
		ContainerID: &containerID, Endpoint: &endpoint,
		Capabilities: strings.Join(spec.Capabilities, ","), ObservedState: "running",
	}
	if err := m.store.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist container row", err)
	}

	if err := m.store.DB.WithContext(ctx).Model(sess).Updates(map[string]any{
		"primary_container_id": containerID, "endpoint": endpoint, "observed_state": "starting",
	}).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to update session after create", err)
	}
	sess.PrimaryContainerID = &containerID
	sess.Endpoint = &endpoint
	sess.ObservedState = "starting"
	sess.Containers = []store.SessionContainer{row}
	return sess, nil
}

// createMulti implements step 3c: network creation, the driver's atomic
// multi-container create-and-start, and full rollback (containers +
// network) on any failure (end-to-end scenario S4).
func (m *Manager) createMulti(ctx context.Context, sess *store.Session, specs []driver.ContainerSpec, cg store.Cargo, labels driver.Labels) (*store.Session, error) {
	netHandle, err := m.driver.CreateNetwork(ctx, sess.ID)
	if err != nil {
		return m.failSession(ctx, sess, fmt.Sprintf("create network: %v", err))
	}

	created, err := m.driver.CreateMulti(ctx, specs, cg.BackendHandle, cg.MountPath, netHandle, labels)
	if err != nil {
		_ = m.driver.DestroyNetwork(ctx, netHandle)
		return m.failSession(ctx, sess, fmt.Sprintf("create-multi: %v", err))
	}

	rows := make([]store.SessionContainer, 0, len(created))
	var primaryContainerID, primaryEndpoint string
	for i, c := range created {
		spec := specs[i]
		row := store.SessionContainer{
			ID: uuid.NewString(), SessionID: sess.ID, Ordinal: i,
			Name: spec.Name, Role: spec.Role, Image: spec.Image,
			ContainerID: strPtr(c.ContainerID), Endpoint: strPtr(c.Endpoint),
			Capabilities: strings.Join(spec.Capabilities, ","), ObservedState: "running",
		}
		rows = append(rows, row)
		if spec.Role == "primary" {
			primaryContainerID, primaryEndpoint = c.ContainerID, c.Endpoint
		}
	}
	if primaryContainerID == "" && len(created) > 0 {
		primaryContainerID, primaryEndpoint = created[0].ContainerID, created[0].Endpoint
	}

	if err := m.store.DB.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to persist container rows", err)
	}
	if err := m.store.DB.WithContext(ctx).Model(sess).Updates(map[string]any{
		"network_id": netHandle, "primary_container_id": primaryContainerID,
		"endpoint": primaryEndpoint, "observed_state": "starting",
	}).Error; err != nil {
		return nil, apierr.Wrap(apierr.InternalError, "failed to update session after multi-create", err)
	}

	sess.NetworkID = &netHandle
	sess.PrimaryContainerID = &primaryContainerID
	sess.Endpoint = &primaryEndpoint
	sess.ObservedState = "starting"
	sess.Containers = rows
	return sess, nil
}

func (m *Manager) failSession(ctx context.Context, sess *store.Session, reason string) (*store.Session, error) {
	_ = m.store.DB.WithContext(ctx).Model(sess).Updates(map[string]any{
		"observed_state": "failed", "failed_reason": reason,
	}).Error
	sess.ObservedState = "failed"
	sess.FailedReason = &reason
	return sess, apierr.Newf(apierr.InternalError, "session failed: %s", reason)
}

// pollReadiness implements step 4: poll the primary adapter's meta with
// exponential backoff up to m.readinessDeadline.
func (m *Manager) pollReadiness(ctx context.Context, sess *store.Session, prof *profile.Profile) (*store.Session, error) {
	primary := primaryContainerTemplate(prof)
	adapter := m.adapterFor(primary.RuntimeKind, *sess.Endpoint)

	deadline := time.Now().Add(m.readinessDeadline)
	backoff := readinessPollFloor

	for {
		meta, err := adapter.Meta(ctx)
		if err == nil {
			if verr := validateMeta(meta, prof); verr != nil {
				return m.failSession(ctx, sess, verr.Error())
			}
			now := store.Now()
			if err := m.store.DB.WithContext(ctx).Model(sess).Updates(map[string]any{
				"observed_state": "running", "ready_at": now, "last_activity": now,
			}).Error; err != nil {
				return nil, apierr.Wrap(apierr.InternalError, "failed to mark session ready", err)
			}
			sess.ObservedState = "running"
			sess.ReadyAt = &now
			sess.LastActivity = now
			m.cacheAdapter(*sess.PrimaryContainerID, *sess.Endpoint, primary.RuntimeKind)
			return sess, nil
		}

		if _, isWire := err.(*runtime.WireError); isWire {
			return nil, apierr.Wrap(apierr.RuntimeError, "runtime answered the readiness probe with an error", err)
		}

		if time.Now().After(deadline) {
			return nil, apierr.New(apierr.SessionNotReady, "session did not become ready within the readiness deadline").
				WithRetryAfter(backoff.Milliseconds())
		}

		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.Timeout, "readiness polling canceled", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > readinessPollCeiling {
			backoff = readinessPollCeiling
		}
	}
}

func validateMeta(meta *runtime.Meta, prof *profile.Profile) error {
	if meta.MountPath != profile.ConventionalMountPath {
		return fmt.Errorf("meta mount_path %q does not match conventional path %q", meta.MountPath, profile.ConventionalMountPath)
	}
	primary := primaryContainerTemplate(prof)
	declared := map[runtime.Capability]bool{}
	for _, c := range meta.Capabilities {
		declared[c] = true
	}
	for _, want := range primary.Capabilities {
		if !declared[want] {
			return fmt.Errorf("meta capabilities missing declared capability %q", want)
		}
	}
	return nil
}

func primaryContainerTemplate(prof *profile.Profile) profile.ContainerTemplate {
	for _, c := range prof.Containers {
		if c.Role == "primary" {
			return c
		}
	}
	return prof.Containers[0]
}

// ensureAdaptersCached implements step 5: lazily re-probe and cache the
// adapter for a running session whose cache entry is absent (e.g. after
// a process restart).
func (m *Manager) ensureAdaptersCached(sess *store.Session, prof *profile.Profile) {
	for _, c := range sess.Containers {
		if c.ContainerID == nil || c.Endpoint == nil {
			continue
		}
		kind := kindForContainerName(prof, c.Name)
		m.cacheAdapter(*c.ContainerID, *c.Endpoint, kind)
	}
}

func kindForContainerName(prof *profile.Profile, name string) string {
	for _, c := range prof.Containers {
		if c.Name == name {
			return c.RuntimeKind
		}
	}
	return "codeexec"
}

func (m *Manager) touch(ctx context.Context, sess *store.Session) error {
	now := store.Now()
	if err := m.store.DB.WithContext(ctx).Model(sess).Update("last_activity", now).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to touch session", err)
	}
	sess.LastActivity = now
	return nil
}

// Stop implements spec.md §4.4 "Stop": stops and destroys every
// container, destroys the session network if any, and marks the session
// stopped. Cargo is left untouched.
func (m *Manager) Stop(ctx context.Context, sandboxID string) error {
	var sessions []store.Session
	if err := m.store.DB.WithContext(ctx).Preload("Containers").
		Where("sandbox_id = ? AND observed_state NOT IN ?", sandboxID, []string{"stopped", "failed"}).
		Find(&sessions).Error; err != nil {
		return apierr.Wrap(apierr.InternalError, "failed to load sessions to stop", err)
	}

	for i := range sessions {
		sess := &sessions[i]
		for _, c := range sess.Containers {
			if c.ContainerID == nil {
				continue
			}
			if err := m.driver.StopContainer(ctx, *c.ContainerID); err != nil {
				log.Warn().Err(err).Str("container_id", *c.ContainerID).Msg("stop: failed to stop container")
			}
			if err := m.driver.DestroyContainer(ctx, *c.ContainerID); err != nil {
				log.Warn().Err(err).Str("container_id", *c.ContainerID).Msg("stop: failed to destroy container")
			}
			m.pool.Invalidate(*c.ContainerID)
		}
		if sess.NetworkID != nil {
			if err := m.driver.DestroyNetwork(ctx, *sess.NetworkID); err != nil {
				log.Warn().Err(err).Str("network_id", *sess.NetworkID).Msg("stop: failed to destroy network")
			}
		}
		if err := m.store.DB.WithContext(ctx).Model(sess).Updates(map[string]any{
			"desired_state": "stopped", "observed_state": "stopped",
		}).Error; err != nil {
			return apierr.Wrap(apierr.InternalError, "failed to mark session stopped", err)
		}
	}
	return nil
}

// AdapterAndContainerFor resolves the container (and cached adapter)
// providing cap within sess, per the profile's capability map (spec.md
// §4.4 "Multi-container capability map"). If the driver reports that
// container as not running, this returns a retryable session_not_ready
// error. A primary container is replaced by the next request's
// EnsureRunning probe; a non-primary container is not recreated, since
// that probe covers only the primary container. There is no background
// poller.
func (m *Manager) AdapterAndContainerFor(ctx context.Context, sess *store.Session, prof *profile.Profile, cap runtime.Capability) (runtime.Adapter, *store.SessionContainer, error) {
	name, ok := prof.PrimaryContainerFor(cap)
	if !ok {
		return nil, nil, apierr.Newf(apierr.CapabilityNotSupported, "capability %q is not declared by profile %s", cap, prof.ID)
	}

	var target *store.SessionContainer
	for i := range sess.Containers {
		if sess.Containers[i].Name == name {
			target = &sess.Containers[i]
			break
		}
	}
	if target == nil || target.ContainerID == nil || target.Endpoint == nil {
		return nil, nil, apierr.New(apierr.SessionNotReady, "capability container not yet provisioned").WithRetryAfter(500)
	}

	status, err := m.driver.Status(ctx, *target.ContainerID)
	if err == nil && status != driver.StatusRunning {
		if target.Role == "primary" {
			return nil, nil, apierr.New(apierr.SessionNotReady, "primary container is not running; retry to trigger heal").WithRetryAfter(500)
		}
		return nil, nil, apierr.New(apierr.SessionNotReady, "capability container is not running").WithRetryAfter(2000)
	}

	kind := kindForContainerName(prof, target.Name)
	adapter := m.cacheAdapter(*target.ContainerID, *target.Endpoint, kind)
	return adapter, target, nil
}

func strPtr(s string) *string { return &s }
func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
