// Package drivertest provides an in-memory driver.Driver double so
// package-level tests can exercise cargo, session, sandbox, and gc
// lifecycle logic without a real container daemon.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/baysh/bay/internal/driver"
)

// Fake is a minimal in-memory driver.Driver. Every method is safe for
// concurrent use. Failure injection is done by setting the exported
// Fail* fields (and StatusOverride) before a call.
type Fake struct {
	mu sync.Mutex

	volumes    map[string]bool
	networks   map[string]bool
	containers map[string]*containerState

	nextID int

	FailCreateContainer error
	FailStartContainer  error
	FailHealthy         error
	StatusOverride      map[string]driver.Status

	// Endpoint, if set, is handed back by StartContainer for every
	// container, e.g. an httptest.Server address standing in for a
	// real runtime container.
	Endpoint string
}

type containerState struct {
	spec     driver.ContainerSpec
	started  bool
	endpoint string
	labels   driver.Labels
}

func New() *Fake {
	return &Fake{
		volumes:    map[string]bool{},
		networks:   map[string]bool{},
		containers: map[string]*containerState{},
	}
}

func (f *Fake) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) CreateVolume(ctx context.Context, spec driver.VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := f.id("vol")
	f.volumes[handle] = true
	return handle, nil
}

func (f *Fake) DestroyVolume(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, handle)
	return nil
}

func (f *Fake) CreateNetwork(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handle := "net-" + sessionID
	f.networks[handle] = true
	return handle, nil
}

func (f *Fake) DestroyNetwork(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, handle)
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec driver.ContainerSpec, volumeHandle, mountPath, networkHandle string, labels driver.Labels) (string, error) {
	if f.FailCreateContainer != nil {
		return "", f.FailCreateContainer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("ctr")
	f.containers[id] = &containerState{spec: spec, labels: labels}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, containerID string) (string, error) {
	if f.FailStartContainer != nil {
		return "", f.FailStartContainer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return "", driver.ErrContainerNotFound
	}
	c.started = true
	if c.endpoint == "" {
		c.endpoint = f.Endpoint
	}
	if c.endpoint == "" {
		c.endpoint = "127.0.0.1:0"
	}
	return c.endpoint, nil
}

func (f *Fake) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.started = false
	}
	return nil
}

func (f *Fake) DestroyContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Status(ctx context.Context, containerID string) (driver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.StatusOverride[containerID]; ok {
		return s, nil
	}
	c, ok := f.containers[containerID]
	if !ok {
		return driver.StatusNotFound, nil
	}
	if c.started {
		return driver.StatusRunning, nil
	}
	return driver.StatusExited, nil
}

func (f *Fake) CreateMulti(ctx context.Context, specs []driver.ContainerSpec, volumeHandle, mountPath, networkHandle string, labels driver.Labels) ([]driver.CreatedContainer, error) {
	created := make([]driver.CreatedContainer, 0, len(specs))
	for _, spec := range specs {
		id, err := f.CreateContainer(ctx, spec, volumeHandle, mountPath, networkHandle, labels)
		if err != nil {
			for _, c := range created {
				_ = f.DestroyContainer(ctx, c.ContainerID)
			}
			return nil, err
		}
		endpoint, err := f.StartContainer(ctx, id)
		if err != nil {
			_ = f.DestroyContainer(ctx, id)
			for _, c := range created {
				_ = f.DestroyContainer(ctx, c.ContainerID)
			}
			return nil, err
		}
		created = append(created, driver.CreatedContainer{ContainerID: id, Endpoint: endpoint})
	}
	return created, nil
}

func (f *Fake) ListManaged(ctx context.Context, instanceID string) ([]driver.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []driver.ManagedContainer
	for id, c := range f.containers {
		status := driver.StatusExited
		if c.started {
			status = driver.StatusRunning
		}
		out = append(out, driver.ManagedContainer{ContainerID: id, SessionID: c.labels.SessionID, Status: status})
	}
	return out, nil
}

func (f *Fake) DriverName() string { return "fake" }

func (f *Fake) Healthy(ctx context.Context) error { return f.FailHealthy }

func (f *Fake) Close() error { return nil }

var _ driver.Driver = (*Fake)(nil)
