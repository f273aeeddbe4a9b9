// Package driver defines the abstraction layer over the container
// backend. It is the only component that talks to the container daemon
// or cluster scheduler directly; every other package in Bay reaches
// containers, volumes, and networks exclusively through this interface
// (spec.md §4.1).
package driver

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Driver implementations. Missing resources on
// destroy/stop are never errors — those calls are idempotent.
var (
	ErrContainerNotFound = errors.New("driver: container not found")
	ErrVolumeNotFound    = errors.New("driver: volume not found")
	ErrNetworkNotFound   = errors.New("driver: network not found")
	ErrResourceExhausted = errors.New("driver: resource limit exhausted")
	ErrTimeout           = errors.New("driver: operation timed out")
	ErrInvalidConfig     = errors.New("driver: invalid configuration")
)

// Retryable reports whether a driver error is worth retrying. Driver
// implementations should wrap errors so this keeps working through
// errors.Is/errors.As chains.
type Retryable interface {
	Retryable() bool
}

// Status is the cheap, point-in-time probe result for a container.
type Status string

const (
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusNotFound Status = "not-found"
	StatusUnknown  Status = "unknown"
)

// VolumeSpec describes a persistent volume to create.
type VolumeSpec struct {
	Name  string
	Owner string
	Kind  string // managed | external
}

// ContainerSpec describes one container to create within a session.
type ContainerSpec struct {
	Name         string
	Image        string
	Role         string
	RuntimePort  int
	Env          map[string]string
	MemoryMB     int64
	CPUCores     float64
	Capabilities []string
}

// Labels are attached to every container Bay creates so OrphanContainerGC
// can find them by instance.
type Labels struct {
	InstanceID string
	Owner      string
	SandboxID  string
	SessionID  string
	Role       string
}

// CreatedContainer is the result of creating (and, via CreateMulti,
// starting) one container.
type CreatedContainer struct {
	ContainerID string
	Endpoint    string
}

// Driver is the abstraction interface over the container backend.
// Implementations must be safe for concurrent use. All methods accept a
// context.Context and should respect its deadline, returning ErrTimeout
// if the operation cannot complete in time.
type Driver interface {
	// CreateVolume creates a persistent volume and returns its backend
	// handle (volume name or claim name).
	CreateVolume(ctx context.Context, spec VolumeSpec) (handle string, err error)

	// DestroyVolume deletes a volume. Idempotent: a missing volume is not
	// an error.
	DestroyVolume(ctx context.Context, handle string) error

	// CreateNetwork creates a session-scoped network for multi-container
	// sessions. Idempotent: calling it twice for the same sessionID
	// returns the same handle.
	CreateNetwork(ctx context.Context, sessionID string) (handle string, err error)

	// DestroyNetwork removes a session network. Idempotent.
	DestroyNetwork(ctx context.Context, handle string) error

	// CreateContainer allocates but does not start a container.
	CreateContainer(ctx context.Context, spec ContainerSpec, volumeHandle, mountPath, networkHandle string, labels Labels) (containerID string, err error)

	// StartContainer starts a previously created container and returns
	// the address the runtime is reachable on.
	StartContainer(ctx context.Context, containerID string) (endpoint string, err error)

	// StopContainer gracefully stops a container. Idempotent.
	StopContainer(ctx context.Context, containerID string) error

	// DestroyContainer forcibly removes a container. Idempotent.
	DestroyContainer(ctx context.Context, containerID string) error

	// Status performs a cheap probe of a container's current state.
	Status(ctx context.Context, containerID string) (Status, error)

	// CreateMulti atomically creates and starts several containers on one
	// network. On any failure, every container already created during
	// this call is destroyed before the error is returned (spec.md §4.1).
	CreateMulti(ctx context.Context, specs []ContainerSpec, volumeHandle, mountPath, networkHandle string, labels Labels) ([]CreatedContainer, error)

	// ListManaged lists every container tagged with this instance's
	// label, for OrphanContainerGC (spec.md §4.8).
	ListManaged(ctx context.Context, instanceID string) ([]ManagedContainer, error)

	// DriverName returns the identifier for this driver type.
	DriverName() string

	// Healthy performs a health check on the driver's backend.
	Healthy(ctx context.Context) error

	// Close releases resources held by the driver itself.
	Close() error
}

// ManagedContainer is one row of ListManaged's result.
type ManagedContainer struct {
	ContainerID string
	SessionID   string
	Status      Status
}

// Factory creates Driver instances based on configuration, enabling
// runtime selection of the backend.
type Factory func(cfg map[string]any) (Driver, error)

var registry = make(map[string]Factory)

// Register registers a driver factory under the given name. Typically
// called from init() in driver implementations.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New creates a Driver instance using the registered factory.
func New(name string, cfg map[string]any) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("driver: unknown driver %q", name)
	}
	return factory(cfg)
}

// Available returns the names of all registered drivers.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// retryableErr wraps an error with an explicit retryability hint.
type retryableErr struct {
	err       error
	retryable bool
}

func (e *retryableErr) Error() string   { return e.err.Error() }
func (e *retryableErr) Unwrap() error   { return e.err }
func (e *retryableErr) Retryable() bool { return e.retryable }

// WrapRetryable attaches a retryability hint to err.
func WrapRetryable(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &retryableErr{err: err, retryable: retryable}
}

// IsRetryable reports whether err carries a retryable hint set to true.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
