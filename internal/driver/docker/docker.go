// Package docker implements driver.Driver against a local Docker daemon.
// It generalizes the teacher's single-container exec-attach model into
// named volumes, session-scoped networks, and atomic multi-container
// creation with rollback, as spec.md §4.1 requires.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/baysh/bay/internal/driver"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DriverName       = "docker"
	ManagedLabel     = "xyz.bay.managed"
	InstanceLabel    = "xyz.bay.instance"
	SessionLabel     = "xyz.bay.session"
	SandboxLabel     = "xyz.bay.sandbox"
	RoleLabel        = "xyz.bay.role"
	RuntimePortLabel = "xyz.bay.runtime-port"
	NetworkPrefix    = "bay-session-"
)

// Driver implements driver.Driver using the Docker engine API.
type Driver struct {
	cli        *client.Client
	instanceID string
}

// New creates a new docker Driver. cfg is accepted for interface symmetry
// with other backends; no options are currently read from it.
func New(cfg map[string]any) (driver.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &Driver{cli: cli, instanceID: uuid.NewString()}, nil
}

func init() {
	driver.Register(DriverName, New)
}

func (d *Driver) DriverName() string { return DriverName }

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error { return d.cli.Close() }

func (d *Driver) CreateVolume(ctx context.Context, spec driver.VolumeSpec) (string, error) {
	resp, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Labels: map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return "", fmt.Errorf("docker: create volume %s: %w", spec.Name, err)
	}
	return resp.Name, nil
}

func (d *Driver) DestroyVolume(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	err := d.cli.VolumeRemove(ctx, handle, true)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove volume %s: %w", handle, err)
	}
	return nil
}

func (d *Driver) networkName(sessionID string) string { return NetworkPrefix + sessionID }

func (d *Driver) CreateNetwork(ctx context.Context, sessionID string) (string, error) {
	name := d.networkName(sessionID)
	if existing, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return existing.ID, nil
	}
	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{ManagedLabel: "true", SessionLabel: sessionID},
	})
	if err != nil {
		return "", fmt.Errorf("docker: create network for session %s: %w", sessionID, err)
	}
	return resp.ID, nil
}

func (d *Driver) DestroyNetwork(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	err := d.cli.NetworkRemove(ctx, handle)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove network %s: %w", handle, err)
	}
	return nil
}

func (d *Driver) CreateContainer(ctx context.Context, spec driver.ContainerSpec, volumeHandle, mountPath, networkHandle string, labels driver.Labels) (string, error) {
	nanoCPUs := int64(spec.CPUCores * 1e9)
	memoryBytes := spec.MemoryMB * 1024 * 1024

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memoryBytes,
		},
	}
	if volumeHandle != "" && mountPath != "" {
		hostConfig.Mounts = []mount.Mount{
			{Type: mount.TypeVolume, Source: volumeHandle, Target: mountPath},
		}
	}

	exposedPorts := nat.PortSet{}
	if networkHandle == "" {
		if spec.RuntimePort > 0 {
			p := nat.Port(fmt.Sprintf("%d/tcp", spec.RuntimePort))
			exposedPorts[p] = struct{}{}
			hostConfig.PortBindings = nat.PortMap{
				p: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			}
		}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	lbls := map[string]string{
		ManagedLabel:     "true",
		InstanceLabel:    labels.InstanceID,
		SandboxLabel:     labels.SandboxID,
		SessionLabel:     labels.SessionID,
		RoleLabel:        labels.Role,
		RuntimePortLabel: strconv.Itoa(spec.RuntimePort),
	}

	var networkingConfig *network.NetworkingConfig
	if networkHandle != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkHandle: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			Labels:       lbls,
			ExposedPorts: exposedPorts,
		},
		hostConfig,
		networkingConfig,
		nil,
		"",
	)
	if err != nil {
		return "", fmt.Errorf("docker: create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Driver) StartContainer(ctx context.Context, containerID string) (string, error) {
	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("docker: start container %s: %w", containerID, err)
	}

	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("docker: inspect after start %s: %w", containerID, err)
	}

	port := info.Config.Labels[RuntimePortLabel]

	// Host-port-mapped mode (no session network): find the published port.
	for p, bindings := range info.NetworkSettings.Ports {
		if p.Port() == port && len(bindings) > 0 {
			return fmt.Sprintf("127.0.0.1:%s", bindings[0].HostPort), nil
		}
	}

	// Intra-network DNS mode: reachable by container name inside the
	// session's bridge network.
	if port != "" {
		return fmt.Sprintf("%s:%s", info.Name[1:], port), nil
	}

	return "", fmt.Errorf("docker: container %s has no runtime port configured", containerID)
}

func (d *Driver) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: stop container %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) DestroyContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove container %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) Status(ctx context.Context, containerID string) (driver.Status, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.StatusNotFound, nil
		}
		return driver.StatusUnknown, driver.WrapRetryable(fmt.Errorf("docker: inspect %s: %w", containerID, err), true)
	}
	if info.State.Running {
		return driver.StatusRunning, nil
	}
	return driver.StatusExited, nil
}

// CreateMulti atomically creates and starts every container in specs, in
// order, on a shared network. On any failure it destroys everything
// already created during this call before returning the error, so the
// caller never has to reconcile a half-built session (spec.md §4.1, §4.4
// step 3c, and end-to-end scenario S4).
func (d *Driver) CreateMulti(ctx context.Context, specs []driver.ContainerSpec, volumeHandle, mountPath, networkHandle string, labels driver.Labels) ([]driver.CreatedContainer, error) {
	created := make([]driver.CreatedContainer, 0, len(specs))

	rollback := func() {
		for _, c := range created {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.DestroyContainer(cctx, c.ContainerID); err != nil {
				log.Warn().Err(err).Str("container_id", c.ContainerID).Msg("rollback: failed to destroy container")
			}
			cancel()
		}
	}

	for _, spec := range specs {
		specLabels := labels
		specLabels.Role = spec.Role
		id, err := d.CreateContainer(ctx, spec, volumeHandle, mountPath, networkHandle, specLabels)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("docker: create-multi: %w", err)
		}
		endpoint, err := d.StartContainer(ctx, id)
		if err != nil {
			created = append(created, driver.CreatedContainer{ContainerID: id})
			rollback()
			return nil, fmt.Errorf("docker: create-multi: start %s: %w", spec.Name, err)
		}
		created = append(created, driver.CreatedContainer{ContainerID: id, Endpoint: endpoint})
	}

	return created, nil
}

func (d *Driver) ListManaged(ctx context.Context, instanceID string) ([]driver.ManagedContainer, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", InstanceLabel, instanceID))),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list managed: %w", err)
	}

	out := make([]driver.ManagedContainer, 0, len(list))
	for _, c := range list {
		status := driver.StatusExited
		if c.State == "running" {
			status = driver.StatusRunning
		}
		out = append(out, driver.ManagedContainer{
			ContainerID: c.ID,
			SessionID:   c.Labels[SessionLabel],
			Status:      status,
		})
	}
	return out, nil
}

// InstanceID returns the id this driver generated for itself at
// construction. Container labels and OrphanContainerGC use the instance id
// passed to session.New and gc.New instead.
func (d *Driver) InstanceID() string { return d.instanceID }
