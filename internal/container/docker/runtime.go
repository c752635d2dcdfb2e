package docker

import (
	"context"
	"fmt"

	"io"
	"time"

	"github.com/HyphaGroup/oubliette/internal/container"
	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Runtime implements container.Runtime using Docker SDK
type Runtime struct {
	client *client.Client
}

// NewRuntime creates a new Docker runtime
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Name returns the runtime name
func (r *Runtime) Name() string {
	return "docker"
}

// IsAvailable checks if Docker is available
func (r *Runtime) IsAvailable() bool {
	ctx := context.Background()
	_, err := r.client.Ping(ctx)
	return err == nil
}

// Ping verifies connectivity to Docker daemon
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Create creates a new sandbox container for a connector
func (r *Runtime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	containerConfig := &dockercontainer.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Entrypoint: cfg.Entrypoint,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		Tty:        false,
	}

	var mounts []mount.Mount
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &dockercontainer.HostConfig{
		Mounts:      mounts,
		AutoRemove:  cfg.AutoRemove,
		NetworkMode: dockercontainer.NetworkMode(cfg.NetworkMode),
		Init:        boolPtr(cfg.Init),
		Resources:   buildResourceConstraints(cfg.Memory, cfg.CPUs),
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// Start starts a container
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Stop stops a container
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	return r.client.ContainerStop(ctx, containerID, dockercontainer.StopOptions{})
}

// Remove removes a container
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	return r.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: force})
}

// ExecInteractive starts the connector process inside the container with
// attached stdio pipes, which internal/transport treats like a bare stdio
// child (spec §4.1).
func (r *Runtime) ExecInteractive(ctx context.Context, containerID string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	execConfig := dockercontainer.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          false,
		User:         cfg.User,
	}

	execResp, err := r.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := r.client.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	// Create pipes for stdout/stderr demuxing
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	// Demux stdout/stderr in background
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		defer func() { _ = stderrWriter.Close() }()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, attachResp.Reader)
	}()

	execID := execResp.ID
	wait := func() (int, error) {
		// Wait for the exec to complete by polling
		for {
			inspectResp, err := r.client.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, fmt.Errorf("failed to inspect exec: %w", err)
			}
			if !inspectResp.Running {
				return inspectResp.ExitCode, nil
			}
			select {
			case <-ctx.Done():
				return -1, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	// Wrap the hijacked connection's writer as stdin
	stdin := &hijackedWriteCloser{conn: attachResp}

	return container.NewInteractiveExec(stdin, stdoutReader, stderrReader, wait), nil
}

// hijackedWriteCloser wraps a HijackedResponse to implement io.WriteCloser
type hijackedWriteCloser struct {
	conn types.HijackedResponse
}

func (h *hijackedWriteCloser) Write(p []byte) (n int, err error) {
	return h.conn.Conn.Write(p)
}

func (h *hijackedWriteCloser) Close() error {
	h.conn.Close()
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// buildResourceConstraints creates Docker resource constraints from config
func buildResourceConstraints(memory string, cpus int) dockercontainer.Resources {
	resources := dockercontainer.Resources{}

	if memory != "" {
		memBytes := parseMemoryString(memory)
		if memBytes > 0 {
			resources.Memory = memBytes
		}
	}

	if cpus > 0 {
		resources.NanoCPUs = int64(cpus) * 1e9
	}

	return resources
}

// parseMemoryString converts memory strings like "4G", "2048M" to bytes
func parseMemoryString(mem string) int64 {
	if mem == "" {
		return 0
	}

	var multiplier int64 = 1
	numStr := mem

	if len(mem) > 1 {
		suffix := mem[len(mem)-1]
		switch suffix {
		case 'K', 'k':
			multiplier = 1024
			numStr = mem[:len(mem)-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		case 'T', 't':
			multiplier = 1024 * 1024 * 1024 * 1024
			numStr = mem[:len(mem)-1]
		}
	}

	var value int64
	_, _ = fmt.Sscanf(numStr, "%d", &value)
	return value * multiplier
}
