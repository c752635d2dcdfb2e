package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/container"
	"github.com/HyphaGroup/oubliette/internal/container/applecontainer"
	"github.com/HyphaGroup/oubliette/internal/container/docker"
)

// selectRuntime picks the container backend the same way the old CLI's
// preference switch did: an explicit CONTAINER_RUNTIME env var wins, "auto"
// prefers Apple Container when available and falls back to Docker.
func selectRuntime() (container.Runtime, error) {
	switch container.GetRuntimePreference() {
	case "docker":
		return docker.NewRuntime()
	case "apple-container":
		return applecontainer.NewRuntime()
	default: // "auto"
		if r, err := applecontainer.NewRuntime(); err == nil && r.IsAvailable() {
			return r, nil
		}
		if r, err := docker.NewRuntime(); err == nil && r.IsAvailable() {
			return r, nil
		}
		return nil, fmt.Errorf("no container runtime available")
	}
}

// sandboxProcess owns a container.Runtime and the container it created,
// satisfying childProcess in terms of the runtime's own exec/lifecycle
// calls (spec §4.1, grounded on the Docker runtime's Create/Start/
// ExecInteractive/Stop/Remove lifecycle).
type sandboxProcess struct {
	runtime     container.Runtime
	containerID string
	exec        *container.InteractiveExec
}

func (p *sandboxProcess) wait() error {
	code, err := p.exec.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("sandboxed connector exited with code %d", code)
	}
	return nil
}

func (p *sandboxProcess) kill() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.exec.Close()
	_ = p.runtime.Stop(ctx, p.containerID)
	_ = p.runtime.Remove(ctx, p.containerID, true)
	_ = p.runtime.Close()
}

// runtimeFactory constructs the container backend for a sandboxed connect.
// Overridable in tests to avoid depending on an actual container daemon.
var runtimeFactory = selectRuntime

// connectSandboxed spawns the connector inside a fresh container on the
// runtime runtimeFactory returns (Docker or Apple Container, see
// selectRuntime) instead of a direct child process (spec §4.1). The container stays up for
// the lifetime of the connection; the connector command runs as an
// interactive exec against it so its stdio behaves like a bare stdio child
// to every caller of Stdio.
func connectSandboxed(ctx context.Context, spec Spec, onMsg MessageFunc) (*Stdio, error) {
	if spec.Image == "" {
		return nil, apperr.New(apperr.KindValidation, "docker sandbox requires an image")
	}

	runtime, err := runtimeFactory()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "initializing sandbox container runtime", err)
	}

	if err := runtime.Ping(ctx); err != nil {
		_ = runtime.Close()
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Sprintf("%s runtime unreachable", runtime.Name()), err)
	}

	containerID, err := runtime.Create(ctx, container.CreateConfig{
		Image:      spec.Image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		Env:        spec.Env,
		WorkingDir: spec.Cwd,
		AutoRemove: false,
	})
	if err != nil {
		_ = runtime.Close()
		return nil, apperr.Wrap(apperr.KindInternal, "creating sandbox container", err)
	}

	if err := runtime.Start(ctx, containerID); err != nil {
		_ = runtime.Remove(ctx, containerID, true)
		_ = runtime.Close()
		return nil, apperr.Wrap(apperr.KindInternal, "starting sandbox container", err)
	}

	cmd := append([]string{spec.Command}, spec.Args...)
	iexec, err := runtime.ExecInteractive(ctx, containerID, container.ExecConfig{
		Cmd:          cmd,
		Env:          spec.Env,
		WorkingDir:   spec.Cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		_ = runtime.Stop(ctx, containerID)
		_ = runtime.Remove(ctx, containerID, true)
		_ = runtime.Close()
		return nil, apperr.Wrap(apperr.KindInternal, "attaching sandboxed connector", err)
	}

	s := &Stdio{
		proc: &sandboxProcess{
			runtime:     runtime,
			containerID: containerID,
			exec:        iexec,
		},
		stdin:   iexec.Stdin,
		onMsg:   onMsg,
		waiters: make(map[string]*pending),
		closeCh: make(chan struct{}),
	}

	go s.drainStderr(iexec.Stderr)
	go s.readLoop(iexec.Stdout)
	go s.awaitExit()

	return s, nil
}
