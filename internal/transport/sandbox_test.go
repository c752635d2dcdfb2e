package transport

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/container"
)

// fakeRuntime stands in for a real Docker/Apple Container daemon: Create and
// Start just record state, and ExecInteractive spawns the same echoScript
// shell the bare-exec tests use, so a sandboxed connect can be exercised
// end-to-end without a container runtime present.
type fakeRuntime struct {
	created   bool
	started   bool
	stopped   bool
	removed   bool
	closed    bool
	lastImage string
	cmd       *exec.Cmd
}

func (f *fakeRuntime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	f.created = true
	f.lastImage = cfg.Image
	return "fake-container-id", nil
}

func (f *fakeRuntime) Start(ctx context.Context, containerID string) error {
	f.started = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.stopped = true
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	f.removed = true
	return nil
}

func (f *fakeRuntime) ExecInteractive(ctx context.Context, containerID string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	f.cmd = exec.CommandContext(ctx, "sh", "-c", echoScript)
	stdin, err := f.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := f.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := f.cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := f.cmd.Start(); err != nil {
		return nil, err
	}
	cmd := f.cmd
	return container.NewInteractiveExec(stdin, stdout, stderr, func() (int, error) {
		err := cmd.Wait()
		return cmd.ProcessState.ExitCode(), err
	}), nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) IsAvailable() bool { return true }

func withFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	fr := &fakeRuntime{}
	prev := runtimeFactory
	runtimeFactory = func() (container.Runtime, error) { return fr, nil }
	t.Cleanup(func() { runtimeFactory = prev })
	return fr
}

func TestConnectSandboxedRequiresImage(t *testing.T) {
	withFakeRuntime(t)
	_, err := Connect(context.Background(), Spec{Command: "mcp-server", Sandbox: "docker"}, nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConnectSandboxedRoundTrip(t *testing.T) {
	fr := withFakeRuntime(t)
	s, err := Connect(context.Background(), Spec{
		Command: "mcp-server",
		Sandbox: "docker",
		Image:   "example/mcp-server:latest",
	}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if !fr.created || !fr.started {
		t.Fatalf("expected container to be created and started, got %+v", fr)
	}
	if fr.lastImage != "example/mcp-server:latest" {
		t.Fatalf("unexpected image: %s", fr.lastImage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := s.SendRequest(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fr.stopped || !fr.removed || !fr.closed {
		t.Fatalf("expected container to be stopped, removed, and runtime closed, got %+v", fr)
	}
}

func TestConnectUnknownSandboxIsRejected(t *testing.T) {
	_, err := Connect(context.Background(), Spec{Command: "mcp-server", Sandbox: "bogus"}, nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
