package applecontainer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/HyphaGroup/oubliette/internal/container"
)

// Runtime implements container.Runtime using the Apple Container CLI
type Runtime struct {
	binaryPath string
}

// NewRuntime creates a new Apple Container runtime
func NewRuntime() (*Runtime, error) {
	binaryPath := os.Getenv("APPLE_CONTAINER_BINARY")
	if binaryPath == "" {
		binaryPath = findContainerBinary()
	}

	return &Runtime{binaryPath: binaryPath}, nil
}

// findContainerBinary searches common locations for the container binary
func findContainerBinary() string {
	candidates := []string{
		"/opt/homebrew/bin/container", // Homebrew on Apple Silicon
		"/usr/local/bin/container",    // Standard install / Homebrew on Intel
		"/usr/bin/container",          // System install
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if path, err := exec.LookPath("container"); err == nil {
		return path
	}

	return "/usr/local/bin/container"
}

// Name returns the runtime name
func (r *Runtime) Name() string {
	return "apple-container"
}

// IsAvailable checks if Apple Container is available and running
func (r *Runtime) IsAvailable() bool {
	if _, err := exec.LookPath(r.binaryPath); err != nil {
		return false
	}

	cmd := exec.Command(r.binaryPath, "system", "status")
	return cmd.Run() == nil
}

// Ping verifies the Apple Container system is running
func (r *Runtime) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binaryPath, "system", "status")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apple container system not running: %w", err)
	}
	return nil
}

// Close is a no-op for the CLI-based runtime
func (r *Runtime) Close() error {
	return nil
}

// Create creates a new sandbox container for a connector
func (r *Runtime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	args := []string{"create"}

	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}

	for _, env := range cfg.Env {
		args = append(args, "-e", env)
	}

	if cfg.WorkingDir != "" {
		args = append(args, "-w", cfg.WorkingDir)
	}

	for _, m := range cfg.Mounts {
		mountStr := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			mountStr += ":ro"
		}
		args = append(args, "-v", mountStr)
	}

	if cfg.AutoRemove {
		args = append(args, "--rm")
	}

	if cfg.NetworkMode != "" && cfg.NetworkMode != "bridge" {
		args = append(args, "--network", cfg.NetworkMode)
	}

	if cfg.Memory != "" {
		args = append(args, "-m", cfg.Memory)
	}
	if cfg.CPUs > 0 {
		args = append(args, "-c", fmt.Sprintf("%d", cfg.CPUs))
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Cmd...)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w, output: %s", err, string(output))
	}

	containerID := strings.TrimSpace(string(output))
	return containerID, nil
}

// Start starts a container
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.binaryPath, "start", containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to start container: %w, output: %s", err, string(output))
	}
	return nil
}

// Stop stops a container
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.binaryPath, "stop", containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to stop container: %w, output: %s", err, string(output))
	}
	return nil
}

// Remove removes a container
func (r *Runtime) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to remove container: %w, output: %s", err, string(output))
	}
	return nil
}

// ExecInteractive starts the connector process inside the container with
// attached stdio pipes, which internal/transport treats like a bare stdio
// child (spec §4.1).
func (r *Runtime) ExecInteractive(ctx context.Context, containerID string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	args := []string{"exec", "-i"} // -i for interactive stdin

	for _, env := range cfg.Env {
		args = append(args, "-e", env)
	}

	if cfg.WorkingDir != "" {
		args = append(args, "-w", cfg.WorkingDir)
	}

	if cfg.User != "" {
		args = append(args, "-u", cfg.User)
	}

	args = append(args, containerID)
	args = append(args, cfg.Cmd...)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start interactive exec: %w", err)
	}

	wait := func() (int, error) {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		}
		return 0, nil
	}

	return container.NewInteractiveExec(stdin, stdout, stderr, wait), nil
}

// EnsureSystemRunning starts the Apple Container system if not already running
func (r *Runtime) EnsureSystemRunning(ctx context.Context) error {
	if r.IsAvailable() {
		return nil
	}

	cmd := exec.CommandContext(ctx, r.binaryPath, "system", "start")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to start apple container system: %w, output: %s", err, string(output))
	}
	return nil
}
