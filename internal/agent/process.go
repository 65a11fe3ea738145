package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, not just the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// maxStderr bounds how much of a child's stderr is kept. Agents put the
// reason for a failure last, so the tail is what survives.
const maxStderr = 64 << 10

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// executeCommand runs cmd with stdin and returns its stdout and the tail of
// its stderr. The process is tracked by pm, which may be nil, while it runs.
func executeCommand(ctx context.Context, cmd *exec.Cmd, stdin []byte, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	errTail := &tailBuffer{max: maxStderr}
	cmd.Stdout = &out
	cmd.Stderr = errTail

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	waitErr := cmd.Wait()
	stdout, stderr = out.Bytes(), errTail.buf
	switch {
	case waitErr == nil:
		return stdout, stderr, nil
	case ctx.Err() != nil:
		return stdout, stderr, fmt.Errorf("command interrupted: %w", ctx.Err())
	default:
		return stdout, stderr, &commandError{err: waitErr, stderr: string(bytes.TrimSpace(stderr))}
	}
}

// commandError is a non-zero exit with the child's stderr attached.
type commandError struct {
	err    error
	stderr string
}

func (e *commandError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("command failed: %v", e.err)
	}
	return fmt.Sprintf("command failed: %v (stderr: %s)", e.err, e.stderr)
}

func (e *commandError) Unwrap() error { return e.err }

// exitCode returns the child's exit code, or -1 if it did not exit normally.
func (e *commandError) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the whole group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks running agent subprocesses so they can all be
// terminated on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after cmd.Wait completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
