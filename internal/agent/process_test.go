package agent

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestExecuteCommand_LargeOutput verifies output larger than the pipe buffer
// is read in full while stderr keeps only its tail.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "head -c 262144 /dev/zero; head -c 70000 /dev/zero >&2; echo reason >&2")
	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("executeCommand() error = %v", err)
	}
	if len(stdout) != 262144 {
		t.Errorf("stdout length = %d, want 262144", len(stdout))
	}
	if len(stderr) != maxStderr {
		t.Errorf("stderr length = %d, want %d", len(stderr), maxStderr)
	}
	if !strings.HasSuffix(string(stderr), "reason\n") {
		t.Error("stderr tail lost the last line")
	}
}

func TestExecuteCommand_StdinAndStderr(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "cat; echo oops >&2; exit 2")

	stdout, _, err := executeCommand(ctx, cmd, []byte("payload"), nil)
	if err == nil {
		t.Fatal("executeCommand() error = nil, want exit failure")
	}
	if string(stdout) != "payload" {
		t.Errorf("stdout = %q, want %q", stdout, "payload")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("error %q does not carry stderr", err)
	}
	ce, ok := err.(*commandError)
	if !ok {
		t.Fatalf("error type = %T, want *commandError", err)
	}
	if ce.exitCode() != 2 {
		t.Errorf("exitCode() = %d, want 2", ce.exitCode())
	}
}

// TestProcessManager_TrackAndKillAll verifies tracked processes are killed
// with their whole process group.
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("Wait() error = %v, want *exec.ExitError", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("process exited with %v, want signal", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Count() = %d after Untrack, want 0", pm.Count())
	}
}

func TestExecuteCommand_UntracksAfterExit(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	for range 10 {
		cmd := newCommand(ctx, "true")
		if _, _, err := executeCommand(ctx, cmd, nil, pm); err != nil {
			t.Fatalf("executeCommand() error = %v", err)
		}
	}
	if pm.Count() != 0 {
		t.Errorf("Count() = %d after sequential runs, want 0", pm.Count())
	}
}
