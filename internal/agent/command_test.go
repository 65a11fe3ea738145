package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func shellAgent(t *testing.T, script string, pm *ProcessManager) *CommandAgent {
	t.Helper()
	a, err := NewCommandAgent(CommandConfig{Command: "sh", Args: []string{"-c", script}}, pm)
	if err != nil {
		t.Fatalf("NewCommandAgent() error = %v", err)
	}
	return a
}

func TestCommandAgent_JSONResult(t *testing.T) {
	a := shellAgent(t, `cat >/dev/null; echo '{"output":"ranked","quality":0.9,"cost":0.25}'`, nil)

	res, err := a.Invoke(context.Background(), Input{TaskID: "t1", Operation: "rank", Attempt: 1})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "ranked" || res.Quality != 0.9 || res.Cost != 0.25 {
		t.Errorf("Invoke() = %+v", res)
	}
}

func TestCommandAgent_ReceivesRequestOnStdin(t *testing.T) {
	a := shellAgent(t, `grep -q '"task_id":"t9","operation":"audit","attempt":2' && echo '{"output":"seen"}'`, nil)

	res, err := a.Invoke(context.Background(), Input{TaskID: "t9", Operation: "audit", Attempt: 2, Payload: map[string]any{"site": "example.com"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "seen" {
		t.Errorf("Output = %v, want %q", res.Output, "seen")
	}
}

func TestCommandAgent_PlainOutput(t *testing.T) {
	a := shellAgent(t, `echo "  just text  "`, nil)

	res, err := a.Invoke(context.Background(), Input{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Output != "just text" {
		t.Errorf("Output = %q, want %q", res.Output, "just text")
	}
}

func TestCommandAgent_ExitCodes(t *testing.T) {
	tests := []struct {
		name          string
		script        string
		wantKind      Kind
		wantPermanent bool
	}{
		{"tempfail", `echo "rate limit hit" >&2; exit 75`, KindRateLimit, false},
		{"tempfail without hint", `exit 75`, KindAPI, false},
		{"dataerr", `echo "bad payload" >&2; exit 65`, KindValidation, true},
		{"other exit uses stderr keywords", `echo "connection reset" >&2; exit 1`, KindNetwork, false},
		{"other exit unknown", `exit 3`, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := shellAgent(t, tt.script, nil)
			_, err := a.Invoke(context.Background(), Input{TaskID: "t1"})
			if err == nil {
				t.Fatal("Invoke() error = nil, want failure")
			}
			c := Classify(err)
			if c.Kind != tt.wantKind || c.Permanent != tt.wantPermanent {
				t.Errorf("Classify(%v) = %+v, want kind %s permanent %v", err, c, tt.wantKind, tt.wantPermanent)
			}
		})
	}
}

func TestCommandAgent_ContextTimeoutKillsProcess(t *testing.T) {
	pm := NewProcessManager()
	a := shellAgent(t, `sleep 30`, pm)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Invoke(ctx, Input{TaskID: "t1"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke() took %v after timeout", elapsed)
	}
	if pm.Count() != 0 {
		t.Errorf("ProcessManager still tracks %d processes", pm.Count())
	}
}

func TestNewCommandAgent_RequiresCommand(t *testing.T) {
	_, err := NewCommandAgent(CommandConfig{}, nil)
	if err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Errorf("NewCommandAgent() error = %v", err)
	}
}
