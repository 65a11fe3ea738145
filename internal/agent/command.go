package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Exit codes with a fixed meaning for command agents (sysexits.h).
const (
	ExitDataErr  = 65 // Input rejected; never retried
	ExitTempFail = 75 // Try again later
)

// CommandConfig configures a CommandAgent.
type CommandConfig struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string // Extra KEY=VALUE pairs appended to the current environment
}

// CommandAgent runs one subprocess per invocation. The request is written to
// stdin as JSON and the process answers with a JSON Result on stdout.
type CommandAgent struct {
	cfg     CommandConfig
	procMgr *ProcessManager
}

// commandRequest is the JSON document written to the subprocess' stdin.
type commandRequest struct {
	TaskID    string `json:"task_id"`
	Operation string `json:"operation"`
	Attempt   int    `json:"attempt"`
	Payload   any    `json:"payload,omitempty"`
}

// NewCommandAgent creates a CommandAgent. The ProcessManager is optional;
// if nil, subprocesses won't be tracked.
func NewCommandAgent(cfg CommandConfig, procMgr *ProcessManager) (*CommandAgent, error) {
	if cfg.Command == "" {
		return nil, errors.New("command agent: command is required")
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	return &CommandAgent{cfg: cfg, procMgr: procMgr}, nil
}

// Invoke runs the command once.
func (a *CommandAgent) Invoke(ctx context.Context, in Input) (Result, error) {
	req, err := json.Marshal(commandRequest{
		TaskID:    in.TaskID,
		Operation: in.Operation,
		Attempt:   in.Attempt,
		Payload:   in.Payload,
	})
	if err != nil {
		return Result{}, Permanent(KindValidation, fmt.Errorf("encoding request: %w", err))
	}

	cmd := newCommand(ctx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkDir
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}

	stdout, _, err := executeCommand(ctx, cmd, req, a.procMgr)
	if err != nil {
		return Result{}, classifyCommandError(err)
	}

	return parseCommandResult(stdout), nil
}

// classifyCommandError maps sysexits codes onto error classes and leaves the
// rest to keyword classification of the message.
func classifyCommandError(err error) error {
	var ce *commandError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.exitCode() {
	case ExitDataErr:
		return Permanent(KindValidation, err)
	case ExitTempFail:
		c := Classify(errors.New(ce.stderr))
		if c.Kind == KindUnknown || c.Permanent {
			c.Kind = KindAPI
		}
		return Transient(c.Kind, err)
	}
	return err
}

// parseCommandResult decodes a JSON Result. Output that is not a JSON object
// is returned verbatim as the result's Output.
func parseCommandResult(stdout []byte) Result {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res Result
		if err := json.Unmarshal(trimmed, &res); err == nil {
			return res
		}
	}
	return Result{Output: string(trimmed)}
}
