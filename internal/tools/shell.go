package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Shell command limits.
const (
	defaultExecTimeout = 2 * time.Minute
	maxExecOutput      = 64 << 10
)

// blockedCommandPrefixes are refused outright. The list targets obviously
// destructive invocations, not a sandbox.
var blockedCommandPrefixes = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	":(){",
	"shutdown",
	"reboot",
}

// ExecTool runs a shell command inside the workspace.
type ExecTool struct {
	ws      *Workspace
	timeout time.Duration
}

// NewExecTool creates the exec tool.
func NewExecTool(ws *Workspace, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecTool{ws: ws, timeout: timeout}
}

func (t *ExecTool) Name() string       { return "exec" }
func (t *ExecTool) Capability() string { return "shell" }
func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}
func (t *ExecTool) RiskNote() string { return "Runs arbitrary commands with the agent's privileges." }

func (t *ExecTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command line."},
		},
		"required": []any{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	command := strings.TrimSpace(stringParam(params, "command"))
	if command == "" {
		return ErrorResult("exec", "command must not be empty"), nil
	}
	for _, prefix := range blockedCommandPrefixes {
		if strings.HasPrefix(command, prefix) {
			return &Result{
				Text:    "command blocked by policy",
				IsError: true,
				Details: map[string]any{"op": "exec", "blocked": true},
			}, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.ws.Root()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	text := out.String()
	if len(text) > maxExecOutput {
		text = text[:maxExecOutput] + "\n... (truncated)"
	}
	if timedOut {
		text += fmt.Sprintf("\n(command timed out after %s)", t.timeout)
	}

	return &Result{
		Text:    text,
		IsError: err != nil && !timedOut && exitCode != 0,
		Details: map[string]any{
			"op": "exec", "exit_code": exitCode,
			"timed_out": timedOut, "blocked": false,
		},
	}, nil
}
