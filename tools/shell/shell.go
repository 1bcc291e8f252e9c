// Package shell exposes sandboxed command execution as an agent tool.
package shell

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/agentd"
	"github.com/nevindra/agentd/sandbox"
)

// Execer runs a command in a user's sandbox workspace. *sandbox.Sandbox
// satisfies it; tests substitute a fake.
type Execer interface {
	Exec(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error)
}

// Tool executes shell commands in the caller's sandbox workspace.
// The user comes from the session context, never from tool arguments,
// so the model cannot reach another tenant's workspace.
type Tool struct {
	execer         Execer
	defaultTimeout time.Duration
}

// New creates the shell tool.
func New(execer Execer, defaultTimeout time.Duration) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Tool{execer: execer, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []agentd.ToolDefinition {
	return []agentd.ToolDefinition{{
		Name:        "shell_exec",
		Description: "Execute a shell command in your workspace directory. Returns stdout + stderr; a non-zero exit code is appended. Use for running scripts, inspecting files, or system tasks. No network access.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (agentd.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentd.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return agentd.ToolResult{Error: "command is required"}, nil
	}

	sess, ok := agentd.SessionFrom(ctx)
	if !ok {
		return agentd.ToolResult{Error: "no session in context"}, nil
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}

	res, err := t.execer.Exec(ctx, sess.UserID, params.Command, timeout)
	if err != nil {
		// Sandbox failures are tool failures from the model's view; the
		// observation lets it adjust instead of killing the turn.
		return agentd.ToolResult{Error: err.Error()}, nil
	}

	out := res.Combined()
	if out == "" {
		out = "(no output)"
	}
	if res.TimedOut {
		return agentd.ToolResult{Content: out, Error: "command timed out"}, nil
	}
	return agentd.ToolResult{Content: out}, nil
}

var _ agentd.Tool = (*Tool)(nil)
