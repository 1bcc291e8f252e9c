// Package file exposes workspace file access as agent tools.
package file

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/agentd"
)

// maxReadRunes caps how much file content a single read returns to the
// model. Larger files are truncated with a marker.
const maxReadRunes = 8000

// FileStore reads and writes files in a user's workspace.
// *sandbox.Sandbox satisfies it; tests substitute a fake.
type FileStore interface {
	PutFile(ctx context.Context, userID, rel string, data []byte) error
	GetFile(ctx context.Context, userID, rel string) ([]byte, error)
}

// Tool reads and writes files in the caller's sandbox workspace.
// Paths are relative to the workspace root; the user comes from the
// session context.
type Tool struct {
	store FileStore
}

// New creates the file tool.
func New(store FileStore) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []agentd.ToolDefinition {
	return []agentd.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a text file from your workspace. Path is relative to the workspace root. Large files are truncated.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative file path"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write a text file in your workspace. Path is relative to the workspace root; parent directories are created. Mode 'overwrite' replaces the file, 'append' adds to the end.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative file path"},"content":{"type":"string","description":"Content to write"},"mode":{"type":"string","enum":["overwrite","append"],"description":"Write mode (default overwrite)"}},"required":["path","content"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (agentd.ToolResult, error) {
	sess, ok := agentd.SessionFrom(ctx)
	if !ok {
		return agentd.ToolResult{Error: "no session in context"}, nil
	}
	switch name {
	case "read_file":
		return t.read(ctx, sess.UserID, args)
	case "write_file":
		return t.write(ctx, sess.UserID, args)
	default:
		return agentd.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

func (t *Tool) read(ctx context.Context, userID string, args json.RawMessage) (agentd.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentd.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Path == "" {
		return agentd.ToolResult{Error: "path is required"}, nil
	}

	data, err := t.store.GetFile(ctx, userID, params.Path)
	if err != nil {
		return agentd.ToolResult{Error: err.Error()}, nil
	}

	content := string(data)
	if runes := []rune(content); len(runes) > maxReadRunes {
		content = string(runes[:maxReadRunes]) + "\n... (truncated)"
	}
	return agentd.ToolResult{Content: content}, nil
}

func (t *Tool) write(ctx context.Context, userID string, args json.RawMessage) (agentd.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Mode    string `json:"mode"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return agentd.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Path == "" {
		return agentd.ToolResult{Error: "path is required"}, nil
	}
	switch params.Mode {
	case "", "overwrite", "append":
	default:
		return agentd.ToolResult{Error: "mode must be overwrite or append"}, nil
	}

	data := []byte(params.Content)
	if params.Mode == "append" {
		// The sandbox has no append primitive; read-modify-write keeps the
		// transfer path single. A missing file appends to empty.
		existing, err := t.store.GetFile(ctx, userID, params.Path)
		if err == nil {
			data = append(existing, data...)
		} else if !agentd.IsKind(err, agentd.KindToolFailed) {
			return agentd.ToolResult{Error: err.Error()}, nil
		}
	}

	if err := t.store.PutFile(ctx, userID, params.Path, data); err != nil {
		return agentd.ToolResult{Error: err.Error()}, nil
	}
	return agentd.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(data), params.Path)}, nil
}

var _ agentd.Tool = (*Tool)(nil)
