package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// TodoItem is one entry in a thread's working task list.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending, in_progress, completed
}

// TodoTool gives the model a scratch task list for multi-step work.
// The list is keyed by thread (from the session context) and lives in
// memory only: it is planning state, not conversation state, and does
// not survive a restart.
type TodoTool struct {
	mu    sync.Mutex
	lists map[string][]TodoItem
}

// NewTodoTool creates an empty todo tool.
func NewTodoTool() *TodoTool {
	return &TodoTool{lists: make(map[string][]TodoItem)}
}

func (t *TodoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "todo_write",
			Description: "Replace the working task list for this conversation. Use for planning multi-step work; mark items in_progress and completed as you go.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"todos": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"content": {"type": "string"},
								"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
							},
							"required": ["content", "status"]
						}
					}
				},
				"required": ["todos"]
			}`),
		},
		{
			Name:        "todo_read",
			Description: "Read the current working task list for this conversation.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	}
}

func (t *TodoTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	sess, ok := SessionFrom(ctx)
	if !ok {
		return ToolResult{Error: "no session in context"}, nil
	}
	switch name {
	case "todo_write":
		var params struct {
			Todos []TodoItem `json:"todos"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Error: "invalid todos: " + err.Error()}, nil
		}
		t.mu.Lock()
		t.lists[sess.ThreadID] = params.Todos
		t.mu.Unlock()
		return ToolResult{Content: fmt.Sprintf("updated task list (%d items)", len(params.Todos))}, nil
	case "todo_read":
		t.mu.Lock()
		items := t.lists[sess.ThreadID]
		t.mu.Unlock()
		if len(items) == 0 {
			return ToolResult{Content: "task list is empty"}, nil
		}
		var b strings.Builder
		for i, item := range items {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, item.Status, item.Content)
		}
		return ToolResult{Content: b.String()}, nil
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// Clear drops the task list for a thread. Called when a thread is reset.
func (t *TodoTool) Clear(threadID string) {
	t.mu.Lock()
	delete(t.lists, threadID)
	t.mu.Unlock()
}
