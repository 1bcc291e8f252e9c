package agentd

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventMessageStart opens an assistant message.
	EventMessageStart StreamEventType = "message_start"
	// EventContent carries an incremental text chunk. Node says which
	// side produced it: "model" for LLM tokens, "tools" for observations.
	EventContent StreamEventType = "content"
	// EventToolStart announces a tool invocation by id and name.
	EventToolStart StreamEventType = "tool_start"
	// EventToolInput carries the accumulated arguments for a tool call.
	EventToolInput StreamEventType = "tool_input"
	// EventToolEnd carries the outcome of a completed tool call.
	EventToolEnd StreamEventType = "tool_end"
	// EventMessageEnd closes the currently open assistant message.
	EventMessageEnd StreamEventType = "message_end"
	// EventDone terminates a successful turn with the canonical messages.
	EventDone StreamEventType = "done"
	// EventStopped terminates a turn halted by cancellation or stop request.
	EventStopped StreamEventType = "stopped"
	// EventError terminates a failed turn with a classified kind.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted during a turn. Exactly one
// terminal event (done, stopped, or error) ends every turn stream, after
// which the channel is closed.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	ThreadID string          `json:"thread_id,omitempty"`
	// Node identifies the producer of a content delta: "model" or "tools".
	Node  string `json:"node,omitempty"`
	Delta string `json:"delta,omitempty"`
	// Tool call fields (tool_start, tool_input, tool_end).
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Status     ToolCallStatus  `json:"status,omitempty"`
	// Terminal fields.
	Messages []Message `json:"messages,omitempty"` // done
	Kind     Kind      `json:"kind,omitempty"`     // error
	Detail   string    `json:"detail,omitempty"`   // error
}

// IsTerminal reports whether the event ends the turn stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventStopped || e.Type == EventError
}

const (
	// NodeModel marks content produced by the LLM.
	NodeModel = "model"
	// NodeTools marks content produced by tool observations.
	NodeTools = "tools"
)
