package agentd

import "encoding/json"

// --- Domain types (database records) ---

type Thread struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// UserSettings are per-user LLM overrides. Zero fields fall back to the
// server-wide defaults at resolve time.
type UserSettings struct {
	Model           string `json:"model,omitempty"`
	APIKey          string `json:"api_key,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	RecursionBound  int    `json:"recursion_bound,omitempty"`
}

// --- Conversation / LLM protocol types ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is the canonical conversation unit, used both for persisted
// turn state and as the provider wire shape. OrderIndex is assigned
// during turn finalization and is strictly increasing within a turn.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	OrderIndex int        `json:"order_index,omitempty"`
	CreatedAt  int64      `json:"created_at,omitempty"`
}

type ToolCallStatus string

const (
	ToolPending   ToolCallStatus = "pending"
	ToolRunning   ToolCallStatus = "running"
	ToolSucceeded ToolCallStatus = "succeeded"
	ToolFailed    ToolCallStatus = "failed"
)

type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Output string          `json:"output,omitempty"`
	Status ToolCallStatus  `json:"status,omitempty"`
}

type ChatRequest struct {
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Session config ---

// SessionConfig is the fully resolved per-turn configuration. It is
// recomputed on every turn; nothing here is cached across turns except
// the compiled agent keyed by Key().
type SessionConfig struct {
	UserID          string
	ThreadID        string
	Model           string
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
	RecursionBound  int
}

// AgentKey identifies a compiled agent in the factory cache. Only the
// fields that change the compiled artifact participate; per-turn values
// like RecursionBound deliberately do not.
type AgentKey struct {
	Model           string
	APIKey          string
	BaseURL         string
	MaxOutputTokens int
}

// Key returns the factory cache key for this config.
func (c SessionConfig) Key() AgentKey {
	return AgentKey{Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL, MaxOutputTokens: c.MaxOutputTokens}
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}
