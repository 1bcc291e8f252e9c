package agentd

import "context"

// Provider abstracts the LLM backend. Tool definitions travel in the
// request so one method signature covers plain and tool-calling chats.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams content deltas into ch (EventContent, node
	// "model"), then returns the final response with accumulated tool
	// calls and usage. ch is always closed before returning; callers
	// pass a fresh channel per call.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai-compatible").
	Name() string
}
