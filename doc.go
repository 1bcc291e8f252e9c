// Package agentd implements a multi-tenant conversational AI server:
// a tool-calling agent loop with streaming events, per-thread checkpoint
// persistence, and a shared Docker sandbox with per-user workspaces.
//
// # Quick Start
//
// Wire a runner from a provider, a store, and a resolver:
//
//	db := sqlite.New("agentd.db")
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//
//	builder := func(key agentd.AgentKey) (*agentd.Agent, error) {
//		return agentd.NewAgent(agentd.WithRetry(provider),
//			agentd.WithTools(shell.New(sb, time.Minute), file.New(sb)),
//			agentd.WithMaxTokens(key.MaxOutputTokens),
//		), nil
//	}
//	factory := agentd.NewFactory(agentd.DefaultFactoryCapacity, builder)
//	resolver := agentd.NewResolver(db, defaults)
//	runner := agentd.NewRunner(factory, db, resolver)
//
//	events, err := runner.RunTurn(ctx, userID, threadID, "list my files")
//	for ev := range events {
//		// message_start, content, tool_start, ..., done
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Store] — threads, checkpoints, and per-user settings
//   - [Tool] — pluggable capability for LLM function calling
//   - [PreProcessor], [PostProcessor], [PostToolProcessor] — message/response/tool result transformers
//   - [Tracer] — span hooks, satisfied by the observer package
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/postgres (shared).
// Tools: tools/shell, tools/file, plus the built-in todo list.
//
// The server package exposes the runner over HTTP with SSE streaming;
// cmd/agentd assembles the whole thing from TOML/env config.
package agentd
