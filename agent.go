package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Agent is a compiled conversational artifact: an LLM provider bound to
// credentials plus the shared tool registry and processor chain. Agents
// hold no conversation state (that lives in checkpoints), so a single
// Agent safely serves concurrent turns across users and threads. Agents
// are built by the Factory and cached by AgentKey.
type Agent struct {
	provider     Provider
	registry     *ToolRegistry
	processors   *ProcessorChain
	systemPrompt string
	maxTokens    int
	tracer       Tracer
	logger       *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools adds tools to the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.registry.Add(t)
		}
	}
}

// WithSystemPrompt sets the system prompt prepended to every turn.
func WithSystemPrompt(s string) AgentOption {
	return func(a *Agent) { a.systemPrompt = s }
}

// WithMaxTokens sets the per-response output token cap passed to the provider.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithProcessors adds processors to the agent's execution pipeline.
// Each processor must implement at least one of PreProcessor,
// PostProcessor, or PostToolProcessor. Processors run in registration
// order at their respective hook points.
func WithProcessors(processors ...any) AgentOption {
	return func(a *Agent) {
		for _, p := range processors {
			a.processors.Add(p)
		}
	}
}

// WithTracer sets the tracer for the agent. Use observer.NewTracer()
// for an OTEL-backed implementation.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the structured logger. If not set, a no-op logger is
// used (no output).
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent compiles an agent around a provider.
func NewAgent(provider Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:   provider,
		registry:   NewToolRegistry(),
		processors: NewProcessorChain(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Provider returns the agent's LLM provider.
func (a *Agent) Provider() Provider { return a.provider }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *ToolRegistry { return a.registry }

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// --- parallel tool dispatch ---

// toolExecResult holds the result of a single parallel tool call.
type toolExecResult struct {
	content  string
	duration time.Duration
	isError  bool
}

// maxParallelDispatch caps the number of concurrent tool call goroutines
// to avoid overwhelming the sandbox with unbounded parallelism.
const maxParallelDispatch = 10

// indexedResult pairs a tool execution result with its position in the
// original call slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result toolExecResult
}

// dispatchFunc executes a single tool call and returns the result.
type dispatchFunc func(ctx context.Context, tc ToolCall) toolExecResult

// safeDispatch wraps a dispatch call with panic recovery. If the dispatched
// tool panics, the panic is caught and converted to an error result instead
// of crashing the process.
func safeDispatch(ctx context.Context, tc ToolCall, dispatch dispatchFunc) (res toolExecResult) {
	defer func() {
		if p := recover(); p != nil {
			res = toolExecResult{content: fmt.Sprintf("error: tool %q panic: %v", tc.Name, p), isError: true}
		}
	}()
	return dispatch(ctx, tc)
}

// dispatchParallel runs all tool calls concurrently via the dispatch function
// and returns results in the same order as the input calls.
// Single calls run inline (no goroutine). Multiple calls use a fixed worker
// pool of min(len(calls), maxParallelDispatch) goroutines pulling from a
// shared work channel, avoiding unbounded goroutine creation.
//
// The collection loop is context-aware: if ctx is cancelled while tool calls
// are still in-flight, the function returns immediately with context-error
// results for incomplete calls instead of blocking indefinitely.
func dispatchParallel(ctx context.Context, calls []ToolCall, dispatch dispatchFunc) []toolExecResult {
	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		return []toolExecResult{safeDispatch(ctx, calls[0], dispatch)}
	}

	resultCh := make(chan indexedResult, len(calls))

	// Work channel: each item is an (index, ToolCall) pair for workers to consume.
	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}}
					continue
				}
				resultCh <- indexedResult{w.idx, safeDispatch(ctx, w.tc, dispatch)}
			}
		}()
	}

	// Close resultCh once all workers are done.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect results, bailing out if ctx is cancelled while calls are in-flight.
	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	return results
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n,
	// avoiding the []rune allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
