package agentd

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runner drives turns: it resolves per-turn config, compiles or fetches
// the agent, loads thread state from the checkpoint store, runs the
// tool-calling loop, and emits the event stream.
//
// One Runner serves all users and threads. Per-thread exclusivity is
// enforced by the turn registry: a second send to a busy thread fails
// with KindThreadBusy before any event is emitted.
type Runner struct {
	factory     *Factory
	checkpoints CheckpointStore
	resolver    *Resolver
	turns       *turnRegistry
	tracer      Tracer
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// RunnerLogger sets the structured logger.
func RunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// RunnerTracer sets the tracer for turn and tool spans.
func RunnerTracer(t Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// NewRunner creates a Runner.
func NewRunner(factory *Factory, checkpoints CheckpointStore, resolver *Resolver, opts ...RunnerOption) *Runner {
	r := &Runner{
		factory:     factory,
		checkpoints: checkpoints,
		resolver:    resolver,
		turns:       newTurnRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// RunTurn starts a turn for userID on threadID with the given user text.
// It returns a channel of events; the channel always ends with exactly
// one terminal event (done, stopped, or error) and is then closed.
//
// Errors returned directly (rather than on the channel) occur before the
// turn starts: thread-busy, config resolution failure, agent compilation
// failure. Transports map these to HTTP statuses pre-stream.
func (r *Runner) RunTurn(ctx context.Context, userID, threadID, text string) (<-chan StreamEvent, error) {
	cfg, err := r.resolver.Resolve(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	agent, err := r.factory.GetOrBuild(cfg.Key())
	if err != nil {
		return nil, E(KindInternal, "agent compilation failed", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if !r.turns.acquire(threadID, cancel) {
		cancel()
		return nil, Errf(KindThreadBusy, "thread %s already has a turn in flight", threadID)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer cancel()
		defer r.turns.release(threadID)
		r.runTurn(turnCtx, agent, cfg, text, ch)
	}()
	return ch, nil
}

// Stop cancels the active turn on threadID. Returns false when no turn
// is running. The cancelled turn persists its state and emits stopped.
func (r *Runner) Stop(threadID string) bool {
	return r.turns.stop(threadID)
}

// Running reports whether threadID has a turn in flight.
func (r *Runner) Running(threadID string) bool {
	return r.turns.running(threadID)
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	ThreadID   string    `json:"thread_id"`
	Response   string    `json:"response"`
	DurationMs int64     `json:"duration_ms"`
	Messages   []Message `json:"messages"`
	Stopped    bool      `json:"stopped,omitempty"`
}

// Chat runs a turn to completion without exposing the stream. The final
// assistant content and the canonical turn messages come from the
// terminal done event.
func (r *Runner) Chat(ctx context.Context, userID, threadID, text string) (TurnResult, error) {
	start := time.Now()
	ch, err := r.RunTurn(ctx, userID, threadID, text)
	if err != nil {
		return TurnResult{}, err
	}
	res := TurnResult{ThreadID: threadID}
	for ev := range ch {
		switch ev.Type {
		case EventDone:
			res.Messages = ev.Messages
			for i := len(ev.Messages) - 1; i >= 0; i-- {
				if ev.Messages[i].Role == RoleAssistant && ev.Messages[i].Content != "" {
					res.Response = ev.Messages[i].Content
					break
				}
			}
		case EventStopped:
			res.Stopped = true
		case EventError:
			res.DurationMs = time.Since(start).Milliseconds()
			return res, Errf(ev.Kind, "%s", ev.Detail)
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// runTurn executes the loop and always emits exactly one terminal event.
func (r *Runner) runTurn(ctx context.Context, agent *Agent, cfg SessionConfig, text string, ch chan<- StreamEvent) {
	logger := r.logger.With("thread", cfg.ThreadID, "user", cfg.UserID)

	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "turn",
			StringAttr("thread_id", cfg.ThreadID),
			StringAttr("model", cfg.Model))
		defer span.End()
	}

	ctx = WithSession(ctx, Session{UserID: cfg.UserID, ThreadID: cfg.ThreadID})

	t := &turn{
		runner: r,
		agent:  agent,
		cfg:    cfg,
		ch:     ch,
		logger: logger,
		span:   span,
	}
	t.run(ctx, text)
}

// turn carries the mutable state of one running turn.
type turn struct {
	runner *Runner
	agent  *Agent
	cfg    SessionConfig
	ch     chan<- StreamEvent
	logger *slog.Logger
	span   Span

	messages  []Message
	parentSeq int64
	steps     int
	msgOpen   bool
}

func (t *turn) emit(ev StreamEvent) {
	ev.ThreadID = t.cfg.ThreadID
	t.ch <- ev
}

func (t *turn) run(ctx context.Context, text string) {
	// Load prior state. A missing checkpoint means a fresh thread.
	cp, ok, err := t.runner.checkpoints.Latest(ctx, t.cfg.ThreadID)
	if err != nil {
		t.fail(E(KindStorageUnavailable, "checkpoint load failed", err))
		return
	}
	if ok {
		state, err := decodeState(cp.Payload)
		if err != nil {
			t.fail(E(KindInternal, "checkpoint payload corrupt", err))
			return
		}
		t.messages = state.Messages
		t.parentSeq = cp.Sequence
	}

	userMsg := UserMessage(text)
	userMsg.ID = NewID()
	userMsg.CreatedAt = NowUnix()
	t.messages = append(t.messages, userMsg)
	if err := t.checkpoint(ctx); err != nil {
		t.fail(err)
		return
	}

	for {
		if ctx.Err() != nil {
			t.stop(ctx)
			return
		}
		if t.steps+1 > t.cfg.RecursionBound {
			t.checkpointBestEffort(ctx)
			t.fail(Errf(KindRecursionExceeded, "recursion bound %d exceeded", t.cfg.RecursionBound))
			return
		}

		resp, err := t.llmCall(ctx)
		t.steps++
		if err != nil {
			var halt *ErrHalt
			if errors.As(err, &halt) {
				// Pre-LLM halts arrive before the message opened.
				if !t.msgOpen {
					t.emit(StreamEvent{Type: EventMessageStart})
					t.msgOpen = true
				}
				t.messages = append(t.messages, t.assistantMsg(halt.Response, nil))
				t.emit(StreamEvent{Type: EventContent, Node: NodeModel, Delta: halt.Response})
				t.finish(ctx)
				return
			}
			if ctx.Err() != nil {
				t.stop(ctx)
				return
			}
			t.checkpointBestEffort(ctx)
			t.fail(classifyLLMErr(err))
			return
		}

		// No tool calls: this is the final response for the turn.
		if len(resp.ToolCalls) == 0 {
			t.messages = append(t.messages, t.assistantMsg(resp.Content, nil))
			t.finish(ctx)
			return
		}

		t.messages = append(t.messages, t.assistantMsg(resp.Content, resp.ToolCalls))
		if err := t.checkpoint(ctx); err != nil {
			t.fail(err)
			return
		}

		if t.steps+1 > t.cfg.RecursionBound {
			t.checkpointBestEffort(ctx)
			t.fail(Errf(KindRecursionExceeded, "recursion bound %d exceeded", t.cfg.RecursionBound))
			return
		}
		if ctx.Err() != nil {
			t.stop(ctx)
			return
		}

		t.runTools(ctx, resp.ToolCalls)
		t.steps++
		if ctx.Err() != nil {
			t.stop(ctx)
			return
		}
		if err := t.checkpoint(ctx); err != nil {
			t.fail(err)
			return
		}
	}
}

// llmCall streams one model response, forwarding content deltas. The
// assistant message opens on the first call and stays open across tool
// iterations; it closes in finish() or stop().
func (t *turn) llmCall(ctx context.Context) (ChatResponse, error) {
	req := ChatRequest{
		Messages:  t.withSystemPrompt(t.messages),
		Tools:     t.agent.registry.AllDefinitions(),
		MaxTokens: t.cfg.MaxOutputTokens,
	}
	if err := t.agent.processors.RunPreLLM(ctx, &req); err != nil {
		return ChatResponse{}, err
	}

	if !t.msgOpen {
		t.emit(StreamEvent{Type: EventMessageStart})
		t.msgOpen = true
	}

	mid := make(chan StreamEvent, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = t.agent.provider.ChatStream(ctx, req, mid)
	}()
	for ev := range mid {
		if ev.Type == EventContent && ev.Node == "" {
			ev.Node = NodeModel
		}
		t.emit(ev)
	}
	<-done
	if err != nil {
		return ChatResponse{}, err
	}

	if perr := t.agent.processors.RunPostLLM(ctx, &resp); perr != nil {
		return ChatResponse{}, perr
	}
	return resp, nil
}

// runTools announces, dispatches, and reports a batch of tool calls,
// then appends the observations to the message history.
func (t *turn) runTools(ctx context.Context, calls []ToolCall) {
	for _, tc := range calls {
		t.emit(StreamEvent{Type: EventToolStart, ToolCallID: tc.ID, ToolName: tc.Name})
		t.emit(StreamEvent{Type: EventToolInput, ToolCallID: tc.ID, ToolName: tc.Name, Input: tc.Args})
	}

	results := dispatchParallel(ctx, calls, func(ctx context.Context, tc ToolCall) toolExecResult {
		start := time.Now()
		toolCtx := ctx
		var toolSpan Span
		if t.runner.tracer != nil {
			toolCtx, toolSpan = t.runner.tracer.Start(ctx, "tool",
				StringAttr("tool", tc.Name),
				StringAttr("tool_call_id", tc.ID))
			defer toolSpan.End()
		}
		res, err := t.agent.registry.Execute(toolCtx, tc.Name, tc.Args)
		if err != nil {
			if toolSpan != nil {
				toolSpan.Error(err)
			}
			return toolExecResult{content: "error: " + err.Error(), duration: time.Since(start), isError: true}
		}
		if res.Error != "" {
			return toolExecResult{content: "error: " + res.Error, duration: time.Since(start), isError: true}
		}
		return toolExecResult{content: res.Content, duration: time.Since(start)}
	})

	for i, tc := range calls {
		status := ToolSucceeded
		if results[i].isError {
			status = ToolFailed
		}

		result := ToolResult{Content: results[i].content}
		if err := t.agent.processors.RunPostTool(ctx, tc, &result); err != nil {
			// PostTool failures degrade to an error observation; the
			// model decides how to proceed.
			result.Content = "error: " + err.Error()
			status = ToolFailed
		}

		t.emit(StreamEvent{
			Type:       EventToolEnd,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Output:     truncateStr(result.Content, 2000),
			Status:     status,
		})
		t.emit(StreamEvent{Type: EventContent, Node: NodeTools, Delta: result.Content})

		obs := ToolResultMessage(tc.ID, result.Content)
		obs.ID = NewID()
		obs.CreatedAt = NowUnix()
		t.messages = append(t.messages, obs)

		// Record the outcome on the originating call for reconciliation.
		for j := range t.messages {
			m := &t.messages[j]
			if m.Role != RoleAssistant {
				continue
			}
			for k := range m.ToolCalls {
				if m.ToolCalls[k].ID == tc.ID {
					m.ToolCalls[k].Output = result.Content
					m.ToolCalls[k].Status = status
				}
			}
		}

		t.logger.Debug("tool finished", "tool", tc.Name, "status", status, "duration", results[i].duration)
	}
}

// finish closes the open message, persists final state, and emits done.
func (t *turn) finish(ctx context.Context) {
	if t.msgOpen {
		t.emit(StreamEvent{Type: EventMessageEnd})
		t.msgOpen = false
	}
	if err := t.checkpoint(ctx); err != nil {
		t.fail(err)
		return
	}
	t.emit(StreamEvent{Type: EventDone, Messages: reconcileTurn(t.messages)})
	t.logger.Info("turn finished", "steps", t.steps, "messages", len(t.messages))
}

// stop persists whatever state the turn reached and emits stopped.
func (t *turn) stop(ctx context.Context) {
	t.checkpointBestEffort(ctx)
	if t.msgOpen {
		t.emit(StreamEvent{Type: EventMessageEnd})
		t.msgOpen = false
	}
	t.emit(StreamEvent{Type: EventStopped})
	t.logger.Info("turn stopped", "steps", t.steps)
}

// fail emits the terminal error event.
func (t *turn) fail(err error) {
	kind := KindOf(err)
	detail := err.Error()
	var e *Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	if t.span != nil {
		t.span.Error(err)
	}
	t.emit(StreamEvent{Type: EventError, Kind: kind, Detail: detail})
	t.logger.Error("turn failed", "kind", kind, "error", err)
}

// checkpoint persists the current message state and advances parentSeq.
func (t *turn) checkpoint(ctx context.Context) error {
	payload, err := encodeState(turnState{Messages: t.messages})
	if err != nil {
		return E(KindInternal, "state encode failed", err)
	}
	// Persistence must survive the turn's own cancellation.
	putCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	seq, err := t.runner.checkpoints.Put(putCtx, t.cfg.ThreadID, t.parentSeq, payload)
	if err != nil {
		if IsKind(err, KindStaleParent) {
			return err
		}
		return E(KindStorageUnavailable, "checkpoint write failed", err)
	}
	t.parentSeq = seq
	return nil
}

// checkpointBestEffort persists state on cancellation and error paths,
// where a storage failure must not mask the terminal event.
func (t *turn) checkpointBestEffort(ctx context.Context) {
	if err := t.checkpoint(ctx); err != nil {
		t.logger.Warn("checkpoint write failed on shutdown path", "error", err)
	}
}

func (t *turn) assistantMsg(content string, calls []ToolCall) Message {
	m := AssistantMessage(content)
	m.ID = NewID()
	m.CreatedAt = NowUnix()
	m.ToolCalls = calls
	return m
}

func (t *turn) withSystemPrompt(messages []Message) []Message {
	if t.agent.systemPrompt == "" {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, SystemMessage(t.agent.systemPrompt))
	out = append(out, messages...)
	return out
}

// classifyLLMErr maps provider failures onto the error taxonomy.
func classifyLLMErr(err error) error {
	if KindOf(err) != KindInternal {
		return err
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		if httpErr.Status == 401 || httpErr.Status == 403 {
			return E(KindAuthRequired, "llm rejected credentials", err)
		}
		return E(KindLLMUnavailable, "llm request failed", err)
	}
	var llmErr *ErrLLM
	if errors.As(err, &llmErr) {
		return E(KindLLMInvalidResponse, llmErr.Message, err)
	}
	return E(KindLLMUnavailable, "llm request failed", err)
}
