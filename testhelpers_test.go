package agentd

import (
	"context"
	"encoding/json"
	"sync"
)

// scriptProvider is a test Provider that replays scripted responses in
// order and records every request it receives. When block is non-nil,
// ChatStream waits on it (or ctx) before responding, which lets tests
// hold a turn open.
type scriptProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
	calls     int
	block     chan struct{}
}

func (s *scriptProvider) Name() string { return "script" }

func (s *scriptProvider) next(req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return ChatResponse{}, err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	if len(s.responses) > 0 {
		return s.responses[len(s.responses)-1], nil
	}
	return ChatResponse{}, nil
}

func (s *scriptProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptProvider) request(i int) ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return s.next(req)
}

func (s *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	resp, err := s.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		ch <- StreamEvent{Type: EventContent, Node: NodeModel, Delta: resp.Content}
	}
	return resp, nil
}

var _ Provider = (*scriptProvider)(nil)

// memCheckpoints is an in-memory CheckpointStore with the same
// stale-parent semantics as the SQL stores.
type memCheckpoints struct {
	mu     sync.Mutex
	chains map[string][]Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{chains: make(map[string][]Checkpoint)}
}

func (m *memCheckpoints) Put(_ context.Context, threadID string, parentSeq int64, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[threadID]
	var latest int64
	if len(chain) > 0 {
		latest = chain[len(chain)-1].Sequence
	}
	if parentSeq != latest {
		return 0, Errf(KindStaleParent, "checkpoint parent %d is stale, thread %s is at %d", parentSeq, threadID, latest)
	}
	cp := Checkpoint{
		ThreadID:  threadID,
		Sequence:  latest + 1,
		ParentSeq: parentSeq,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: NowUnix(),
	}
	m.chains[threadID] = append(chain, cp)
	return cp.Sequence, nil
}

func (m *memCheckpoints) Latest(_ context.Context, threadID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[threadID]
	if len(chain) == 0 {
		return Checkpoint{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (m *memCheckpoints) List(_ context.Context, threadID string, limit int) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[threadID]
	out := make([]Checkpoint, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memCheckpoints) Reset(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, threadID)
	return nil
}

func (m *memCheckpoints) count(threadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains[threadID])
}

var _ CheckpointStore = (*memCheckpoints)(nil)

// echoTool is a single-function tool that echoes its raw arguments.
type echoTool struct {
	failWith string // when set, Execute reports this in ToolResult.Error
}

func (e *echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "Echo the arguments"}}
}

func (e *echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	if e.failWith != "" {
		return ToolResult{Error: e.failWith}, nil
	}
	return ToolResult{Content: "echo: " + string(args)}, nil
}

var _ Tool = (*echoTool)(nil)
