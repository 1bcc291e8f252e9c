package agentd

import (
	"context"
	"encoding/json"
)

// Checkpoint is one persisted snapshot of a thread's conversation state.
// Sequence numbers are assigned by the store, start at 1, and increase
// monotonically per thread. ParentSeq is 0 for the first checkpoint.
type Checkpoint struct {
	ThreadID  string `json:"thread_id"`
	Sequence  int64  `json:"sequence"`
	ParentSeq int64  `json:"parent_seq"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}

// CheckpointStore persists per-thread conversation state. Implementations
// serialize writes per thread: a Put whose parentSeq does not match the
// thread's current latest sequence fails with KindStaleParent, which
// surfaces split-brain writes instead of silently forking history.
type CheckpointStore interface {
	// Put appends a checkpoint and returns its assigned sequence.
	Put(ctx context.Context, threadID string, parentSeq int64, payload []byte) (int64, error)
	// Latest returns the newest checkpoint for the thread.
	// ok is false when the thread has no checkpoints.
	Latest(ctx context.Context, threadID string) (cp Checkpoint, ok bool, err error)
	// List returns up to limit checkpoints, newest first. limit <= 0
	// means no limit.
	List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error)
	// Reset deletes all checkpoints for the thread.
	Reset(ctx context.Context, threadID string) error
}

// turnState is the checkpoint payload: the full message history the next
// turn resumes from.
type turnState struct {
	Messages []Message `json:"messages"`
}

func encodeState(s turnState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(payload []byte) (turnState, error) {
	var s turnState
	if len(payload) == 0 {
		return s, nil
	}
	err := json.Unmarshal(payload, &s)
	return s, err
}
