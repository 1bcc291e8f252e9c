package agentd

import "context"

// ThreadStore persists thread records. Threads are created on first
// message with an auto-generated title; UpdatedAt is bumped after each
// successful turn.
type ThreadStore interface {
	CreateThread(ctx context.Context, t Thread) error
	// GetThread returns the thread. ok is false when it does not exist.
	GetThread(ctx context.Context, id string) (t Thread, ok bool, err error)
	ListThreads(ctx context.Context, userID string, limit int) ([]Thread, error)
	// TouchThread updates UpdatedAt to now.
	TouchThread(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, id string) error
}

// Store is the full persistence surface the server wires up: checkpoints,
// threads, and user settings, typically backed by one database.
type Store interface {
	CheckpointStore
	ThreadStore
	SettingsStore
	Init(ctx context.Context) error
	Close() error
}
