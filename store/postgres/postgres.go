// Package postgres implements agentd.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/agentd"
)

// Store implements agentd.Store backed by PostgreSQL. Checkpoint
// appends take a per-thread advisory lock so concurrent writers
// serialize instead of forking history.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentd.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_user_idx ON threads(user_id, updated_at)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			parent_seq BIGINT NOT NULL,
			payload BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			max_output_tokens INTEGER NOT NULL DEFAULT 0,
			recursion_bound INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// Put appends a checkpoint, assigning the next sequence for the thread.
func (s *Store) Put(ctx context.Context, threadID string, parentSeq int64, payload []byte) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Held until commit; serializes appends per thread even when the
	// thread has no checkpoints yet to row-lock.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, threadID); err != nil {
		return 0, fmt.Errorf("thread lock: %w", err)
	}

	var latest int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE thread_id = $1`,
		threadID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	if latest != parentSeq {
		return 0, agentd.Errf(agentd.KindStaleParent,
			"checkpoint parent %d is stale, thread %s is at %d", parentSeq, threadID, latest)
	}

	seq := latest + 1
	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, seq, parent_seq, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		threadID, seq, parentSeq, payload, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return seq, nil
}

// Latest returns the newest checkpoint for the thread.
func (s *Store) Latest(ctx context.Context, threadID string) (agentd.Checkpoint, bool, error) {
	var cp agentd.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, seq, parent_seq, payload, created_at
		 FROM checkpoints WHERE thread_id = $1
		 ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&cp.ThreadID, &cp.Sequence, &cp.ParentSeq, &cp.Payload, &cp.CreatedAt)
	if err == pgx.ErrNoRows {
		return agentd.Checkpoint{}, false, nil
	}
	if err != nil {
		return agentd.Checkpoint{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, true, nil
}

// List returns up to limit checkpoints for the thread, newest first.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]agentd.Checkpoint, error) {
	query := `SELECT thread_id, seq, parent_seq, payload, created_at
		 FROM checkpoints WHERE thread_id = $1 ORDER BY seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []agentd.Checkpoint
	for rows.Next() {
		var cp agentd.Checkpoint
		if err := rows.Scan(&cp.ThreadID, &cp.Sequence, &cp.ParentSeq, &cp.Payload, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// Reset deletes all checkpoints for the thread.
func (s *Store) Reset(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("reset checkpoints: %w", err)
	}
	return nil
}

// CreateThread inserts a thread record.
func (s *Store) CreateThread(ctx context.Context, t agentd.Thread) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET title = $3, updated_at = $5`,
		t.ID, t.UserID, t.Title, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// GetThread returns the thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (agentd.Thread, bool, error) {
	var t agentd.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return agentd.Thread{}, false, nil
	}
	if err != nil {
		return agentd.Thread{}, false, fmt.Errorf("get thread: %w", err)
	}
	return t, true, nil
}

// ListThreads returns a user's threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int) ([]agentd.Thread, error) {
	query := `SELECT id, user_id, title, created_at, updated_at
		 FROM threads WHERE user_id = $1 ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []agentd.Thread
	for rows.Next() {
		var t agentd.Thread
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// TouchThread bumps the thread's updated_at to now.
func (s *Store) TouchThread(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE threads SET updated_at = $1 WHERE id = $2`, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

// DeleteThread removes the thread and its checkpoints.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UserSettings returns the saved overrides for a user.
func (s *Store) UserSettings(ctx context.Context, userID string) (agentd.UserSettings, bool, error) {
	var us agentd.UserSettings
	err := s.pool.QueryRow(ctx,
		`SELECT model, api_key, base_url, max_output_tokens, recursion_bound
		 FROM user_settings WHERE user_id = $1`, userID,
	).Scan(&us.Model, &us.APIKey, &us.BaseURL, &us.MaxOutputTokens, &us.RecursionBound)
	if err == pgx.ErrNoRows {
		return agentd.UserSettings{}, false, nil
	}
	if err != nil {
		return agentd.UserSettings{}, false, fmt.Errorf("get user settings: %w", err)
	}
	return us, true, nil
}

// SetUserSettings upserts a user's overrides.
func (s *Store) SetUserSettings(ctx context.Context, userID string, us agentd.UserSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_settings (user_id, model, api_key, base_url, max_output_tokens, recursion_bound)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
			model = $2, api_key = $3, base_url = $4, max_output_tokens = $5, recursion_bound = $6`,
		userID, us.Model, us.APIKey, us.BaseURL, us.MaxOutputTokens, us.RecursionBound,
	)
	if err != nil {
		return fmt.Errorf("set user settings: %w", err)
	}
	return nil
}
