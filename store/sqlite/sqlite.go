// Package sqlite implements agentd.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/agentd"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentd.Store backed by a local SQLite file.
// Checkpoint payloads are stored as-is in a BLOB column.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentd.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			parent_seq INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			model TEXT,
			api_key TEXT,
			base_url TEXT,
			max_output_tokens INTEGER DEFAULT 0,
			recursion_bound INTEGER DEFAULT 0
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, updated_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put appends a checkpoint, assigning the next sequence for the thread.
// The insert and the parent check run in one transaction so concurrent
// writers cannot both extend the same parent; SetMaxOpenConns(1) already
// serializes them, the transaction makes the invariant explicit.
func (s *Store) Put(ctx context.Context, threadID string, parentSeq int64, payload []byte) (int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: put checkpoint", "thread_id", threadID, "parent_seq", parentSeq, "payload_bytes", len(payload))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	if latest != parentSeq {
		return 0, agentd.Errf(agentd.KindStaleParent,
			"checkpoint parent %d is stale, thread %s is at %d", parentSeq, threadID, latest)
	}

	seq := latest + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, seq, parent_seq, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		threadID, seq, parentSeq, payload, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: put checkpoint failed", "thread_id", threadID, "error", err)
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put checkpoint ok", "thread_id", threadID, "seq", seq, "duration", time.Since(start))
	return seq, nil
}

// Latest returns the newest checkpoint for the thread.
func (s *Store) Latest(ctx context.Context, threadID string) (agentd.Checkpoint, bool, error) {
	var cp agentd.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, seq, parent_seq, payload, created_at
		 FROM checkpoints WHERE thread_id = ?
		 ORDER BY seq DESC LIMIT 1`, threadID,
	).Scan(&cp.ThreadID, &cp.Sequence, &cp.ParentSeq, &cp.Payload, &cp.CreatedAt)
	if err == sql.ErrNoRows {
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
		 FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("reset checkpoints: %w", err)
	}
	s.logger.Debug("sqlite: checkpoints reset", "thread_id", threadID)
	return nil
}

// CreateThread inserts a thread record.
func (s *Store) CreateThread(ctx context.Context, t agentd.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO threads (id, user_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err)
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: thread created", "id", t.ID, "user_id", t.UserID)
	return nil
}

// GetThread returns the thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (agentd.Thread, bool, error) {
	var t agentd.Thread
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &title, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return agentd.Thread{}, false, nil
	}
	if err != nil {
		return agentd.Thread{}, false, fmt.Errorf("get thread: %w", err)
	}
	t.Title = title.String
	return t, true, nil
}

// ListThreads returns a user's threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int) ([]agentd.Thread, error) {
	query := `SELECT id, user_id, title, created_at, updated_at
		 FROM threads WHERE user_id = ? ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []agentd.Thread
	for rows.Next() {
		var t agentd.Thread
		var title sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Title = title.String
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// TouchThread bumps the thread's updated_at to now.
func (s *Store) TouchThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

// DeleteThread removes the thread and its checkpoints.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: thread deleted", "id", id)
	return nil
}

// UserSettings returns the saved overrides for a user.
func (s *Store) UserSettings(ctx context.Context, userID string) (agentd.UserSettings, bool, error) {
	var us agentd.UserSettings
	var model, apiKey, baseURL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT model, api_key, base_url, max_output_tokens, recursion_bound
		 FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&model, &apiKey, &baseURL, &us.MaxOutputTokens, &us.RecursionBound)
	if err == sql.ErrNoRows {
		return agentd.UserSettings{}, false, nil
	}
	if err != nil {
		return agentd.UserSettings{}, false, fmt.Errorf("get user settings: %w", err)
	}
	us.Model = model.String
	us.APIKey = apiKey.String
	us.BaseURL = baseURL.String
	return us, true, nil
}

// SetUserSettings upserts a user's overrides.
func (s *Store) SetUserSettings(ctx context.Context, userID string, us agentd.UserSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_settings (user_id, model, api_key, base_url, max_output_tokens, recursion_bound)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, us.Model, us.APIKey, us.BaseURL, us.MaxOutputTokens, us.RecursionBound,
	)
	if err != nil {
		return fmt.Errorf("set user settings: %w", err)
	}
	s.logger.Debug("sqlite: user settings saved", "user_id", userID)
	return nil
}
