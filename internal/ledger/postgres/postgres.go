package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/tokligence-relay/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig holds connection pool settings; zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS relay_usage (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('completed','cancelled','errored')),
	finish_reason TEXT,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_relay_usage_user_created ON relay_usage(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_relay_usage_request ON relay_usage(request_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.UserID == "" {
		return errors.New("ledger record requires user id")
	}
	if !entry.Status.Valid() {
		return fmt.Errorf("invalid status %q", entry.Status)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_usage(request_id, user_id, session_id, provider, model, prompt_tokens, completion_tokens, status, finish_reason, latency_ms, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.RequestID,
		entry.UserID,
		nullString(entry.SessionID),
		entry.Provider,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		string(entry.Status),
		nullString(entry.FinishReason),
		entry.LatencyMS,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given user.
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	if userID == "" {
		return ledger.Summary{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'cancelled'),
	COUNT(*) FILTER (WHERE status = 'errored'),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0)
FROM relay_usage
WHERE user_id = $1`, userID)

	var sum ledger.Summary
	if err := row.Scan(&sum.Requests, &sum.Completed, &sum.Cancelled, &sum.Errored, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	sum.TotalTokens = sum.PromptTokens + sum.CompletionTokens
	return sum, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, user_id, session_id, provider, model, prompt_tokens, completion_tokens, status, finish_reason, latency_ms, created_at
FROM relay_usage
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var status string
		var session, finish sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.UserID, &session, &e.Provider, &e.Model, &e.PromptTokens, &e.CompletionTokens, &status, &finish, &e.LatencyMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SessionID = session.String
		e.FinishReason = finish.String
		e.Status = ledger.Status(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
