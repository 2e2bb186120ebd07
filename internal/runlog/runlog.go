// SPDX-License-Identifier: MIT

// Package runlog persists one row per finished generation stream into
// a local SQLite database, queryable over the API.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/llamad/llamad/internal/log"
)

const (
	defaultRecent = 50
	maxRecent     = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at       TEXT    NOT NULL,
	session_id       TEXT    NOT NULL,
	model            TEXT    NOT NULL,
	stop_reason      TEXT    NOT NULL,
	prompt_tokens    INTEGER NOT NULL,
	predicted_tokens INTEGER NOT NULL,
	ttft_sec         REAL    NOT NULL,
	total_sec        REAL    NOT NULL,
	tokens_per_sec   REAL    NOT NULL,
	error            TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs(created_at);
`

// Run is one recorded stream.
type Run struct {
	ID              int64     `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	SessionID       string    `json:"sessionId"`
	Model           string    `json:"model"`
	StopReason      string    `json:"stopReason"`
	PromptTokens    int       `json:"promptTokens"`
	PredictedTokens int       `json:"predictedTokens"`
	TTFTSec         float64   `json:"ttftSec"`
	TotalSec        float64   `json:"totalSec"`
	TokensPerSec    float64   `json:"tokensPerSec"`
	Error           string    `json:"error,omitempty"`
}

// Store is the run-history sink. Safe for concurrent use; writes are
// serialized on a single connection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open runlog db: %w", err)
	}
	// One connection keeps the pure-Go driver clear of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply runlog schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.WithComponent("runlog"),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one run. A zero CreatedAt stamps now.
func (s *Store) Record(ctx context.Context, run Run) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (created_at, session_id, model, stop_reason,
			prompt_tokens, predicted_tokens, ttft_sec, total_sec,
			tokens_per_sec, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(time.RFC3339Nano),
		run.SessionID,
		run.Model,
		run.StopReason,
		run.PromptTokens,
		run.PredictedTokens,
		run.TTFTSec,
		run.TotalSec,
		run.TokensPerSec,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns the newest runs, most recent first. limit <= 0 means
// the default page size.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	if limit > maxRecent {
		limit = maxRecent
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, session_id, model, stop_reason,
			prompt_tokens, predicted_tokens, ttft_sec, total_sec,
			tokens_per_sec, error
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var r Run
		var createdAt string
		if err := rows.Scan(&r.ID, &createdAt, &r.SessionID, &r.Model,
			&r.StopReason, &r.PromptTokens, &r.PredictedTokens,
			&r.TTFTSec, &r.TotalSec, &r.TokensPerSec, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			s.logger.Warn().
				Str("event", "runlog.bad_timestamp").
				Str("created_at", createdAt).
				Msg("run row carries unparseable timestamp")
		} else {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
