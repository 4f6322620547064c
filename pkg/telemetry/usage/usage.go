// Package usage keeps a per-request ledger in SQLite. Every completed
// request is recorded with its credential, model, outcome, token counts,
// and latency so operators can audit consumption after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row in the ledger.
type Record struct {
	ID           string
	RequestID    string
	ProviderID   string
	CredentialID string
	Model        string
	Outcome      string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	CreatedAt    time.Time
}

// Query filters ledger reads. Zero values mean no constraint.
type Query struct {
	ProviderID   string
	CredentialID string
	Model        string
	Since        time.Time
	Limit        int
}

// Summary aggregates ledger rows for one model.
type Summary struct {
	Model        string
	Requests     int
	InputTokens  int
	OutputTokens int
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL,
	provider_id   TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	model         TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_credential ON usage_records(credential_id);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
`

// Ledger persists usage records to a SQLite database.
type Ledger struct {
	db        *sql.DB
	insert    *sql.Stmt
	logger    *slog.Logger
	closeOnce sync.Once
}

// Open opens or creates the ledger database at path. WAL mode is
// enabled so recording does not block concurrent queries.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO usage_records (
			id, request_id, provider_id, credential_id, model, outcome,
			input_tokens, output_tokens, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare usage insert: %w", err)
	}

	logger := slog.Default().With("component", "usage.ledger")
	logger.Info("usage ledger opened", "path", path)

	return &Ledger{db: db, insert: insert, logger: logger}, nil
}

// Record appends one row. CreatedAt defaults to now when unset.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := l.insert.ExecContext(ctx,
		rec.ID, rec.RequestID, rec.ProviderID, rec.CredentialID,
		rec.Model, rec.Outcome,
		rec.InputTokens, rec.OutputTokens, rec.Latency.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns matching rows, newest first.
func (l *Ledger) Query(ctx context.Context, q Query) ([]Record, error) {
	query := `
		SELECT id, request_id, provider_id, credential_id, model, outcome,
		       input_tokens, output_tokens, latency_ms, created_at
		FROM usage_records WHERE 1=1`
	var args []any
	if q.ProviderID != "" {
		query += " AND provider_id = ?"
		args = append(args, q.ProviderID)
	}
	if q.CredentialID != "" {
		query += " AND credential_id = ?"
		args = append(args, q.CredentialID)
	}
	if q.Model != "" {
		query += " AND model = ?"
		args = append(args, q.Model)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY created_at DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var latencyMS int64
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.ProviderID, &rec.CredentialID,
			&rec.Model, &rec.Outcome,
			&rec.InputTokens, &rec.OutputTokens, &latencyMS, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize aggregates per-model totals since the given time.
func (l *Ledger) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		FROM usage_records
		WHERE created_at >= ?
		GROUP BY model
		ORDER BY model
	`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Model, &s.Requests, &s.InputTokens, &s.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than before and returns the count removed.
func (l *Ledger) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM usage_records WHERE created_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("cleanup usage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Debug("usage ledger cleaned", "removed", n)
	}
	return n, nil
}

// Close releases the prepared statements and the database handle.
func (l *Ledger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.insert.Close()
		err = l.db.Close()
	})
	return err
}
