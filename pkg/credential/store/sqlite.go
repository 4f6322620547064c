package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/itsharex/proxycast/pkg/credential"
)

// SQLiteStore persists credentials in a local SQLite database. It is
// suitable for single-instance deployments where credential material and
// usage counters must survive restarts.
//
// The database runs in WAL mode with a single writer connection.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex

	saveStmt   *sql.Stmt
	deleteStmt *sql.Stmt

	closeOnce sync.Once
}

// NewSQLiteStore opens (creating if needed) the credential database at
// the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize credential schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// initSchema creates the credential table if it does not exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		auth TEXT NOT NULL,
		status TEXT NOT NULL,
		cooldown_until INTEGER,
		max_in_flight INTEGER NOT NULL DEFAULT 0,
		models TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER,
		last_error TEXT,
		extra TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_provider ON credentials(provider_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements pre-compiles the hot statements.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO credentials (id, provider_id, auth, status, cooldown_until, max_in_flight,
			models, usage_count, error_count, last_used, last_error, extra, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			provider_id = excluded.provider_id,
			auth = excluded.auth,
			status = excluded.status,
			cooldown_until = excluded.cooldown_until,
			max_in_flight = excluded.max_in_flight,
			models = excluded.models,
			usage_count = excluded.usage_count,
			error_count = excluded.error_count,
			last_used = excluded.last_used,
			last_error = excluded.last_error,
			extra = excluded.extra,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM credentials WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	return nil
}

// Load returns every persisted credential.
func (s *SQLiteStore) Load(ctx context.Context) ([]*credential.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, auth, status, cooldown_until, max_in_flight,
			models, usage_count, error_count, last_used, last_error, extra
		FROM credentials ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	defer rows.Close()

	var out []*credential.Credential
	for rows.Next() {
		var (
			c            credential.Credential
			authJSON     string
			status       string
			cooldownUnix sql.NullInt64
			modelsJSON   sql.NullString
			lastUsedUnix sql.NullInt64
			lastError    sql.NullString
			extraJSON    sql.NullString
		)

		if err := rows.Scan(&c.ID, &c.ProviderID, &authJSON, &status, &cooldownUnix,
			&c.MaxInFlight, &modelsJSON, &c.UsageCount, &c.ErrorCount,
			&lastUsedUnix, &lastError, &extraJSON); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}

		if err := json.Unmarshal([]byte(authJSON), &c.Auth); err != nil {
			return nil, fmt.Errorf("credential %q: failed to unmarshal auth: %w", c.ID, err)
		}
		c.Status = credential.Status(status)
		if cooldownUnix.Valid && cooldownUnix.Int64 > 0 {
			c.CooldownUntil = time.Unix(cooldownUnix.Int64, 0)
		}
		if modelsJSON.Valid && modelsJSON.String != "" {
			if err := json.Unmarshal([]byte(modelsJSON.String), &c.Models); err != nil {
				return nil, fmt.Errorf("credential %q: failed to unmarshal models: %w", c.ID, err)
			}
		}
		if lastUsedUnix.Valid && lastUsedUnix.Int64 > 0 {
			c.LastUsed = time.Unix(lastUsedUnix.Int64, 0)
		}
		if lastError.Valid {
			c.LastError = lastError.String
		}
		if extraJSON.Valid && extraJSON.String != "" {
			if err := json.Unmarshal([]byte(extraJSON.String), &c.Extra); err != nil {
				return nil, fmt.Errorf("credential %q: failed to unmarshal extra: %w", c.ID, err)
			}
		}

		out = append(out, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credential rows: %w", err)
	}
	return out, nil
}

// SaveCredential inserts or updates one credential.
func (s *SQLiteStore) SaveCredential(cred *credential.Credential) error {
	if cred == nil || cred.ID == "" {
		return fmt.Errorf("credential id cannot be empty")
	}

	authJSON, err := json.Marshal(cred.Auth)
	if err != nil {
		return fmt.Errorf("failed to marshal auth: %w", err)
	}

	var modelsJSON []byte
	if len(cred.Models) > 0 {
		if modelsJSON, err = json.Marshal(cred.Models); err != nil {
			return fmt.Errorf("failed to marshal models: %w", err)
		}
	}

	var extraJSON []byte
	if len(cred.Extra) > 0 {
		if extraJSON, err = json.Marshal(cred.Extra); err != nil {
			return fmt.Errorf("failed to marshal extra: %w", err)
		}
	}

	var cooldownUnix int64
	if !cred.CooldownUntil.IsZero() {
		cooldownUnix = cred.CooldownUntil.Unix()
	}
	var lastUsedUnix int64
	if !cred.LastUsed.IsZero() {
		lastUsedUnix = cred.LastUsed.Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.saveStmt.Exec(
		cred.ID,
		cred.ProviderID,
		string(authJSON),
		string(cred.Status),
		cooldownUnix,
		cred.MaxInFlight,
		string(modelsJSON),
		cred.UsageCount,
		cred.ErrorCount,
		lastUsedUnix,
		cred.LastError,
		string(extraJSON),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential %q: %w", cred.ID, err)
	}
	return nil
}

// Delete removes one credential by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete credential %q: %w", id, err)
	}
	return nil
}

// Close releases the database. Idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		if s.saveStmt != nil {
			s.saveStmt.Close()
		}
		if s.deleteStmt != nil {
			s.deleteStmt.Close()
		}
		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}
