package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteColdSchema = `
CREATE TABLE IF NOT EXISTS cold_state (
	tenant_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	value        TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	stored_at    DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, session_id, name)
);

CREATE INDEX IF NOT EXISTS idx_cold_state_execution
	ON cold_state (execution_id);
`

// SQLiteCold is the embedded cold tier for single-node deployments.
type SQLiteCold struct {
	db *sql.DB
}

// NewSQLiteCold creates a SQLite-backed cold store and runs its migration.
func NewSQLiteCold(db *sql.DB) (*SQLiteCold, error) {
	s := &SQLiteCold{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteColdSchema); err != nil {
		return nil, fmt.Errorf("state: init sqlite cold schema: %w", err)
	}
	return s, nil
}

// OpenSQLiteCold opens (or creates) a database file and returns a store.
func OpenSQLiteCold(path string) (*SQLiteCold, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite: %w", err)
	}
	return NewSQLiteCold(db)
}

// Get returns an entry or ErrNotFound.
func (s *SQLiteCold) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE tenant_id = ? AND session_id = ? AND name = ?
	`, key.TenantID, key.SessionID, key.Name)
	return scanColdEntry(row)
}

// Put upserts an entry.
func (s *SQLiteCold) Put(ctx context.Context, e Entry) error {
	stored := e.StoredAt
	if stored.IsZero() {
		stored = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cold_state (tenant_id, session_id, name, value, execution_id, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, session_id, name)
			DO UPDATE SET value = excluded.value,
			              execution_id = excluded.execution_id,
			              stored_at = excluded.stored_at
	`, e.Key.TenantID, e.Key.SessionID, e.Key.Name, string(e.Value), e.ExecutionID, stored)
	if err != nil {
		return fmt.Errorf("state: sqlite cold put: %w", err)
	}
	return nil
}

// PutIfAbsent inserts an entry unless the key is taken.
func (s *SQLiteCold) PutIfAbsent(ctx context.Context, e Entry) error {
	stored := e.StoredAt
	if stored.IsZero() {
		stored = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cold_state (tenant_id, session_id, name, value, execution_id, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, session_id, name) DO NOTHING
	`, e.Key.TenantID, e.Key.SessionID, e.Key.Name, string(e.Value), e.ExecutionID, stored)
	if err != nil {
		return fmt.Errorf("state: sqlite cold put-if-absent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Delete removes an entry.
func (s *SQLiteCold) Delete(ctx context.Context, key Key) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cold_state WHERE tenant_id = ? AND session_id = ? AND name = ?
	`, key.TenantID, key.SessionID, key.Name)
	if err != nil {
		return fmt.Errorf("state: sqlite cold delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByTenant returns a tenant's entries, newest first.
func (s *SQLiteCold) ByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE tenant_id = ?
		ORDER BY stored_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("state: sqlite cold by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanColdEntries(rows)
}

// ByExecution returns entries written by an execution, newest first.
func (s *SQLiteCold) ByExecution(ctx context.Context, executionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE execution_id = ?
		ORDER BY stored_at DESC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("state: sqlite cold by execution: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanColdEntries(rows)
}
