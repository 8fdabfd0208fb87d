package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pgColdSchema = `
CREATE TABLE IF NOT EXISTS cold_state (
	tenant_id    TEXT        NOT NULL,
	session_id   TEXT        NOT NULL,
	name         TEXT        NOT NULL,
	value        JSONB       NOT NULL,
	execution_id TEXT        NOT NULL DEFAULT '',
	stored_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, session_id, name)
);

CREATE INDEX IF NOT EXISTS idx_cold_state_execution
	ON cold_state (execution_id);
`

// PostgresCold is the Postgres-backed cold tier.
type PostgresCold struct {
	db *sql.DB
}

// NewPostgresCold creates a Postgres-backed cold store.
func NewPostgresCold(db *sql.DB) *PostgresCold {
	return &PostgresCold{db: db}
}

// Init creates the schema.
func (s *PostgresCold) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgColdSchema); err != nil {
		return fmt.Errorf("state: init cold schema: %w", err)
	}
	return nil
}

// Get returns an entry or ErrNotFound.
func (s *PostgresCold) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE tenant_id = $1 AND session_id = $2 AND name = $3
	`, key.TenantID, key.SessionID, key.Name)
	return scanColdEntry(row)
}

// Put upserts an entry.
func (s *PostgresCold) Put(ctx context.Context, e Entry) error {
	stored := e.StoredAt
	if stored.IsZero() {
		stored = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cold_state (tenant_id, session_id, name, value, execution_id, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, session_id, name)
			DO UPDATE SET value = EXCLUDED.value,
			              execution_id = EXCLUDED.execution_id,
			              stored_at = EXCLUDED.stored_at
	`, e.Key.TenantID, e.Key.SessionID, e.Key.Name, []byte(e.Value), e.ExecutionID, stored)
	if err != nil {
		return fmt.Errorf("state: cold put: %w", err)
	}
	return nil
}

// PutIfAbsent inserts an entry unless the key is taken. The primary key
// makes the claim race-free across processes sharing the database.
func (s *PostgresCold) PutIfAbsent(ctx context.Context, e Entry) error {
	stored := e.StoredAt
	if stored.IsZero() {
		stored = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cold_state (tenant_id, session_id, name, value, execution_id, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, session_id, name) DO NOTHING
	`, e.Key.TenantID, e.Key.SessionID, e.Key.Name, []byte(e.Value), e.ExecutionID, stored)
	if err != nil {
		return fmt.Errorf("state: cold put-if-absent: %w", err)
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
func (s *PostgresCold) Delete(ctx context.Context, key Key) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cold_state WHERE tenant_id = $1 AND session_id = $2 AND name = $3
	`, key.TenantID, key.SessionID, key.Name)
	if err != nil {
		return fmt.Errorf("state: cold delete: %w", err)
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
func (s *PostgresCold) ByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE tenant_id = $1
		ORDER BY stored_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("state: cold by tenant: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanColdEntries(rows)
}

// ByExecution returns entries written by an execution, newest first.
func (s *PostgresCold) ByExecution(ctx context.Context, executionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, session_id, name, value, execution_id, stored_at
		FROM cold_state
		WHERE execution_id = $1
		ORDER BY stored_at DESC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("state: cold by execution: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanColdEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanColdEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.Key.TenantID, &e.Key.SessionID, &e.Key.Name,
		&e.Value, &e.ExecutionID, &e.StoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: scan cold entry: %w", err)
	}
	return &e, nil
}

func scanColdEntries(rows *sql.Rows) ([]Entry, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []Entry
	for rows.Next() {
		e, err := scanColdEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
