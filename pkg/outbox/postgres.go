package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id        TEXT PRIMARY KEY,
	execution_id    TEXT        NOT NULL,
	tenant_id       TEXT        NOT NULL,
	event_type      TEXT        NOT NULL,
	payload         JSONB       NOT NULL,
	status          TEXT        NOT NULL,
	attempts        INT         NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_outbox_status
	ON outbox_events (status, next_attempt_at);

CREATE INDEX IF NOT EXISTS idx_outbox_execution
	ON outbox_events (execution_id);
`

// PostgresStore is the durable Store backed by Postgres.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore creates a Postgres-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("outbox: init schema: %w", err)
	}
	return nil
}

// Enqueue adds a pending event in its own transaction.
func (s *PostgresStore) Enqueue(ctx context.Context, ev *Event) error {
	return s.enqueue(ctx, s.db, ev)
}

// EnqueueTx adds a pending event inside a caller-owned transaction. The
// terminal commit uses this alongside the final log entry.
func (s *PostgresStore) EnqueueTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	return s.enqueue(ctx, tx, ev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) enqueue(ctx context.Context, db execer, ev *Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("outbox: event missing event_id")
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.clock().UTC()
	}
	next := ev.NextAttemptAt
	if next.IsZero() {
		next = created
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_events
			(event_id, execution_id, tenant_id, event_type, payload, status, attempts, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.ExecutionID, ev.TenantID, ev.EventType, []byte(ev.Payload),
		string(StatusPending), created, next)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// PendingScan returns due pending events, oldest first.
func (s *PostgresStore) PendingScan(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, execution_id, tenant_id, event_type, payload, status, attempts, created_at, next_attempt_at, last_error
		FROM outbox_events
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, string(StatusPending), s.clock().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending scan: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// MarkPublished transitions an event to published.
func (s *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, last_error = '' WHERE event_id = $2`,
		string(StatusPublished), eventID)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return requireRow(res)
}

// MarkRetry records a failed attempt.
func (s *PostgresStore) MarkRetry(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = $1, next_attempt_at = $2, last_error = $3
		WHERE event_id = $4
	`, attempts, nextAttemptAt, lastErr, eventID)
	if err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return requireRow(res)
}

// Abandon marks an event abandoned.
func (s *PostgresStore) Abandon(ctx context.Context, eventID string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, last_error = $2 WHERE event_id = $3`,
		string(StatusAbandoned), lastErr, eventID)
	if err != nil {
		return fmt.Errorf("outbox: abandon: %w", err)
	}
	return requireRow(res)
}

// ByExecution returns all events for an execution, oldest first.
func (s *PostgresStore) ByExecution(ctx context.Context, executionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, execution_id, tenant_id, event_type, payload, status, attempts, created_at, next_attempt_at, last_error
		FROM outbox_events
		WHERE execution_id = $1
		ORDER BY created_at ASC, event_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("outbox: by execution: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []Event
	for rows.Next() {
		var ev Event
		var status string
		if err := rows.Scan(&ev.EventID, &ev.ExecutionID, &ev.TenantID, &ev.EventType,
			&ev.Payload, &status, &ev.Attempts, &ev.CreatedAt, &ev.NextAttemptAt, &ev.LastError); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		ev.Status = Status(status)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
