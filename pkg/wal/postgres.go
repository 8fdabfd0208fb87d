package wal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS wal_partitions (
	partition_key TEXT PRIMARY KEY,
	next_seq      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_entries (
	partition_key TEXT        NOT NULL,
	sequence_id   BIGINT      NOT NULL,
	tenant_id     TEXT        NOT NULL,
	execution_id  TEXT        NOT NULL,
	event_type    TEXT        NOT NULL,
	payload       JSONB       NOT NULL,
	payload_hash  TEXT        NOT NULL,
	written_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_key, sequence_id)
);

CREATE INDEX IF NOT EXISTS idx_wal_entries_execution
	ON wal_entries (execution_id);

CREATE TABLE IF NOT EXISTS wal_offsets (
	group_name    TEXT   NOT NULL,
	partition_key TEXT   NOT NULL,
	acked_seq     BIGINT NOT NULL,
	PRIMARY KEY (group_name, partition_key)
);
`

// PostgresLog is the durable Log backed by Postgres. The sequence allocation
// takes a row lock on the partition's counter, so concurrent appends to the
// same partition serialize and a rolled-back transaction leaves no gap.
type PostgresLog struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresLog creates a Postgres-backed log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *PostgresLog) WithClock(clock func() time.Time) *PostgresLog {
	l.clock = clock
	return l
}

// Init creates the schema.
func (l *PostgresLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("wal: init schema: %w", err)
	}
	return nil
}

// Append writes a record in its own transaction.
func (l *PostgresLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: begin append: %w", err)
	}
	entry, err := l.AppendTx(ctx, tx, rec)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("wal: commit append: %w", err)
	}
	return entry, nil
}

// AppendTx writes a record inside a caller-owned transaction. The terminal
// commit uses this to pair the final entry with outbox enqueues atomically.
func (l *PostgresLog) AppendTx(ctx context.Context, tx *sql.Tx, rec Record) (*Entry, error) {
	if rec.TenantID == "" {
		return nil, fmt.Errorf("wal: record missing tenant_id")
	}
	raw, hash, err := encodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("wal: encode payload: %w", err)
	}

	now := l.clock().UTC()
	key := PartitionKey(rec.TenantID, now)

	var seq uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wal_partitions (partition_key, next_seq) VALUES ($1, 2)
		ON CONFLICT (partition_key) DO UPDATE SET next_seq = wal_partitions.next_seq + 1
		RETURNING next_seq - 1
	`, key).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("wal: allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wal_entries
			(partition_key, sequence_id, tenant_id, execution_id, event_type, payload, payload_hash, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key, seq, rec.TenantID, rec.ExecutionID, string(rec.EventType), raw, hash, now)
	if err != nil {
		return nil, fmt.Errorf("wal: insert entry: %w", err)
	}

	return &Entry{
		TenantID:     rec.TenantID,
		PartitionKey: key,
		SequenceID:   seq,
		ExecutionID:  rec.ExecutionID,
		EventType:    rec.EventType,
		Payload:      raw,
		PayloadHash:  hash,
		WrittenAt:    now,
	}, nil
}

// Replay returns entries of a partition with sequence >= fromSeq.
func (l *PostgresLog) Replay(ctx context.Context, partitionKey string, fromSeq uint64) ([]Entry, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wal_partitions WHERE partition_key = $1)`,
		partitionKey).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("wal: check partition: %w", err)
	}
	if !exists {
		return nil, ErrPartitionNotFound
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT partition_key, sequence_id, tenant_id, execution_id, event_type, payload, payload_hash, written_at
		FROM wal_entries
		WHERE partition_key = $1 AND sequence_id >= $2
		ORDER BY sequence_id ASC
	`, partitionKey, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("wal: replay: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ByExecution returns all entries for an execution across partitions.
func (l *PostgresLog) ByExecution(ctx context.Context, executionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT partition_key, sequence_id, tenant_id, execution_id, event_type, payload, payload_hash, written_at
		FROM wal_entries
		WHERE execution_id = $1
		ORDER BY written_at ASC, sequence_id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("wal: by execution: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Ack advances a group's offset; offsets never move backwards.
func (l *PostgresLog) Ack(ctx context.Context, group, partitionKey string, seq uint64) error {
	var head sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT next_seq - 1 FROM wal_partitions WHERE partition_key = $1`,
		partitionKey).Scan(&head)
	if err == sql.ErrNoRows {
		return ErrPartitionNotFound
	}
	if err != nil {
		return fmt.Errorf("wal: read head: %w", err)
	}
	if seq > uint64(head.Int64) {
		return fmt.Errorf("%w: seq %d, head %d", ErrAckBeyondHead, seq, head.Int64)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO wal_offsets (group_name, partition_key, acked_seq) VALUES ($1, $2, $3)
		ON CONFLICT (group_name, partition_key)
			DO UPDATE SET acked_seq = GREATEST(wal_offsets.acked_seq, EXCLUDED.acked_seq)
	`, group, partitionKey, seq)
	if err != nil {
		return fmt.Errorf("wal: ack: %w", err)
	}
	return nil
}

// Offset returns a group's acknowledged offset for a partition, 0 if none.
func (l *PostgresLog) Offset(ctx context.Context, group, partitionKey string) (uint64, error) {
	var seq uint64
	err := l.db.QueryRowContext(ctx,
		`SELECT acked_seq FROM wal_offsets WHERE group_name = $1 AND partition_key = $2`,
		group, partitionKey).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: read offset: %w", err)
	}
	return seq, nil
}

// Partitions lists every partition key, sorted.
func (l *PostgresLog) Partitions(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT partition_key FROM wal_partitions ORDER BY partition_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("wal: list partitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("wal: scan partition: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Trim removes the oldest entries of a partition beyond keep, bounded by the
// lowest acknowledged group offset.
func (l *PostgresLog) Trim(ctx context.Context, partitionKey string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("wal: keep must be non-negative")
	}

	var head sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT next_seq - 1 FROM wal_partitions WHERE partition_key = $1`,
		partitionKey).Scan(&head)
	if err == sql.ErrNoRows {
		return 0, ErrPartitionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("wal: read head: %w", err)
	}

	// Trim boundary: everything strictly below cutoff goes, where cutoff is
	// capped by the lowest acked offset so no group loses unprocessed entries.
	cutoff := head.Int64 - int64(keep) + 1
	var lowest sql.NullInt64
	err = l.db.QueryRowContext(ctx,
		`SELECT MIN(acked_seq) FROM wal_offsets WHERE partition_key = $1`,
		partitionKey).Scan(&lowest)
	if err != nil {
		return 0, fmt.Errorf("wal: read group offsets: %w", err)
	}
	if lowest.Valid && lowest.Int64+1 < cutoff {
		cutoff = lowest.Int64 + 1
	}
	if cutoff <= 1 {
		return 0, nil
	}

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM wal_entries WHERE partition_key = $1 AND sequence_id < $2`,
		partitionKey, cutoff)
	if err != nil {
		return 0, fmt.Errorf("wal: trim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wal: trim rows affected: %w", err)
	}
	return int(n), nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	//nolint:prealloc // result count unknown from SQL query
	var out []Entry
	for rows.Next() {
		var e Entry
		var eventType string
		if err := rows.Scan(&e.PartitionKey, &e.SequenceID, &e.TenantID, &e.ExecutionID,
			&eventType, &e.Payload, &e.PayloadHash, &e.WrittenAt); err != nil {
			return nil, fmt.Errorf("wal: scan entry: %w", err)
		}
		e.EventType = EventType(eventType)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
