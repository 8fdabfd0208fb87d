package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/regentlabs/regent/pkg/outbox"
	"github.com/regentlabs/regent/pkg/wal"
)

// Committer writes an execution's terminal log entry and its outbox events
// as one atomic unit. After a crash either both are visible or neither is.
type Committer interface {
	CommitTerminal(ctx context.Context, rec wal.Record, events []*outbox.Event) (*wal.Entry, error)
}

// MemoryCommitter pairs the in-memory log and outbox under one lock. Both
// stores only fail on malformed input, which is validated before any write,
// so the pair cannot end up half-applied.
type MemoryCommitter struct {
	mu  sync.Mutex
	log *wal.MemoryLog
	box *outbox.MemoryStore
}

// NewMemoryCommitter creates a committer over in-memory backends.
func NewMemoryCommitter(log *wal.MemoryLog, box *outbox.MemoryStore) *MemoryCommitter {
	return &MemoryCommitter{log: log, box: box}
}

func (c *MemoryCommitter) CommitTerminal(ctx context.Context, rec wal.Record, events []*outbox.Event) (*wal.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range events {
		if ev.EventID == "" {
			return nil, fmt.Errorf("lifecycle: outbox event missing event_id")
		}
	}
	entry, err := c.log.Append(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: terminal append: %w", err)
	}
	for _, ev := range events {
		if err := c.box.Enqueue(ctx, ev); err != nil {
			return nil, fmt.Errorf("lifecycle: terminal enqueue: %w", err)
		}
	}
	return entry, nil
}

// SQLCommitter runs the terminal append and the outbox enqueues in a single
// database transaction.
type SQLCommitter struct {
	db  *sql.DB
	log *wal.PostgresLog
	box *outbox.PostgresStore
}

// NewSQLCommitter creates a committer over Postgres backends sharing db.
func NewSQLCommitter(db *sql.DB, log *wal.PostgresLog, box *outbox.PostgresStore) *SQLCommitter {
	return &SQLCommitter{db: db, log: log, box: box}
}

func (c *SQLCommitter) CommitTerminal(ctx context.Context, rec wal.Record, events []*outbox.Event) (*wal.Entry, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: begin terminal commit: %w", err)
	}

	entry, err := c.log.AppendTx(ctx, tx, rec)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lifecycle: terminal append: %w", err)
	}
	for _, ev := range events {
		if err := c.box.EnqueueTx(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("lifecycle: terminal enqueue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lifecycle: terminal commit: %w", err)
	}
	return entry, nil
}
