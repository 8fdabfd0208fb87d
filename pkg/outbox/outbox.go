// Package outbox implements the transactional outbox: events enqueued in the
// same atomic unit as the terminal log entry, drained by a decoupled
// publisher with at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status tracks an event's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusAbandoned Status = "abandoned"
)

// ErrNotFound is returned when an event ID is unknown.
var ErrNotFound = errors.New("outbox: event not found")

// Event is a pending external notification.
type Event struct {
	EventID       string          `json:"event_id"`
	ExecutionID   string          `json:"execution_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// Store persists outbox events. Enqueue happens inside the terminal commit;
// the remaining operations belong to the publisher.
type Store interface {
	// Enqueue adds a pending event.
	Enqueue(ctx context.Context, ev *Event) error

	// PendingScan returns up to limit pending events whose next attempt is
	// due, oldest first.
	PendingScan(ctx context.Context, limit int) ([]Event, error)

	// MarkPublished transitions an event to published.
	MarkPublished(ctx context.Context, eventID string) error

	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error

	// Abandon transitions an event to abandoned after attempts are exhausted.
	Abandon(ctx context.Context, eventID string, lastErr string) error

	// ByExecution returns all events for an execution, oldest first.
	ByExecution(ctx context.Context, executionID string) ([]Event, error)
}

// Sink receives published events. Implementations are external transports
// (message broker, webhook dispatcher); delivery is at-least-once.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
