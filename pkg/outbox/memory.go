package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory reference implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	clock  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Enqueue adds a pending event. Re-enqueueing an existing ID is a no-op so a
// retried terminal commit stays idempotent.
func (s *MemoryStore) Enqueue(_ context.Context, ev *Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("outbox: event missing event_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.EventID]; exists {
		return nil
	}
	stored := *ev
	stored.Status = StatusPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock().UTC()
	}
	if stored.NextAttemptAt.IsZero() {
		stored.NextAttemptAt = stored.CreatedAt
	}
	s.events[ev.EventID] = &stored
	return nil
}

// PendingScan returns due pending events, oldest first.
func (s *MemoryStore) PendingScan(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock().UTC()
	out := make([]Event, 0, limit)
	for _, ev := range s.events {
		if ev.Status == StatusPending && !ev.NextAttemptAt.After(now) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished transitions an event to published.
func (s *MemoryStore) MarkPublished(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = StatusPublished
	ev.LastError = ""
	return nil
}

// MarkRetry records a failed attempt.
func (s *MemoryStore) MarkRetry(_ context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Attempts = attempts
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = lastErr
	return nil
}

// Abandon marks an event abandoned.
func (s *MemoryStore) Abandon(_ context.Context, eventID string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = StatusAbandoned
	ev.LastError = lastErr
	return nil
}

// ByExecution returns all events for an execution, oldest first.
func (s *MemoryStore) ByExecution(_ context.Context, executionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}
