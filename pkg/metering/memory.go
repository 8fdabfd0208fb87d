package metering

import (
	"context"
	"sync"
	"time"
)

// MemoryMeter is the in-memory Meter for tests and single-node deployments.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *MemoryMeter) WithClock(clock func() time.Time) *MemoryMeter {
	m.clock = clock
	return m
}

// Record stores a usage event.
func (m *MemoryMeter) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// RecordBatch stores multiple events; validation failures reject the batch.
func (m *MemoryMeter) RecordBatch(_ context.Context, events []Event) error {
	now := m.clock().UTC()
	batch := make([]Event, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		batch = append(batch, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, batch...)
	return nil
}

// GetUsage retrieves aggregated usage for all event types.
func (m *MemoryMeter) GetUsage(_ context.Context, tenantID string, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: m.clock().UTC(),
	}
	for _, e := range m.events {
		if e.TenantID == tenantID && !e.Timestamp.Before(period.Start) && e.Timestamp.Before(period.End) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}
	return usage, nil
}

// GetUsageByType retrieves usage for a specific event type.
func (m *MemoryMeter) GetUsageByType(ctx context.Context, tenantID string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, tenantID, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
