package wal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// partition holds one ordering domain. Its mutex serializes appends so the
// sequence stays gap-free even under concurrent writers.
type partition struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
}

// MemoryLog is the in-memory reference implementation of Log.
type MemoryLog struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	offsets    map[string]map[string]uint64 // group -> partition -> acked seq
	clock      func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[string]*partition),
		offsets:    make(map[string]map[string]uint64),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) getPartition(key string) *partition {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.partitions[key]
	if !ok {
		p = &partition{nextSeq: 1}
		l.partitions[key] = p
	}
	return p
}

// Append writes a record to the tenant's current partition.
func (l *MemoryLog) Append(_ context.Context, rec Record) (*Entry, error) {
	if rec.TenantID == "" {
		return nil, fmt.Errorf("wal: record missing tenant_id")
	}
	raw, hash, err := encodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("wal: encode payload: %w", err)
	}

	now := l.clock().UTC()
	key := PartitionKey(rec.TenantID, now)
	p := l.getPartition(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry := Entry{
		TenantID:     rec.TenantID,
		PartitionKey: key,
		SequenceID:   p.nextSeq,
		ExecutionID:  rec.ExecutionID,
		EventType:    rec.EventType,
		Payload:      raw,
		PayloadHash:  hash,
		WrittenAt:    now,
	}
	p.entries = append(p.entries, entry)
	p.nextSeq++

	out := entry
	return &out, nil
}

// Replay returns entries of a partition with sequence >= fromSeq.
func (l *MemoryLog) Replay(_ context.Context, partitionKey string, fromSeq uint64) ([]Entry, error) {
	l.mu.RLock()
	p, ok := l.partitions[partitionKey]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrPartitionNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.SequenceID >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByExecution collects all entries for an execution across partitions.
func (l *MemoryLog) ByExecution(_ context.Context, executionID string) ([]Entry, error) {
	l.mu.RLock()
	parts := make([]*partition, 0, len(l.partitions))
	for _, p := range l.partitions {
		parts = append(parts, p)
	}
	l.mu.RUnlock()

	var out []Entry
	for _, p := range parts {
		p.mu.Lock()
		for _, e := range p.entries {
			if e.ExecutionID == executionID {
				out = append(out, e)
			}
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WrittenAt.Equal(out[j].WrittenAt) {
			return out[i].WrittenAt.Before(out[j].WrittenAt)
		}
		return out[i].SequenceID < out[j].SequenceID
	})
	return out, nil
}

// Ack advances a group's offset for a partition. Offsets never move backwards.
func (l *MemoryLog) Ack(_ context.Context, group, partitionKey string, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.partitions[partitionKey]
	if !ok {
		return ErrPartitionNotFound
	}
	p.mu.Lock()
	head := p.nextSeq - 1
	p.mu.Unlock()
	if seq > head {
		return fmt.Errorf("%w: seq %d, head %d", ErrAckBeyondHead, seq, head)
	}

	groupOffsets, ok := l.offsets[group]
	if !ok {
		groupOffsets = make(map[string]uint64)
		l.offsets[group] = groupOffsets
	}
	if seq > groupOffsets[partitionKey] {
		groupOffsets[partitionKey] = seq
	}
	return nil
}

// Offset returns a group's acknowledged offset for a partition, 0 if none.
func (l *MemoryLog) Offset(_ context.Context, group, partitionKey string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offsets[group][partitionKey], nil
}

// Partitions lists every partition key, sorted.
func (l *MemoryLog) Partitions(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.partitions))
	for key := range l.partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Trim drops the oldest entries of a partition down to keep, never removing
// an entry some consumer group has not acknowledged.
func (l *MemoryLog) Trim(_ context.Context, partitionKey string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("wal: keep must be non-negative")
	}

	l.mu.Lock()
	p, ok := l.partitions[partitionKey]
	if !ok {
		l.mu.Unlock()
		return 0, ErrPartitionNotFound
	}
	// Lowest acked offset across groups bounds how far trim may reach.
	lowest := uint64(0)
	first := true
	for _, groupOffsets := range l.offsets {
		if off, tracked := groupOffsets[partitionKey]; tracked {
			if first || off < lowest {
				lowest = off
				first = false
			}
		}
	}
	l.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) <= keep {
		return 0, nil
	}
	cut := len(p.entries) - keep // index of first retained entry
	if !first {
		// Entries with seq > lowest are unacked by some group.
		for cut > 0 && p.entries[cut-1].SequenceID > lowest {
			cut--
		}
	}
	if cut <= 0 {
		return 0, nil
	}
	p.entries = append([]Entry(nil), p.entries[cut:]...)
	return cut, nil
}
