package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCold is the in-memory cold tier used as reference and in tests.
type MemoryCold struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
}

// NewMemoryCold creates an empty in-memory cold store.
func NewMemoryCold() *MemoryCold {
	return &MemoryCold{
		entries: make(map[string]Entry),
		clock:   time.Now,
	}
}

// Get returns an entry or ErrNotFound.
func (s *MemoryCold) Get(_ context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	out := e
	return &out, nil
}

// Put upserts an entry.
func (s *MemoryCold) Put(_ context.Context, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = s.clock().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key.String()] = e
	return nil
}

// PutIfAbsent inserts an entry unless the key is taken.
func (s *MemoryCold) PutIfAbsent(_ context.Context, e Entry) error {
	if e.StoredAt.IsZero() {
		e.StoredAt = s.clock().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Key.String()]; ok {
		return ErrAlreadyExists
	}
	s.entries[e.Key.String()] = e
	return nil
}

// Delete removes an entry.
func (s *MemoryCold) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key.String()]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key.String())
	return nil
}

// ByTenant returns a tenant's entries, newest first.
func (s *MemoryCold) ByTenant(_ context.Context, tenantID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Key.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ByExecution returns entries written by an execution, newest first.
func (s *MemoryCold) ByExecution(_ context.Context, executionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].StoredAt.After(entries[j].StoredAt)
		}
		return entries[i].Key.String() < entries[j].Key.String()
	})
}
