package state

import (
	"context"
	"sync"
	"time"
)

type hotEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryHot is the in-memory hot tier. Expired entries are dropped lazily on
// read and swept by a background janitor.
type MemoryHot struct {
	mu      sync.RWMutex
	entries map[string]hotEntry
	clock   func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryHot creates an in-memory hot store and starts its janitor.
func NewMemoryHot(sweepInterval time.Duration) *MemoryHot {
	s := &MemoryHot{
		entries: make(map[string]hotEntry),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.janitor(sweepInterval)
	}
	return s
}

// WithClock overrides the clock for testing.
func (s *MemoryHot) WithClock(clock func() time.Time) *MemoryHot {
	s.clock = clock
	return s
}

// Close stops the janitor.
func (s *MemoryHot) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryHot) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := s.clock()
			s.mu.Lock()
			for k, v := range s.entries {
				if now.After(v.expiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Get returns a live entry or ErrNotFound.
func (s *MemoryHot) Get(_ context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	h, ok := s.entries[key.String()]
	s.mu.RUnlock()

	if !ok || s.clock().After(h.expiresAt) {
		return nil, ErrNotFound
	}
	out := h.entry
	return &out, nil
}

// Put stores an entry with expiry.
func (s *MemoryHot) Put(_ context.Context, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrTTLRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Key.String()] = hotEntry{entry: e, expiresAt: s.clock().Add(ttl)}
	return nil
}

// Delete removes an entry.
func (s *MemoryHot) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key.String()]; !ok {
		return ErrNotFound
	}
	delete(s.entries, key.String())
	return nil
}
