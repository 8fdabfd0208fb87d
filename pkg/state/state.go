// Package state is the two-tier state surface: a hot tier of TTL'd working
// state and a cold tier of durable records. Handlers and the engine address
// both through the Surface facade, which asserts tenant scoping on every
// access.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/regentlabs/regent/pkg/tenants"
)

// Tier selects a storage tier.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
	// TierAny reads check the hot tier first, then fall through to cold.
	TierAny Tier = "any"
)

var (
	// ErrNotFound is returned when a key is absent (or expired, for hot).
	ErrNotFound = errors.New("state: not found")
	// ErrAlreadyExists is returned by PutIfAbsent when the key is taken.
	ErrAlreadyExists = errors.New("state: key already exists")
	// ErrTTLRequired is returned for hot writes without a positive TTL.
	ErrTTLRequired = errors.New("state: hot tier writes require a ttl")
	// ErrBadTier is returned for an unsupported tier selector.
	ErrBadTier = errors.New("state: unsupported tier")
)

// Key addresses one state record. Keys are tenant-scoped; the session is the
// isolation unit the Surface asserts ownership of.
type Key struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

func (k Key) String() string {
	return k.TenantID + "/" + k.SessionID + "/" + k.Name
}

func (k Key) validate() error {
	if k.TenantID == "" || k.SessionID == "" || k.Name == "" {
		return fmt.Errorf("state: key requires tenant_id, session_id and name")
	}
	return nil
}

// Entry is one stored record.
type Entry struct {
	Key         Key             `json:"key"`
	Value       json.RawMessage `json:"value"`
	ExecutionID string          `json:"execution_id,omitempty"`
	StoredAt    time.Time       `json:"stored_at"`
}

// HotStore holds working state with mandatory expiry.
type HotStore interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
}

// ColdStore holds durable state, queryable by tenant and execution.
type ColdStore interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	// PutIfAbsent inserts only when the key is free; an occupied key
	// returns ErrAlreadyExists. The check and insert are one atomic step,
	// also across processes sharing a durable backend.
	PutIfAbsent(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key Key) error
	ByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error)
	ByExecution(ctx context.Context, executionID string) ([]Entry, error)
}

// Surface is the facade over both tiers.
type Surface struct {
	hot        HotStore
	cold       ColdStore
	guard      *tenants.Guard
	ttlCeiling time.Duration
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithHotTTLCeiling caps hot-tier TTLs; longer requests are clamped.
func WithHotTTLCeiling(d time.Duration) SurfaceOption {
	return func(s *Surface) { s.ttlCeiling = d }
}

// NewSurface creates a facade over the given tiers. The guard records
// session ownership and rejects cross-tenant access.
func NewSurface(hot HotStore, cold ColdStore, guard *tenants.Guard, opts ...SurfaceOption) *Surface {
	s := &Surface{hot: hot, cold: cold, guard: guard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Surface) assertTenant(key Key) error {
	resource := "session:" + key.SessionID
	if err := s.guard.Check(key.TenantID, resource); err != nil {
		return err
	}
	// First access claims the session for the tenant.
	return s.guard.Register(key.TenantID, resource)
}

// Get reads a key from the selected tier. TierAny checks hot then cold.
func (s *Surface) Get(ctx context.Context, key Key, tier Tier) (*Entry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if err := s.assertTenant(key); err != nil {
		return nil, err
	}
	switch tier {
	case TierHot:
		return s.hot.Get(ctx, key)
	case TierCold:
		return s.cold.Get(ctx, key)
	case TierAny:
		e, err := s.hot.Get(ctx, key)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return s.cold.Get(ctx, key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadTier, tier)
	}
}

// Put writes a key to the selected tier. Hot writes require a positive TTL,
// clamped to the configured ceiling.
func (s *Surface) Put(ctx context.Context, e Entry, tier Tier, ttl time.Duration) error {
	if err := e.Key.validate(); err != nil {
		return err
	}
	if err := s.assertTenant(e.Key); err != nil {
		return err
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	switch tier {
	case TierHot:
		if ttl <= 0 {
			return ErrTTLRequired
		}
		if s.ttlCeiling > 0 && ttl > s.ttlCeiling {
			ttl = s.ttlCeiling
		}
		return s.hot.Put(ctx, e, ttl)
	case TierCold:
		return s.cold.Put(ctx, e)
	default:
		return fmt.Errorf("%w: %q", ErrBadTier, tier)
	}
}

// PutIfAbsent writes a cold entry only when the key is free, returning
// ErrAlreadyExists otherwise. Used for records that must have exactly one
// writer, like idempotency claims.
func (s *Surface) PutIfAbsent(ctx context.Context, e Entry) error {
	if err := e.Key.validate(); err != nil {
		return err
	}
	if err := s.assertTenant(e.Key); err != nil {
		return err
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	return s.cold.PutIfAbsent(ctx, e)
}

// ByExecution returns the cold entries an execution wrote, restricted to
// the requesting tenant's records.
func (s *Surface) ByExecution(ctx context.Context, tenantID, executionID string) ([]Entry, error) {
	entries, err := s.cold.ByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Key.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Promote copies a hot entry into the cold tier. The hot copy stays until it
// expires.
func (s *Surface) Promote(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := s.assertTenant(key); err != nil {
		return err
	}
	e, err := s.hot.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.cold.Put(ctx, *e)
}

// Delete removes a key from the selected tier. TierAny removes from both.
func (s *Surface) Delete(ctx context.Context, key Key, tier Tier) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := s.assertTenant(key); err != nil {
		return err
	}
	switch tier {
	case TierHot:
		return s.hot.Delete(ctx, key)
	case TierCold:
		return s.cold.Delete(ctx, key)
	case TierAny:
		if err := s.hot.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.cold.Delete(ctx, key)
	default:
		return fmt.Errorf("%w: %q", ErrBadTier, tier)
	}
}
