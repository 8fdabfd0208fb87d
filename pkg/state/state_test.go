package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/pkg/tenants"
)

func newTestSurface(opts ...SurfaceOption) (*Surface, *MemoryHot, *MemoryCold) {
	hot := NewMemoryHot(0)
	cold := NewMemoryCold()
	return NewSurface(hot, cold, tenants.NewGuard(), opts...), hot, cold
}

func entry(tenant, session, name, value string) Entry {
	return Entry{
		Key:   Key{TenantID: tenant, SessionID: session, Name: name},
		Value: json.RawMessage(value),
	}
}

func TestSurfacePutGetHot(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	e := entry("acme", "sess-1", "draft", `{"v":1}`)
	require.NoError(t, s.Put(ctx, e, TierHot, time.Minute))

	got, err := s.Get(ctx, e.Key, TierHot)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.Value))

	// Not in cold.
	_, err = s.Get(ctx, e.Key, TierCold)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSurfaceHotRequiresTTL(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	err := s.Put(ctx, entry("acme", "sess-1", "draft", `{}`), TierHot, 0)
	assert.ErrorIs(t, err, ErrTTLRequired)
}

func TestSurfaceHotTTLCeilingClamps(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHot(0)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	hot.WithClock(func() time.Time { return now })
	s := NewSurface(hot, NewMemoryCold(), tenants.NewGuard(), WithHotTTLCeiling(time.Minute))

	e := entry("acme", "sess-1", "draft", `{}`)
	require.NoError(t, s.Put(ctx, e, TierHot, time.Hour))

	// Past the ceiling the entry is gone even though an hour was requested.
	now = now.Add(2 * time.Minute)
	_, err := s.Get(ctx, e.Key, TierHot)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSurfaceTierAnyFallsThrough(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	e := entry("acme", "sess-1", "result", `{"from":"cold"}`)
	require.NoError(t, s.Put(ctx, e, TierCold, 0))

	got, err := s.Get(ctx, e.Key, TierAny)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"cold"}`, string(got.Value))

	// Hot copy shadows cold for TierAny.
	hotCopy := entry("acme", "sess-1", "result", `{"from":"hot"}`)
	require.NoError(t, s.Put(ctx, hotCopy, TierHot, time.Minute))
	got, err = s.Get(ctx, e.Key, TierAny)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"hot"}`, string(got.Value))
}

func TestSurfacePromoteCopiesHotToCold(t *testing.T) {
	ctx := context.Background()
	s, _, cold := newTestSurface()

	e := entry("acme", "sess-1", "draft", `{"v":2}`)
	e.ExecutionID = "exec-1"
	require.NoError(t, s.Put(ctx, e, TierHot, time.Minute))
	require.NoError(t, s.Promote(ctx, e.Key))

	got, err := cold.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Value))
	assert.Equal(t, "exec-1", got.ExecutionID)
}

func TestSurfacePutIfAbsentClaimsOnce(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	e := entry("acme", "sess-1", "idem/k1", `{"execution_id":"e1"}`)
	require.NoError(t, s.PutIfAbsent(ctx, e))

	second := entry("acme", "sess-1", "idem/k1", `{"execution_id":"e2"}`)
	assert.ErrorIs(t, s.PutIfAbsent(ctx, second), ErrAlreadyExists)

	// The first claim survives the losing write.
	got, err := s.Get(ctx, e.Key, TierCold)
	require.NoError(t, err)
	assert.JSONEq(t, `{"execution_id":"e1"}`, string(got.Value))
}

func TestSurfaceByExecutionFiltersTenant(t *testing.T) {
	ctx := context.Background()
	s, _, cold := newTestSurface()

	mine := entry("acme", "sess-1", "execution/e1", `{"state":"COMPLETED"}`)
	mine.ExecutionID = "e1"
	require.NoError(t, cold.Put(ctx, mine))

	other := entry("rival", "sess-9", "stolen", `{}`)
	other.ExecutionID = "e1"
	require.NoError(t, cold.Put(ctx, other))

	entries, err := s.ByExecution(ctx, "acme", "e1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "execution/e1", entries[0].Key.Name)
}

func TestSurfaceRejectsCrossTenantSession(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	require.NoError(t, s.Put(ctx, entry("acme", "sess-1", "draft", `{}`), TierCold, 0))

	// Another tenant addressing the same session is refused.
	_, err := s.Get(ctx, Key{TenantID: "globex", SessionID: "sess-1", Name: "draft"}, TierAny)
	assert.Error(t, err)
}

func TestSurfaceValidatesKey(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	_, err := s.Get(ctx, Key{TenantID: "acme"}, TierAny)
	assert.Error(t, err)

	err = s.Put(ctx, Entry{Key: Key{SessionID: "s", Name: "n"}}, TierCold, 0)
	assert.Error(t, err)
}

func TestSurfaceRejectsUnknownTier(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestSurface()

	_, err := s.Get(ctx, Key{TenantID: "a", SessionID: "s", Name: "n"}, Tier("warm"))
	assert.ErrorIs(t, err, ErrBadTier)
}

func TestMemoryHotExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	hot := NewMemoryHot(0).WithClock(func() time.Time { return now })

	e := entry("acme", "sess-1", "draft", `{}`)
	require.NoError(t, hot.Put(ctx, e, time.Minute))

	_, err := hot.Get(ctx, e.Key)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = hot.Get(ctx, e.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryColdQueries(t *testing.T) {
	ctx := context.Background()
	cold := NewMemoryCold()

	a := entry("acme", "sess-1", "one", `{}`)
	a.ExecutionID = "exec-1"
	a.StoredAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	b := entry("acme", "sess-1", "two", `{}`)
	b.ExecutionID = "exec-2"
	b.StoredAt = a.StoredAt.Add(time.Second)
	c := entry("globex", "sess-9", "one", `{}`)
	c.StoredAt = a.StoredAt.Add(2 * time.Second)

	for _, e := range []Entry{a, b, c} {
		require.NoError(t, cold.Put(ctx, e))
	}

	byTenant, err := cold.ByTenant(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, byTenant, 2)
	assert.Equal(t, "two", byTenant[0].Key.Name, "newest first")

	byExec, err := cold.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, byExec, 1)
	assert.Equal(t, "one", byExec[0].Key.Name)
}
