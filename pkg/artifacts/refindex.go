package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/regentlabs/regent/pkg/state"
)

// RefIndex persists artifact references so they survive process restarts.
// The blob payloads are already durable; without the index the references
// pointing at them would only live in memory.
type RefIndex interface {
	Save(ctx context.Context, ref Ref) error
	Load(ctx context.Context, artifactID, tenantID string) (*Ref, error)
}

// ColdRefIndex keeps references in the cold state tier, keyed per tenant
// under a reserved session so they never collide with execution state.
type ColdRefIndex struct {
	cold state.ColdStore
}

// NewColdRefIndex creates an index over a cold store.
func NewColdRefIndex(cold state.ColdStore) *ColdRefIndex {
	return &ColdRefIndex{cold: cold}
}

func refKey(tenantID, artifactID string) state.Key {
	return state.Key{TenantID: tenantID, SessionID: "artifacts", Name: "artifact-ref/" + artifactID}
}

// Save writes the reference record.
func (i *ColdRefIndex) Save(ctx context.Context, ref Ref) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("artifacts: encode ref: %w", err)
	}
	err = i.cold.Put(ctx, state.Entry{
		Key:      refKey(ref.TenantID, ref.ArtifactID),
		Value:    raw,
		StoredAt: ref.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("artifacts: save ref: %w", err)
	}
	return nil
}

// Load reads a reference. The tenant is part of the key, so another
// tenant's artifact reads as missing.
func (i *ColdRefIndex) Load(ctx context.Context, artifactID, tenantID string) (*Ref, error) {
	e, err := i.cold.Get(ctx, refKey(tenantID, artifactID))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: load ref: %w", err)
	}
	var ref Ref
	if err := json.Unmarshal(e.Value, &ref); err != nil {
		return nil, fmt.Errorf("artifacts: decode ref: %w", err)
	}
	return &ref, nil
}
