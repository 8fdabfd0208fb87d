package databrain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the reference implementation, used in tests and
// single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	refs  map[string]Reference       // tenantID/referenceID → ref
	edges map[string][]ProvenanceEdge // tenantID/referenceID → edges
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:  make(map[string]Reference),
		edges: make(map[string][]ProvenanceEdge),
	}
}

func key(tenantID, referenceID string) string {
	return tenantID + "/" + referenceID
}

// RegisterReference records a reference. Re-registering the same ID for
// the same tenant overwrites metadata; the ID stays stable.
func (s *MemoryStore) RegisterReference(ctx context.Context, ref Reference) error {
	if ref.ReferenceID == "" || ref.TenantID == "" {
		return fmt.Errorf("databrain: reference_id and tenant_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.RegisteredAt.IsZero() {
		ref.RegisteredAt = time.Now().UTC()
	}
	s.refs[key(ref.TenantID, ref.ReferenceID)] = ref
	return nil
}

// TrackProvenance appends a lineage edge.
func (s *MemoryStore) TrackProvenance(ctx context.Context, edge ProvenanceEdge) error {
	if edge.ReferenceID == "" || edge.ExecutionID == "" {
		return fmt.Errorf("databrain: reference_id and execution_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if edge.RecordedAt.IsZero() {
		edge.RecordedAt = time.Now().UTC()
	}
	// Edges are stored under the owning reference's tenant when known.
	tenant := ""
	for _, ref := range s.refs {
		if ref.ReferenceID == edge.ReferenceID {
			tenant = ref.TenantID
			break
		}
	}
	k := key(tenant, edge.ReferenceID)
	s.edges[k] = append([]ProvenanceEdge{edge}, s.edges[k]...)
	return nil
}

// GetReference looks up a reference by tenant and ID.
func (s *MemoryStore) GetReference(ctx context.Context, tenantID, referenceID string) (Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.refs[key(tenantID, referenceID)]
	if !ok {
		return Reference{}, ErrNotFound
	}
	return ref, nil
}

// Lineage returns provenance edges for a reference, most recent first.
func (s *MemoryStore) Lineage(ctx context.Context, tenantID, referenceID string) ([]ProvenanceEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := s.edges[key(tenantID, referenceID)]
	out := make([]ProvenanceEdge, len(edges))
	copy(out, edges)
	return out, nil
}
