package artifacts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxArtifactSize caps a single artifact payload.
const MaxArtifactSize = 10 * 1024 * 1024 // 10MB

var (
	// ErrNotFound is returned for unknown artifact IDs and for artifacts
	// belonging to a different tenant.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrTooLarge is returned when a payload exceeds MaxArtifactSize.
	ErrTooLarge = fmt.Errorf("artifacts: payload exceeds %d bytes", MaxArtifactSize)
)

// Ref is the stored-artifact reference the engine keeps instead of the
// payload.
type Ref struct {
	ArtifactID  string            `json:"artifact_id"`
	TenantID    string            `json:"tenant_id"`
	Type        string            `json:"type"`
	ContentType string            `json:"content_type,omitempty"`
	StoragePath string            `json:"storage_path"`
	SizeBytes   int64             `json:"size_bytes"`
	Hash        string            `json:"hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store wraps a BlobStore with tenant-scoped references. Payloads are
// content-addressed in the blob backend; the reference index keys them by
// artifact ID and enforces tenant visibility.
type Store struct {
	blobs BlobStore
	index RefIndex
	mu    sync.RWMutex
	refs  map[string]Ref
	clock func() time.Time
}

// NewStore creates a reference store over a blob backend.
func NewStore(blobs BlobStore) *Store {
	return &Store{
		blobs: blobs,
		refs:  make(map[string]Ref),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithRefIndex adds a durable reference index. The in-memory map becomes a
// read-through cache; lookups missing it fall back to the index, so
// references stored before a restart stay retrievable.
func (s *Store) WithRefIndex(index RefIndex) *Store {
	s.index = index
	return s
}

// Store persists a payload and returns its reference. Identical payloads
// share a blob but get distinct references.
func (s *Store) Store(ctx context.Context, artifactType string, payload []byte, tenantID string, metadata map[string]string) (*Ref, error) {
	if artifactType == "" {
		return nil, fmt.Errorf("artifacts: missing artifact type")
	}
	if tenantID == "" {
		return nil, fmt.Errorf("artifacts: missing tenant_id")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("artifacts: missing payload")
	}
	if len(payload) > MaxArtifactSize {
		return nil, ErrTooLarge
	}

	hash, err := s.blobs.Put(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("artifacts: store blob: %w", err)
	}

	ref := Ref{
		ArtifactID:  uuid.NewString(),
		TenantID:    tenantID,
		Type:        artifactType,
		StoragePath: "blob://" + hash,
		SizeBytes:   int64(len(payload)),
		Hash:        hash,
		StoredAt:    s.clock().UTC(),
	}
	if ct, ok := metadata["content_type"]; ok {
		ref.ContentType = ct
	}
	if len(metadata) > 0 {
		ref.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			ref.Metadata[k] = v
		}
	}

	if s.index != nil {
		if err := s.index.Save(ctx, ref); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.refs[ref.ArtifactID] = ref
	s.mu.Unlock()

	out := ref
	return &out, nil
}

// lookup resolves a reference from the cache, falling back to the index.
func (s *Store) lookup(ctx context.Context, artifactID, tenantID string) (*Ref, error) {
	s.mu.RLock()
	ref, ok := s.refs[artifactID]
	s.mu.RUnlock()
	if ok && ref.TenantID == tenantID {
		out := ref
		return &out, nil
	}
	if s.index == nil {
		return nil, ErrNotFound
	}
	loaded, err := s.index.Load(ctx, artifactID, tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refs[loaded.ArtifactID] = *loaded
	s.mu.Unlock()
	return loaded, nil
}

// Retrieve returns a reference and its payload. Another tenant's artifact is
// indistinguishable from a missing one.
func (s *Store) Retrieve(ctx context.Context, artifactID, tenantID string) (*Ref, []byte, error) {
	ref, err := s.lookup(ctx, artifactID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	payload, err := s.blobs.Get(ctx, ref.Hash)
	if err != nil {
		return nil, nil, fmt.Errorf("artifacts: retrieve blob: %w", err)
	}
	return ref, payload, nil
}

// Describe returns a reference without fetching the payload.
func (s *Store) Describe(ctx context.Context, artifactID, tenantID string) (*Ref, error) {
	return s.lookup(ctx, artifactID, tenantID)
}
