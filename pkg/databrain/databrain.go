// Package databrain records opaque references to externally-stored data
// and the provenance edges between them. The runtime does not validate
// the semantics of either; it only guarantees both are recorded within
// the lifecycle of a specific execution so failures are attributable.
package databrain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a reference does not exist.
var ErrNotFound = errors.New("databrain: reference not found")

// Reference is an opaque pointer to externally-stored data.
type Reference struct {
	ReferenceID   string         `json:"reference_id"`
	ReferenceType string         `json:"reference_type"`
	TenantID      string         `json:"tenant_id"`
	ExecutionID   string         `json:"execution_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
}

// ProvenanceEdge records lineage: a reference derived from source references.
type ProvenanceEdge struct {
	ReferenceID  string         `json:"reference_id"`
	ExecutionID  string         `json:"execution_id"`
	SourceIDs    []string       `json:"source_reference_ids"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Recorder is the handler-facing surface, reached through the execution
// context so every call is tied to an execution.
type Recorder interface {
	RegisterReference(ctx context.Context, ref Reference) error
	TrackProvenance(ctx context.Context, edge ProvenanceEdge) error
}

// Store adds the read side used by audit and lineage queries.
type Store interface {
	Recorder
	GetReference(ctx context.Context, tenantID, referenceID string) (Reference, error)
	// Lineage returns the provenance edges that produced referenceID,
	// most recent first.
	Lineage(ctx context.Context, tenantID, referenceID string) ([]ProvenanceEdge, error)
}
