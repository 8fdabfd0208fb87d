package databrain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS brain_references (
	tenant_id TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	metadata JSONB,
	registered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, reference_id)
);

CREATE TABLE IF NOT EXISTS brain_provenance (
	id BIGSERIAL PRIMARY KEY,
	reference_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	source_ids TEXT[] NOT NULL,
	metadata JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS brain_provenance_ref_idx ON brain_provenance (reference_id);
`

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

// RegisterReference upserts a reference row.
func (s *PostgresStore) RegisterReference(ctx context.Context, ref Reference) error {
	if ref.ReferenceID == "" || ref.TenantID == "" {
		return fmt.Errorf("databrain: reference_id and tenant_id are required")
	}
	if ref.RegisteredAt.IsZero() {
		ref.RegisteredAt = time.Now().UTC()
	}
	meta, err := json.Marshal(ref.Metadata)
	if err != nil {
		return fmt.Errorf("databrain: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO brain_references (tenant_id, reference_id, reference_type, execution_id, metadata, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, reference_id)
		DO UPDATE SET reference_type = EXCLUDED.reference_type, metadata = EXCLUDED.metadata
	`
	_, err = s.db.ExecContext(ctx, query,
		ref.TenantID, ref.ReferenceID, ref.ReferenceType, ref.ExecutionID, meta, ref.RegisteredAt)
	if err != nil {
		return fmt.Errorf("databrain: register reference: %w", err)
	}
	return nil
}

// TrackProvenance appends a lineage edge.
func (s *PostgresStore) TrackProvenance(ctx context.Context, edge ProvenanceEdge) error {
	if edge.ReferenceID == "" || edge.ExecutionID == "" {
		return fmt.Errorf("databrain: reference_id and execution_id are required")
	}
	if edge.RecordedAt.IsZero() {
		edge.RecordedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(edge.Metadata)
	if err != nil {
		return fmt.Errorf("databrain: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO brain_provenance (reference_id, execution_id, source_ids, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query,
		edge.ReferenceID, edge.ExecutionID, pq.Array(edge.SourceIDs), meta, edge.RecordedAt)
	if err != nil {
		return fmt.Errorf("databrain: track provenance: %w", err)
	}
	return nil
}

// GetReference looks up one reference.
func (s *PostgresStore) GetReference(ctx context.Context, tenantID, referenceID string) (Reference, error) {
	query := `
		SELECT tenant_id, reference_id, reference_type, execution_id, metadata, registered_at
		FROM brain_references
		WHERE tenant_id = $1 AND reference_id = $2
	`
	row := s.db.QueryRowContext(ctx, query, tenantID, referenceID)

	var ref Reference
	var meta []byte
	err := row.Scan(&ref.TenantID, &ref.ReferenceID, &ref.ReferenceType, &ref.ExecutionID, &meta, &ref.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reference{}, ErrNotFound
	}
	if err != nil {
		return Reference{}, fmt.Errorf("databrain: get reference: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ref.Metadata); err != nil {
			return Reference{}, fmt.Errorf("databrain: corrupt metadata for %s: %w", referenceID, err)
		}
	}
	return ref, nil
}

// Lineage returns provenance edges for a reference, most recent first.
// The tenant filter joins through the reference table so an edge is only
// visible to the tenant owning the reference.
func (s *PostgresStore) Lineage(ctx context.Context, tenantID, referenceID string) ([]ProvenanceEdge, error) {
	query := `
		SELECT p.reference_id, p.execution_id, p.source_ids, p.metadata, p.recorded_at
		FROM brain_provenance p
		JOIN brain_references r ON r.reference_id = p.reference_id AND r.tenant_id = $1
		WHERE p.reference_id = $2
		ORDER BY p.recorded_at DESC, p.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, referenceID)
	if err != nil {
		return nil, fmt.Errorf("databrain: lineage query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []ProvenanceEdge
	for rows.Next() {
		var e ProvenanceEdge
		var meta []byte
		if err := rows.Scan(&e.ReferenceID, &e.ExecutionID, pq.Array(&e.SourceIDs), &meta, &e.RecordedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("databrain: corrupt edge metadata for %s: %w", referenceID, err)
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
