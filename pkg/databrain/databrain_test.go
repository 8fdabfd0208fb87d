package databrain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRegisterAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.RegisterReference(ctx, Reference{
		ReferenceID:   "doc-1",
		ReferenceType: "document",
		TenantID:      "t1",
		ExecutionID:   "e1",
		Metadata:      map[string]any{"source": "upload"},
	})
	require.NoError(t, err)

	ref, err := s.GetReference(ctx, "t1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "document", ref.ReferenceType)
	assert.False(t, ref.RegisteredAt.IsZero())

	// Wrong tenant never sees it.
	_, err = s.GetReference(ctx, "t2", "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLineage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterReference(ctx, Reference{
		ReferenceID: "report-1", ReferenceType: "report", TenantID: "t1", ExecutionID: "e2",
	}))
	require.NoError(t, s.TrackProvenance(ctx, ProvenanceEdge{
		ReferenceID: "report-1", ExecutionID: "e2", SourceIDs: []string{"doc-1", "doc-2"},
	}))

	edges, err := s.Lineage(ctx, "t1", "report-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, []string{"doc-1", "doc-2"}, edges[0].SourceIDs)
	assert.Equal(t, "e2", edges[0].ExecutionID)
}

func TestMemoryStoreRejectsIncomplete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.Error(t, s.RegisterReference(ctx, Reference{ReferenceID: "x"}))
	assert.Error(t, s.TrackProvenance(ctx, ProvenanceEdge{ReferenceID: "x"}))
}
