package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/regentlabs/regent/pkg/databrain"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/wal"
)

// walJournal is the execution-scoped realm.Journal: every append lands in
// the write-ahead log attributed to the owning execution.
type walJournal struct {
	log         wal.Log
	tenantID    string
	executionID string
}

func (j *walJournal) Append(ctx context.Context, eventType string, payload map[string]any) error {
	_, err := j.log.Append(ctx, wal.Record{
		TenantID:    j.tenantID,
		ExecutionID: j.executionID,
		EventType:   wal.EventType(eventType),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: journal append: %w", err)
	}
	return nil
}

// hotScratch is the realm.Scratch over the hot state tier, scoped to the
// execution's tenant and session.
type hotScratch struct {
	surface     *state.Surface
	tenantID    string
	sessionID   string
	executionID string
}

func (s *hotScratch) key(name string) state.Key {
	return state.Key{TenantID: s.tenantID, SessionID: s.sessionID, Name: "scratch/" + name}
}

func (s *hotScratch) Get(ctx context.Context, name string) (any, bool, error) {
	e, err := s.surface.Get(ctx, s.key(name), state.TierHot)
	if errors.Is(err, state.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return nil, false, fmt.Errorf("lifecycle: corrupt scratch entry %q: %w", name, err)
	}
	return v, true, nil
}

func (s *hotScratch) Put(ctx context.Context, name string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal scratch entry %q: %w", name, err)
	}
	return s.surface.Put(ctx, state.Entry{
		Key:         s.key(name),
		Value:       raw,
		ExecutionID: s.executionID,
	}, state.TierHot, ttl)
}

// brainRecorder binds data brain calls to the owning execution: each call
// is persisted and then journaled so lineage is replayable from the log.
type brainRecorder struct {
	store       databrain.Store
	log         wal.Log
	tenantID    string
	executionID string
}

func (b *brainRecorder) RegisterReference(ctx context.Context, ref databrain.Reference) error {
	ref.TenantID = b.tenantID
	ref.ExecutionID = b.executionID
	if err := b.store.RegisterReference(ctx, ref); err != nil {
		return err
	}
	_, err := b.log.Append(ctx, wal.Record{
		TenantID:    b.tenantID,
		ExecutionID: b.executionID,
		EventType:   wal.EventReferenceRegistered,
		Payload: map[string]any{
			"reference_id":   ref.ReferenceID,
			"reference_type": ref.ReferenceType,
		},
	})
	if err != nil {
		return fmt.Errorf("lifecycle: journal reference: %w", err)
	}
	return nil
}

func (b *brainRecorder) TrackProvenance(ctx context.Context, edge databrain.ProvenanceEdge) error {
	edge.ExecutionID = b.executionID
	if err := b.store.TrackProvenance(ctx, edge); err != nil {
		return err
	}
	_, err := b.log.Append(ctx, wal.Record{
		TenantID:    b.tenantID,
		ExecutionID: b.executionID,
		EventType:   wal.EventProvenanceTracked,
		Payload: map[string]any{
			"reference_id":         edge.ReferenceID,
			"source_reference_ids": edge.SourceIDs,
		},
	})
	if err != nil {
		return fmt.Errorf("lifecycle: journal provenance: %w", err)
	}
	return nil
}
