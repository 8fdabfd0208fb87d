// Package wal implements the write-ahead log that records every externally
// visible state transition of an execution. Appends are the only mutation;
// entries within a partition carry a strictly increasing, gap-free sequence.
// Partitions are keyed by tenant and UTC day so tenants never share ordering
// domains and retention can operate per day.
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/regentlabs/regent/pkg/canonicalize"
)

// EventType classifies a log entry.
type EventType string

const (
	EventIntentAccepted      EventType = "intent_accepted"
	EventHandlerDispatched   EventType = "handler_dispatched"
	EventArtifactProduced    EventType = "artifact_produced"
	EventReferenceRegistered EventType = "reference_registered"
	EventProvenanceTracked   EventType = "provenance_tracked"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventExecutionCancelled  EventType = "execution_cancelled"
)

// Terminal reports whether the event type ends an execution's log stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

var (
	// ErrPartitionNotFound is returned when replaying an unknown partition.
	ErrPartitionNotFound = errors.New("wal: partition not found")
	// ErrAckBeyondHead is returned when a group acknowledges a sequence the
	// partition has not reached.
	ErrAckBeyondHead = errors.New("wal: ack beyond partition head")
)

// Record is the caller-supplied portion of an entry.
type Record struct {
	TenantID    string
	ExecutionID string
	EventType   EventType
	Payload     map[string]any
}

// Entry is an immutable, sequenced log entry.
type Entry struct {
	TenantID     string          `json:"tenant_id"`
	PartitionKey string          `json:"partition_key"`
	SequenceID   uint64          `json:"sequence_id"`
	ExecutionID  string          `json:"execution_id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	WrittenAt    time.Time       `json:"written_at"`
}

// PartitionKey derives the partition for a tenant at a point in time.
func PartitionKey(tenantID string, at time.Time) string {
	return tenantID + ":" + at.UTC().Format("2006-01-02")
}

// Log is the write-ahead log contract. Per-partition appends are serialized
// by implementations; appends to distinct partitions may run in parallel.
type Log interface {
	// Append writes a record and returns the sequenced entry.
	Append(ctx context.Context, rec Record) (*Entry, error)

	// Replay returns entries of a partition with sequence >= fromSeq, in order.
	Replay(ctx context.Context, partition string, fromSeq uint64) ([]Entry, error)

	// ByExecution returns all entries for an execution across partitions,
	// ordered by write time then sequence.
	ByExecution(ctx context.Context, executionID string) ([]Entry, error)

	// Ack records that a consumer group has processed a partition up to and
	// including seq. Offsets only move forward.
	Ack(ctx context.Context, group, partition string, seq uint64) error

	// Offset returns a group's acknowledged offset for a partition (0 when
	// the group has never acked it).
	Offset(ctx context.Context, group, partition string) (uint64, error)

	// Partitions lists every partition key the log has written to.
	Partitions(ctx context.Context) ([]string, error)

	// Trim removes the oldest entries of a partition beyond the retention
	// count, never past the lowest acknowledged group offset. Returns the
	// number of entries removed.
	Trim(ctx context.Context, partition string, keep int) (int, error)
}

// encodePayload canonicalizes a record payload and hashes it.
func encodePayload(payload map[string]any) (json.RawMessage, string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, "", err
	}
	return raw, canonicalize.HashBytes(raw), nil
}
