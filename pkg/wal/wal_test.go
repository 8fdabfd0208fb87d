package wal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryAppendSequencesPerPartition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	for i := 0; i < 3; i++ {
		e, err := log.Append(ctx, Record{
			TenantID:    "acme",
			ExecutionID: "exec-1",
			EventType:   EventIntentAccepted,
			Payload:     map[string]any{"n": i},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), e.SequenceID)
		assert.Equal(t, "acme:2026-03-14", e.PartitionKey)
	}

	// Another tenant starts its own sequence.
	e, err := log.Append(ctx, Record{TenantID: "globex", ExecutionID: "exec-2", EventType: EventIntentAccepted})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.SequenceID)
	assert.Equal(t, "globex:2026-03-14", e.PartitionKey)
}

func TestMemoryAppendConcurrentGapFree(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.Append(ctx, Record{
				TenantID:    "acme",
				ExecutionID: fmt.Sprintf("exec-%d", i),
				EventType:   EventHandlerDispatched,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := log.Replay(ctx, "acme:2026-03-14", 1)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.SequenceID, "sequence must be gap-free")
	}
}

func TestMemoryReplayFromOffset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, Record{TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced})
		require.NoError(t, err)
	}

	entries, err := log.Replay(ctx, "acme:2026-03-14", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].SequenceID)

	_, err = log.Replay(ctx, "missing:2026-03-14", 1)
	assert.ErrorIs(t, err, ErrPartitionNotFound)
}

func TestMemoryByExecution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	_, err := log.Append(ctx, Record{TenantID: "acme", ExecutionID: "exec-a", EventType: EventIntentAccepted})
	require.NoError(t, err)
	_, err = log.Append(ctx, Record{TenantID: "acme", ExecutionID: "exec-b", EventType: EventIntentAccepted})
	require.NoError(t, err)
	_, err = log.Append(ctx, Record{TenantID: "acme", ExecutionID: "exec-a", EventType: EventExecutionCompleted})
	require.NoError(t, err)

	entries, err := log.ByExecution(ctx, "exec-a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventIntentAccepted, entries[0].EventType)
	assert.Equal(t, EventExecutionCompleted, entries[1].EventType)
}

func TestMemoryPartitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	parts, err := log.Partitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)

	_, err = log.Append(ctx, Record{TenantID: "globex", ExecutionID: "e1", EventType: EventIntentAccepted})
	require.NoError(t, err)
	_, err = log.Append(ctx, Record{TenantID: "acme", ExecutionID: "e2", EventType: EventIntentAccepted})
	require.NoError(t, err)

	parts, err = log.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme:2026-03-14", "globex:2026-03-14"}, parts)
}

func TestMemoryAckAndOffset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))
	part := "acme:2026-03-14"

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, Record{TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced})
		require.NoError(t, err)
	}

	off, err := log.Offset(ctx, "projector", part)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	require.NoError(t, log.Ack(ctx, "projector", part, 3))
	off, err = log.Offset(ctx, "projector", part)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), off)

	// Offsets never regress.
	require.NoError(t, log.Ack(ctx, "projector", part, 2))
	off, err = log.Offset(ctx, "projector", part)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), off)

	// Cannot ack beyond the head.
	err = log.Ack(ctx, "projector", part, 10)
	assert.ErrorIs(t, err, ErrAckBeyondHead)
}

func TestMemoryTrimRespectsRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))
	part := "acme:2026-03-14"

	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, Record{TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced})
		require.NoError(t, err)
	}

	removed, err := log.Trim(ctx, part, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	entries, err := log.Replay(ctx, part, 1)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, uint64(7), entries[0].SequenceID)
}

func TestMemoryTrimBoundedByUnackedGroup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))
	part := "acme:2026-03-14"

	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, Record{TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced})
		require.NoError(t, err)
	}

	// A slow group has only acked up to 2; trim wants to keep the last 4 but
	// must not remove entries 3..6.
	require.NoError(t, log.Ack(ctx, "slow", part, 2))
	require.NoError(t, log.Ack(ctx, "fast", part, 9))

	removed, err := log.Trim(ctx, part, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := log.Replay(ctx, part, 1)
	require.NoError(t, err)
	require.Len(t, entries, 8)
	assert.Equal(t, uint64(3), entries[0].SequenceID)
}

func TestPayloadHashDeterministic(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	log := NewMemoryLog().WithClock(fixedClock(now))

	a, err := log.Append(ctx, Record{
		TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced,
		Payload: map[string]any{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	b, err := log.Append(ctx, Record{
		TenantID: "acme", ExecutionID: "e", EventType: EventArtifactProduced,
		Payload: map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, a.PayloadHash, b.PayloadHash, "key order must not change the hash")
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventExecutionCompleted.Terminal())
	assert.True(t, EventExecutionFailed.Terminal())
	assert.True(t, EventExecutionCancelled.Terminal())
	assert.False(t, EventIntentAccepted.Terminal())
	assert.False(t, EventArtifactProduced.Terminal())
}
