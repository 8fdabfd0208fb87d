package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/realm"
	"github.com/regentlabs/regent/pkg/state"
)

func executionKey(id string) state.Key {
	return state.Key{TenantID: "acme", SessionID: "sess-1", Name: "execution/" + id}
}

func TestRecoveryRebuildsMissingRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reportRegistry(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	}), nil, nil)

	exec, err := h.manager.Execute(ctx, reportIntent(""))
	require.NoError(t, err)
	require.Equal(t, StateCompleted, exec.State)

	// Simulate a crash between the terminal commit and the record write:
	// the log holds the terminal entry but the cold projection is gone.
	require.NoError(t, h.surface.Delete(ctx, executionKey(exec.ExecutionID), state.TierCold))

	rec := NewRecovery(h.log, h.surface, nil)
	applied, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	e, err := h.surface.Get(ctx, executionKey(exec.ExecutionID), state.TierCold)
	require.NoError(t, err)
	var rebuilt Execution
	require.NoError(t, json.Unmarshal(e.Value, &rebuilt))
	assert.Equal(t, exec.ExecutionID, rebuilt.ExecutionID)
	assert.Equal(t, StateCompleted, rebuilt.State)
	assert.Equal(t, "acme", rebuilt.Intent.TenantID)
	assert.Equal(t, "report.generate", rebuilt.Intent.Type)
}

func TestRecoveryReplayTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reportRegistry(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return &realm.Output{}, nil
	}), nil, nil)

	exec, err := h.manager.Execute(ctx, reportIntent(""))
	require.NoError(t, err)
	require.NoError(t, h.surface.Delete(ctx, executionKey(exec.ExecutionID), state.TierCold))

	rec := NewRecovery(h.log, h.surface, nil)
	applied, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	// The offset advanced; a second pass finds nothing to consume.
	applied, err = rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	// A consumer under a fresh group re-reads the whole partition, but the
	// projection already exists, so nothing is rewritten.
	first, err := h.surface.Get(ctx, executionKey(exec.ExecutionID), state.TierCold)
	require.NoError(t, err)
	fresh := NewRecovery(h.log, h.surface, nil)
	fresh.group = "recovery-verify"
	applied, err = fresh.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	again, err := h.surface.Get(ctx, executionKey(exec.ExecutionID), state.TierCold)
	require.NoError(t, err)
	assert.Equal(t, string(first.Value), string(again.Value))
}

func TestRecoveryKeepsExistingRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, reportRegistry(t, func(context.Context, *realm.ExecutionContext) (*realm.Output, error) {
		return nil, errors.New("upstream down")
	}), nil, nil)

	exec, err := h.manager.Execute(ctx, reportIntent(""))
	require.NoError(t, err)
	require.Equal(t, StateFailed, exec.State)

	// The full record with its transition history is already durable;
	// recovery must not overwrite it with the thinner log projection.
	rec := NewRecovery(h.log, h.surface, nil)
	applied, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	e, err := h.surface.Get(ctx, executionKey(exec.ExecutionID), state.TierCold)
	require.NoError(t, err)
	var stored Execution
	require.NoError(t, json.Unmarshal(e.Value, &stored))
	require.NotNil(t, stored.Error)
	assert.Equal(t, fault.KindHandler, stored.Error.Kind)
	assert.NotEmpty(t, stored.Transitions)
}
