package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/intent"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/wal"
)

// recoveryGroup is the WAL consumer group tracking recovery progress.
const recoveryGroup = "recovery"

// Recovery rebuilds missing cold-tier execution records from the
// write-ahead log. The log is the source of truth; the durable record is a
// projection of its terminal entry, so a crash between the terminal commit
// and the record write leaves a gap this consumer closes. Progress is
// acknowledged through a consumer group and re-applying an entry is a
// no-op, so replaying a partition twice has the same effect as once.
type Recovery struct {
	log     wal.Log
	surface *state.Surface
	group   string
	logger  *slog.Logger
}

// NewRecovery creates a recovery consumer over the log and state surface.
func NewRecovery(log wal.Log, surface *state.Surface, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default().With("component", "lifecycle.recovery")
	}
	return &Recovery{log: log, surface: surface, group: recoveryGroup, logger: logger}
}

// Run replays every partition past the group's acknowledged offset and
// returns the number of execution records rebuilt.
func (r *Recovery) Run(ctx context.Context) (int, error) {
	partitions, err := r.log.Partitions(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindStorage, err, "list log partitions")
	}
	total := 0
	for _, partition := range partitions {
		n, err := r.ReplayPartition(ctx, partition)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		r.logger.Info("execution records rebuilt from log", "count", total)
	}
	return total, nil
}

// ReplayPartition consumes one partition from the group's offset, rebuilding
// the durable record for every terminal entry whose projection is missing.
func (r *Recovery) ReplayPartition(ctx context.Context, partition string) (int, error) {
	offset, err := r.log.Offset(ctx, r.group, partition)
	if err != nil {
		return 0, fault.Wrap(fault.KindStorage, err, "read recovery offset")
	}
	entries, err := r.log.Replay(ctx, partition, offset+1)
	if err != nil {
		if errors.Is(err, wal.ErrPartitionNotFound) {
			return 0, nil
		}
		return 0, fault.Wrap(fault.KindStorage, err, "replay partition "+partition)
	}

	applied := 0
	for _, e := range entries {
		if e.EventType.Terminal() {
			rebuilt, aerr := r.applyTerminal(ctx, e)
			if aerr != nil {
				return applied, aerr
			}
			if rebuilt {
				applied++
			}
		}
		if aerr := r.log.Ack(ctx, r.group, partition, e.SequenceID); aerr != nil {
			return applied, fault.Wrap(fault.KindStorage, aerr, "ack recovery progress")
		}
	}
	return applied, nil
}

// terminalPayload is the recorded outcome inside a terminal log entry.
type terminalPayload struct {
	State   string `json:"state"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// applyTerminal projects one terminal entry into the cold tier unless the
// record already exists.
func (r *Recovery) applyTerminal(ctx context.Context, e wal.Entry) (bool, error) {
	origin, err := r.origin(ctx, e.ExecutionID)
	if err != nil {
		return false, err
	}
	if origin == nil {
		// The accepted entry was trimmed away; without it there is no
		// session to key the record under.
		r.logger.Warn("terminal entry without an accepted entry, skipping",
			"execution_id", e.ExecutionID, "partition", e.PartitionKey)
		return false, nil
	}

	key := state.Key{
		TenantID:  e.TenantID,
		SessionID: origin.SessionID,
		Name:      "execution/" + e.ExecutionID,
	}
	if _, gerr := r.surface.Get(ctx, key, state.TierCold); gerr == nil {
		return false, nil
	} else if !errors.Is(gerr, state.ErrNotFound) {
		return false, fault.Wrap(fault.KindStorage, gerr, "check execution record")
	}

	var outcome terminalPayload
	if uerr := json.Unmarshal(e.Payload, &outcome); uerr != nil {
		return false, fault.Wrap(fault.KindStorage, uerr, "corrupt terminal entry")
	}

	exec := &Execution{
		ExecutionID: e.ExecutionID,
		Intent: &intent.Intent{
			ID:        origin.IntentID,
			Type:      origin.IntentType,
			TenantID:  e.TenantID,
			SessionID: origin.SessionID,
		},
		State:      State(outcome.State),
		StartedAt:  origin.AcceptedAt,
		FinishedAt: e.WrittenAt,
	}
	if e.EventType == wal.EventExecutionFailed {
		exec.Error = &ErrorInfo{Kind: fault.Kind(outcome.Kind), Message: outcome.Message}
	}

	raw, merr := json.Marshal(exec)
	if merr != nil {
		return false, fault.Wrap(fault.KindStorage, merr, "encode execution record")
	}
	perr := r.surface.Put(ctx, state.Entry{
		Key:         key,
		Value:       raw,
		ExecutionID: e.ExecutionID,
		StoredAt:    e.WrittenAt,
	}, state.TierCold, 0)
	if perr != nil {
		return false, fault.Wrap(fault.KindStorage, perr, "rebuild execution record")
	}
	r.logger.Info("execution record rebuilt",
		"execution_id", e.ExecutionID, "tenant_id", e.TenantID, "state", outcome.State)
	return true, nil
}

// executionOrigin is what the accepted entry tells us about an execution.
type executionOrigin struct {
	IntentID   string
	IntentType string
	SessionID  string
	AcceptedAt time.Time
}

// origin finds the execution's accepted entry; nil when none survives.
func (r *Recovery) origin(ctx context.Context, executionID string) (*executionOrigin, error) {
	entries, err := r.log.ByExecution(ctx, executionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, err, "read execution log")
	}
	for _, e := range entries {
		if e.EventType != wal.EventIntentAccepted {
			continue
		}
		var accepted struct {
			IntentID   string `json:"intent_id"`
			IntentType string `json:"intent_type"`
			SessionID  string `json:"session_id"`
		}
		if uerr := json.Unmarshal(e.Payload, &accepted); uerr != nil {
			return nil, fault.Wrap(fault.KindStorage, uerr, "corrupt accepted entry")
		}
		return &executionOrigin{
			IntentID:   accepted.IntentID,
			IntentType: accepted.IntentType,
			SessionID:  accepted.SessionID,
			AcceptedAt: e.WrittenAt,
		}, nil
	}
	return nil, nil
}
