package lifecycle

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/metering"
	"github.com/regentlabs/regent/pkg/outbox"
	"github.com/regentlabs/regent/pkg/policy"
	"github.com/regentlabs/regent/pkg/realm"
	"github.com/regentlabs/regent/pkg/state"
	"github.com/regentlabs/regent/pkg/wal"
)

// run drives one execution from ACCEPTED to a terminal state. Every exit
// path ends in exactly one terminal commit; cancellation is observed at
// step boundaries, never mid-handler.
func (m *Manager) run(ctx context.Context, exec *Execution) {
	it := exec.Intent

	ctx, finish := m.track(ctx, exec)
	defer func() {
		m.mu.Lock()
		ei := exec.Error
		m.mu.Unlock()
		if ei != nil {
			finish(fault.New(ei.Kind, "%s", ei.Message))
		} else {
			finish(nil)
		}
	}()

	if err := m.appendWAL(ctx, wal.Record{
		TenantID:    it.TenantID,
		ExecutionID: exec.ExecutionID,
		EventType:   wal.EventIntentAccepted,
		Payload: map[string]any{
			"intent_id":   it.ID,
			"intent_type": it.Type,
			"session_id":  it.SessionID,
		},
	}); err != nil {
		m.fail(ctx, exec, fault.Wrap(fault.KindStorage, err, "write-ahead log unavailable"))
		return
	}

	if m.cancelled(exec.ExecutionID) {
		m.finishCancelled(ctx, exec)
		return
	}

	handler, err := m.deps.Registry.Resolve(it.Type)
	if err != nil {
		m.fail(ctx, exec, fault.New(fault.KindUnsupportedIntent, "no realm registered for intent type %q", it.Type))
		return
	}

	ec := realm.NewExecutionContext(exec.ExecutionID, it,
		&walJournal{log: m.deps.Log, tenantID: it.TenantID, executionID: exec.ExecutionID},
		&hotScratch{surface: m.deps.Surface, tenantID: it.TenantID, sessionID: it.SessionID, executionID: exec.ExecutionID},
		&brainRecorder{store: m.deps.Brain, log: m.deps.Log, tenantID: it.TenantID, executionID: exec.ExecutionID},
	)
	m.transition(exec, StateContextCreated)

	if m.cancelled(exec.ExecutionID) {
		m.finishCancelled(ctx, exec)
		return
	}

	m.transition(exec, StateDispatched)
	if err := m.appendWAL(ctx, wal.Record{
		TenantID:    it.TenantID,
		ExecutionID: exec.ExecutionID,
		EventType:   wal.EventHandlerDispatched,
		Payload:     map[string]any{"intent_type": it.Type},
	}); err != nil {
		m.fail(ctx, exec, fault.Wrap(fault.KindStorage, err, "write-ahead log unavailable"))
		return
	}

	dspCtx, endDispatch := m.span(ctx, "lifecycle.dispatch")
	out, err := m.dispatch(dspCtx, handler, ec)
	endDispatch()
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}
	if out == nil {
		out = &realm.Output{}
	}

	if m.cancelled(exec.ExecutionID) {
		m.finishCancelled(ctx, exec)
		return
	}

	names := sortedArtifactNames(out.Artifacts)
	for _, name := range names {
		a := out.Artifacts[name]
		if err := m.appendWAL(ctx, wal.Record{
			TenantID:    it.TenantID,
			ExecutionID: exec.ExecutionID,
			EventType:   wal.EventArtifactProduced,
			Payload: map[string]any{
				"name":       name,
				"type":       a.Type,
				"size_bytes": a.Size(),
			},
		}); err != nil {
			m.fail(ctx, exec, fault.Wrap(fault.KindStorage, err, "write-ahead log unavailable"))
			return
		}
	}
	m.transition(exec, StateArtifactsCaptured)

	polCtx, endPolicy := m.span(ctx, "lifecycle.policy")
	m.evaluatePolicy(polCtx, exec, names, out.Artifacts)
	endPolicy()
	m.transition(exec, StatePolicyEvaluated)

	if m.cancelled(exec.ExecutionID) {
		m.finishCancelled(ctx, exec)
		return
	}

	persistedBytes, err := m.materialize(ctx, exec, names, out.Artifacts)
	if err != nil {
		m.fail(ctx, exec, err)
		return
	}

	events := make([]*outbox.Event, 0, len(out.Events))
	for _, ev := range out.Events {
		raw, merr := json.Marshal(ev.Payload)
		if merr != nil {
			m.fail(ctx, exec, fault.Wrap(fault.KindHandler, merr, "event payload not serializable"))
			return
		}
		events = append(events, &outbox.Event{
			EventID:     uuid.NewString(),
			ExecutionID: exec.ExecutionID,
			TenantID:    it.TenantID,
			EventType:   ev.Type,
			Payload:     raw,
		})
	}

	if err := m.commitTerminal(ctx, exec, wal.EventExecutionCompleted, map[string]any{
		"state":     string(StateCompleted),
		"artifacts": len(exec.Artifacts),
		"events":    len(events),
	}, events); err != nil {
		m.fail(ctx, exec, fault.Wrap(fault.KindStorage, err, "terminal commit failed"))
		return
	}
	m.transition(exec, StateEventsEnqueued)
	m.transition(exec, StateCompleted)

	m.recordTerminal(ctx, exec)
	m.meterExecution(ctx, exec, persistedBytes)
}

type dispatchResult struct {
	out *realm.Output
	err error
}

// dispatch invokes the handler under the dispatch time budget. A timeout
// is a distinct fault kind from a handler failure; neither is retried.
func (m *Manager) dispatch(ctx context.Context, h realm.Handler, ec *realm.ExecutionContext) (*realm.Output, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	defer cancel()

	resCh := make(chan dispatchResult, 1)
	go func() {
		out, err := h.Handle(dctx, ec)
		resCh <- dispatchResult{out: out, err: err}
	}()

	select {
	case <-dctx.Done():
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindHandlerTimeout, ctx.Err(), "execution context cancelled during dispatch")
		}
		return nil, fault.New(fault.KindHandlerTimeout, "handler exceeded dispatch budget of %s", m.cfg.DispatchTimeout)
	case r := <-resCh:
		if r.err != nil {
			return nil, fault.Wrap(fault.KindOf(r.err), r.err, "handler failed")
		}
		return r.out, nil
	}
}

// evaluatePolicy decides materialization for every artifact. Evaluation
// failures degrade to DISCARD and are recorded as policy gaps rather than
// failing the execution.
func (m *Manager) evaluatePolicy(ctx context.Context, exec *Execution, names []string, arts map[string]realm.Artifact) {
	if len(names) == 0 {
		return
	}
	decisions := make(map[string]policy.Decision, len(names))
	var gaps map[string]string
	for _, name := range names {
		a := arts[name]
		decision, err := m.deps.Policy.Evaluate(ctx, policy.Input{
			ResultType: a.Type,
			TenantID:   exec.Intent.TenantID,
			SolutionID: exec.Intent.SolutionID,
			Artifact: policy.ArtifactDescriptor{
				Name:        name,
				Type:        a.Type,
				ContentType: a.ContentType,
				SizeBytes:   int64(a.Size()),
			},
		})
		if err != nil {
			decision = policy.Discard
			if gaps == nil {
				gaps = make(map[string]string)
			}
			gaps[name] = err.Error()
			m.logger.Warn("policy evaluation failed, discarding artifact",
				"execution_id", exec.ExecutionID, "artifact", name, "error", err)
		}
		decisions[name] = decision
	}
	m.mu.Lock()
	exec.Decisions = decisions
	exec.PolicyGaps = gaps
	m.mu.Unlock()
}

// materialize applies the decisions: PERSIST through the artifact store,
// CACHE into the hot tier, DISCARD drops the payload. Returns total bytes
// persisted for metering.
func (m *Manager) materialize(ctx context.Context, exec *Execution, names []string, arts map[string]realm.Artifact) (int64, error) {
	it := exec.Intent
	var persisted int64
	stored := make([]StoredArtifact, 0, len(names))
	for _, name := range names {
		a := arts[name]
		rec := StoredArtifact{
			Name:      name,
			Type:      a.Type,
			SizeBytes: int64(a.Size()),
			Decision:  exec.Decisions[name],
		}
		switch exec.Decisions[name] {
		case policy.Persist:
			var ref *artifactRef
			err := m.withStorageRetry("persist:"+exec.ExecutionID+":"+name, func() error {
				meta := map[string]string{"artifact_name": name, "execution_id": exec.ExecutionID}
				r, serr := m.deps.Artifacts.Store(ctx, a.Type, a.Payload, it.TenantID, meta)
				if serr != nil {
					return serr
				}
				ref = &artifactRef{id: r.ArtifactID, path: r.StoragePath}
				return nil
			})
			if err != nil {
				return persisted, fault.Wrap(fault.KindStorage, err, "artifact persistence failed")
			}
			rec.ArtifactID = ref.id
			rec.StoragePath = ref.path
			persisted += rec.SizeBytes
		case policy.Cache:
			raw, merr := json.Marshal(cachedArtifact{
				Type:        a.Type,
				ContentType: a.ContentType,
				Payload:     a.Payload,
			})
			if merr != nil {
				return persisted, fault.Wrap(fault.KindHandler, merr, "artifact not serializable for cache")
			}
			err := m.withStorageRetry("cache:"+exec.ExecutionID+":"+name, func() error {
				return m.deps.Surface.Put(ctx, state.Entry{
					Key:         state.Key{TenantID: it.TenantID, SessionID: it.SessionID, Name: "artifact/" + name},
					Value:       raw,
					ExecutionID: exec.ExecutionID,
				}, state.TierHot, m.cfg.CacheTTL)
			})
			if err != nil {
				return persisted, fault.Wrap(fault.KindStorage, err, "artifact cache write failed")
			}
			m.meterQuantity(ctx, it.TenantID, metering.EventCachedByte, rec.SizeBytes)
		case policy.Discard:
			// Payload dropped; only the decision record survives.
		}
		stored = append(stored, rec)
	}
	m.mu.Lock()
	exec.Artifacts = stored
	m.mu.Unlock()
	return persisted, nil
}

type artifactRef struct {
	id   string
	path string
}

// cachedArtifact is the hot-tier encoding of a CACHE decision.
type cachedArtifact struct {
	Type        string `json:"type"`
	ContentType string `json:"content_type,omitempty"`
	Payload     []byte `json:"payload"`
}

// fail ends the execution with a FAILED terminal commit carrying the fault.
func (m *Manager) fail(ctx context.Context, exec *Execution, err error) {
	m.mu.Lock()
	exec.Error = &ErrorInfo{Kind: fault.KindOf(err), Message: err.Error()}
	m.mu.Unlock()
	m.logger.Error("execution failed",
		"execution_id", exec.ExecutionID,
		"tenant_id", exec.Intent.TenantID,
		"kind", string(exec.Error.Kind),
		"error", err)

	if cerr := m.commitTerminal(ctx, exec, wal.EventExecutionFailed, map[string]any{
		"state":   string(StateFailed),
		"kind":    string(exec.Error.Kind),
		"message": exec.Error.Message,
	}, nil); cerr != nil {
		// The log itself is down; the in-memory record is all that remains.
		m.logger.Error("terminal commit of failure record failed",
			"execution_id", exec.ExecutionID, "error", cerr)
	}
	m.transition(exec, StateFailed)
	m.recordTerminal(ctx, exec)
	m.meterExecution(ctx, exec, 0)
}

func (m *Manager) finishCancelled(ctx context.Context, exec *Execution) {
	if cerr := m.commitTerminal(ctx, exec, wal.EventExecutionCancelled, map[string]any{
		"state": string(StateCancelled),
	}, nil); cerr != nil {
		m.logger.Error("terminal commit of cancellation failed",
			"execution_id", exec.ExecutionID, "error", cerr)
	}
	m.transition(exec, StateCancelled)
	m.recordTerminal(ctx, exec)
	m.meterExecution(ctx, exec, 0)
}

func (m *Manager) commitTerminal(ctx context.Context, exec *Execution, et wal.EventType, payload map[string]any, events []*outbox.Event) error {
	return m.withStorageRetry("terminal:"+exec.ExecutionID, func() error {
		_, err := m.deps.Committer.CommitTerminal(ctx, wal.Record{
			TenantID:    exec.Intent.TenantID,
			ExecutionID: exec.ExecutionID,
			EventType:   et,
			Payload:     payload,
		}, events)
		return err
	})
}

// recordTerminal writes the durable execution record to the cold tier. The
// execution already committed; a write failure here is logged, not raised.
func (m *Manager) recordTerminal(ctx context.Context, exec *Execution) {
	m.mu.Lock()
	snapshot := exec.clone()
	m.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Error("execution record not serializable", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	err = m.withStorageRetry("record:"+exec.ExecutionID, func() error {
		return m.deps.Surface.Put(ctx, state.Entry{
			Key: state.Key{
				TenantID:  exec.Intent.TenantID,
				SessionID: exec.Intent.SessionID,
				Name:      "execution/" + exec.ExecutionID,
			},
			Value:       raw,
			ExecutionID: exec.ExecutionID,
		}, state.TierCold, 0)
	})
	if err != nil {
		m.logger.Error("durable execution record write failed", "execution_id", exec.ExecutionID, "error", err)
	}
}

func (m *Manager) meterExecution(ctx context.Context, exec *Execution, persistedBytes int64) {
	m.meterQuantity(ctx, exec.Intent.TenantID, metering.EventExecution, 1)
	if persistedBytes > 0 {
		m.meterQuantity(ctx, exec.Intent.TenantID, metering.EventPersistedByte, persistedBytes)
	}
}

// meterQuantity records usage; metering failures never affect the execution.
func (m *Manager) meterQuantity(ctx context.Context, tenantID string, et metering.EventType, qty int64) {
	if m.deps.Meter == nil || qty == 0 {
		return
	}
	err := m.deps.Meter.Record(ctx, metering.Event{
		TenantID:  tenantID,
		EventType: et,
		Quantity:  qty,
		Timestamp: m.clock().UTC(),
	})
	if err != nil {
		m.logger.Warn("metering record failed", "tenant_id", tenantID, "event_type", string(et), "error", err)
	}
}

func sortedArtifactNames(arts map[string]realm.Artifact) []string {
	if len(arts) == 0 {
		return nil
	}
	names := make([]string, 0, len(arts))
	for name := range arts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
