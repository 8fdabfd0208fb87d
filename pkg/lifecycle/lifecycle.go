// Package lifecycle implements the execution lifecycle manager: the single
// authority that takes a validated intent through dispatch, artifact
// capture, materialization policy, and an atomic terminal commit of the
// final log entry and outbox events.
package lifecycle

import (
	"errors"
	"time"

	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/intent"
	"github.com/regentlabs/regent/pkg/policy"
)

// State is an execution lifecycle state.
type State string

const (
	StateAccepted          State = "ACCEPTED"
	StateContextCreated    State = "CONTEXT_CREATED"
	StateDispatched        State = "DISPATCHED"
	StateArtifactsCaptured State = "ARTIFACTS_CAPTURED"
	StatePolicyEvaluated   State = "POLICY_EVALUATED"
	StateEventsEnqueued    State = "EVENTS_ENQUEUED"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateCancelled         State = "CANCELLED"
)

// Terminal reports whether the state ends the execution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	// ErrExecutionNotFound is returned for unknown execution IDs and for
	// executions belonging to a different tenant.
	ErrExecutionNotFound = errors.New("lifecycle: execution not found")
	// ErrTenantBusy is returned when a tenant is at its concurrent
	// execution cap.
	ErrTenantBusy = errors.New("lifecycle: tenant at concurrent execution limit")
	// ErrShuttingDown is returned by Submit after Close.
	ErrShuttingDown = errors.New("lifecycle: manager is shutting down")
)

// ErrorInfo is the recorded failure of an execution.
type ErrorInfo struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// StoredArtifact is the recorded outcome of one handler artifact after
// materialization.
type StoredArtifact struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	SizeBytes   int64           `json:"size_bytes"`
	Decision    policy.Decision `json:"decision"`
	ArtifactID  string          `json:"artifact_id,omitempty"`
	StoragePath string          `json:"storage_path,omitempty"`
}

// Execution is the engine's record of one intent's run. Status reads return
// copies of it.
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	Intent      *intent.Intent `json:"intent"`
	State       State          `json:"state"`
	Error       *ErrorInfo     `json:"error,omitempty"`

	// Decisions maps artifact name → materialization decision.
	Decisions map[string]policy.Decision `json:"materialization_decisions,omitempty"`
	// PolicyGaps maps artifact name → evaluation error message for
	// artifacts whose policy evaluation failed (decision fell to DISCARD).
	PolicyGaps map[string]string `json:"policy_gaps,omitempty"`
	// Artifacts are the materialized outputs.
	Artifacts []StoredArtifact `json:"artifacts,omitempty"`
	// Transitions is the ordered list of state changes the execution went
	// through, ending at the current state.
	Transitions []Transition `json:"transitions,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Transition is one state change message delivered to subscribers.
type Transition struct {
	ExecutionID string    `json:"execution_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	At          time.Time `json:"at"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	if e.Decisions != nil {
		cp.Decisions = make(map[string]policy.Decision, len(e.Decisions))
		for k, v := range e.Decisions {
			cp.Decisions[k] = v
		}
	}
	if e.PolicyGaps != nil {
		cp.PolicyGaps = make(map[string]string, len(e.PolicyGaps))
		for k, v := range e.PolicyGaps {
			cp.PolicyGaps[k] = v
		}
	}
	if e.Artifacts != nil {
		cp.Artifacts = append([]StoredArtifact(nil), e.Artifacts...)
	}
	if e.Transitions != nil {
		cp.Transitions = append([]Transition(nil), e.Transitions...)
	}
	return &cp
}
