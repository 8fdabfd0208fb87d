// Package saga sequences multi-step executions with compensations. The
// coordinator is an ordinary caller of the engine's public submit/status
// surface: on a failed step it submits the compensating intents of every
// previously completed step, newest first.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/pkg/intent"
	"github.com/regentlabs/regent/pkg/lifecycle"
)

var (
	// ErrEmptySaga is returned for a saga with no steps.
	ErrEmptySaga = errors.New("saga: no steps")
	// ErrStepFailed is returned when a step ends FAILED; compensation has
	// already been attempted by the time the caller sees it.
	ErrStepFailed = errors.New("saga: step failed")
)

// Runner is the engine surface the coordinator drives. lifecycle.Manager
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, it *intent.Intent) (*lifecycle.Execution, error)
}

// Step pairs a forward intent with its compensating intent. A step without
// a compensation is irreversible: a later failure rolls back around it.
type Step struct {
	Name         string
	Intent       intent.Spec
	Compensation *intent.Spec
}

// StepResult records one step's outcome.
type StepResult struct {
	Name                    string          `json:"name"`
	ExecutionID             string          `json:"execution_id,omitempty"`
	State                   lifecycle.State `json:"state,omitempty"`
	Error                   string          `json:"error,omitempty"`
	Compensated             bool            `json:"compensated,omitempty"`
	CompensationExecutionID string          `json:"compensation_execution_id,omitempty"`
	CompensationError       string          `json:"compensation_error,omitempty"`
}

// Result is the outcome of one saga run.
type Result struct {
	SagaID     string       `json:"saga_id"`
	Steps      []StepResult `json:"steps"`
	Completed  bool         `json:"completed"`
	FailedStep string       `json:"failed_step,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Coordinator runs sagas against a Runner.
type Coordinator struct {
	runner Runner
	logger *slog.Logger
	clock  func() time.Time
}

// NewCoordinator creates a coordinator over the given engine surface.
func NewCoordinator(runner Runner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "saga")
	}
	return &Coordinator{runner: runner, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Run executes the steps in order. On the first failure it submits the
// compensations of all prior completed steps in reverse order, then returns
// ErrStepFailed. Compensation submission is best effort: a failed
// compensation is recorded on its step and does not stop the rollback.
func (c *Coordinator) Run(ctx context.Context, steps []Step) (*Result, error) {
	if len(steps) == 0 {
		return nil, ErrEmptySaga
	}

	res := &Result{
		SagaID:    uuid.NewString(),
		Steps:     make([]StepResult, len(steps)),
		StartedAt: c.clock().UTC(),
	}
	for i, s := range steps {
		res.Steps[i] = StepResult{Name: s.Name}
	}

	completed := -1
	for i, s := range steps {
		exec, err := c.runner.Execute(ctx, intent.New(s.Intent))
		if exec != nil {
			res.Steps[i].ExecutionID = exec.ExecutionID
			res.Steps[i].State = exec.State
		}
		if err != nil {
			res.Steps[i].Error = err.Error()
		} else if exec.State != lifecycle.StateCompleted {
			if exec.Error != nil {
				res.Steps[i].Error = exec.Error.Message
			} else {
				res.Steps[i].Error = fmt.Sprintf("execution ended %s", exec.State)
			}
			err = errors.New(res.Steps[i].Error)
		}
		if err != nil {
			res.FailedStep = s.Name
			c.logger.Warn("saga step failed, compensating",
				"saga_id", res.SagaID, "step", s.Name, "completed_steps", completed+1, "error", err)
			c.compensate(ctx, steps, res, completed)
			res.FinishedAt = c.clock().UTC()
			return res, fmt.Errorf("%w: %s: %s", ErrStepFailed, s.Name, res.Steps[i].Error)
		}
		completed = i
	}

	res.Completed = true
	res.FinishedAt = c.clock().UTC()
	return res, nil
}

// compensate rolls back steps [0..last] in reverse order.
func (c *Coordinator) compensate(ctx context.Context, steps []Step, res *Result, last int) {
	for i := last; i >= 0; i-- {
		comp := steps[i].Compensation
		if comp == nil {
			c.logger.Warn("no compensation declared, skipping",
				"saga_id", res.SagaID, "step", steps[i].Name)
			continue
		}
		exec, err := c.runner.Execute(ctx, intent.New(*comp))
		if exec != nil {
			res.Steps[i].CompensationExecutionID = exec.ExecutionID
		}
		switch {
		case err != nil:
			res.Steps[i].CompensationError = err.Error()
		case exec.State != lifecycle.StateCompleted:
			if exec.Error != nil {
				res.Steps[i].CompensationError = exec.Error.Message
			} else {
				res.Steps[i].CompensationError = fmt.Sprintf("compensation ended %s", exec.State)
			}
		default:
			res.Steps[i].Compensated = true
		}
		if res.Steps[i].CompensationError != "" {
			c.logger.Error("compensation failed",
				"saga_id", res.SagaID, "step", steps[i].Name, "error", res.Steps[i].CompensationError)
		}
	}
}
