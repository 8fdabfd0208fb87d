package realm

import (
	"context"
	"sync"
	"time"

	"github.com/regentlabs/regent/pkg/databrain"
	"github.com/regentlabs/regent/pkg/intent"
)

// Journal is the execution-scoped view of the write-ahead log handed to
// handlers: appends are recorded under the owning execution so any
// failure is attributable to it.
type Journal interface {
	Append(ctx context.Context, eventType string, payload map[string]any) error
}

// Scratch is tenant/session-scoped working storage in the hot tier.
// Entries expire; durable state is the engine's decision, not the
// handler's.
type Scratch interface {
	Get(ctx context.Context, name string) (any, bool, error)
	Put(ctx context.Context, name string, value any, ttl time.Duration) error
}

// ExecutionContext is the per-execution handle passed to a handler. It
// is created and exclusively owned by the lifecycle manager for the
// lifetime of one execution; handlers must not retain it.
type ExecutionContext struct {
	ExecutionID string
	Intent      *intent.Intent

	// Denormalized from the intent for fast access-control checks.
	TenantID   string
	SessionID  string
	SolutionID string

	Journal Journal
	Scratch Scratch
	Brain   databrain.Recorder

	mu   sync.Mutex
	meta map[string]any
}

// NewExecutionContext builds a context for one accepted intent.
func NewExecutionContext(executionID string, it *intent.Intent, journal Journal, scratch Scratch, brain databrain.Recorder) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: executionID,
		Intent:      it,
		TenantID:    it.TenantID,
		SessionID:   it.SessionID,
		SolutionID:  it.SolutionID,
		Journal:     journal,
		Scratch:     scratch,
		Brain:       brain,
		meta:        make(map[string]any),
	}
}

// SetMeta stores handler-supplied trace data on the execution.
func (ec *ExecutionContext) SetMeta(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.meta[key] = value
}

// Meta returns a copy of the metadata bag.
func (ec *ExecutionContext) Meta() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.meta))
	for k, v := range ec.meta {
		out[k] = v
	}
	return out
}
