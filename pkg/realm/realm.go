// Package realm defines the contract between the runtime and its
// pluggable capability modules. A Realm implements exactly one method;
// persistence, retry, and event publication are the runtime's job, so a
// handler must be free of direct persistence side effects and must
// return typed errors rather than panicking.
package realm

import (
	"context"
)

// Artifact is one named output produced by a handler. Payload is the
// inline bytes; after materialization the engine may replace it with a
// storage reference in the recorded result.
type Artifact struct {
	Type        string         `json:"type"`
	ContentType string         `json:"content_type,omitempty"`
	Payload     []byte         `json:"payload,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Size returns the inline payload size in bytes.
func (a Artifact) Size() int { return len(a.Payload) }

// Event is a semantic event record emitted by a handler, published
// downstream through the transactional outbox.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Output is everything a handler hands back to the engine.
type Output struct {
	// Artifacts maps output name → artifact.
	Artifacts map[string]Artifact
	// Events are published in order after the execution commits.
	Events []Event
}

// Handler is the sole method a Realm must implement. The execution
// context is owned by the engine; handlers receive it by reference and
// must not retain it beyond the call.
type Handler interface {
	Handle(ctx context.Context, ec *ExecutionContext) (*Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext) (*Output, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ec *ExecutionContext) (*Output, error) {
	return f(ctx, ec)
}
