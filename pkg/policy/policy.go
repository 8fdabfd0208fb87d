// Package policy decides what happens to handler artifacts: persist, cache
// or discard. Evaluation is deterministic and side-effect-free; the engine
// treats a failed evaluation as DISCARD and records the governance gap.
package policy

import (
	"context"
)

// Decision is a materialization outcome.
type Decision string

const (
	Persist Decision = "PERSIST"
	Cache   Decision = "CACHE"
	Discard Decision = "DISCARD"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Persist, Cache, Discard:
		return true
	}
	return false
}

// ArtifactDescriptor is the artifact view a rule may inspect. The payload
// itself stays out of policy evaluation.
type ArtifactDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Input identifies one artifact to decide on.
type Input struct {
	ResultType string
	TenantID   string
	SolutionID string
	Artifact   ArtifactDescriptor
}

// Evaluator decides materialization for one artifact.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}
