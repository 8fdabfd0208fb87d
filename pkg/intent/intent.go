// Package intent defines the immutable Intent value, a declarative,
// validated request to perform one named operation, and its structural
// validation. Parameters are opaque to the runtime; only the registered
// realm interprets them.
package intent

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/regentlabs/regent/pkg/canonicalize"
)

// Intent is a declarative request to perform one named operation.
// Treat values as immutable once constructed: New deep-copies both maps
// and nothing in the runtime mutates them afterwards.
type Intent struct {
	ID             string         `json:"intent_id"`
	Type           string         `json:"intent_type"`
	TenantID       string         `json:"tenant_id"`
	SessionID      string         `json:"session_id"`
	SolutionID     string         `json:"solution_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Spec carries the caller-supplied fields of an Intent.
type Spec struct {
	Type           string
	TenantID       string
	SessionID      string
	SolutionID     string
	Parameters     map[string]any
	Metadata       map[string]any
	IdempotencyKey string
}

// New constructs an Intent from a Spec, assigning a fresh ID and a UTC
// creation timestamp. Maps are deep-copied and string values
// NFC-normalized so two submissions of the same logical request
// fingerprint identically.
func New(spec Spec) *Intent {
	return &Intent{
		ID:             uuid.NewString(),
		Type:           canonicalize.NFC(spec.Type),
		TenantID:       canonicalize.NFC(spec.TenantID),
		SessionID:      canonicalize.NFC(spec.SessionID),
		SolutionID:     canonicalize.NFC(spec.SolutionID),
		Parameters:     deepCopyMap(spec.Parameters),
		Metadata:       deepCopyMap(spec.Metadata),
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
}

// Fingerprint is the canonical content hash of the fields that define
// what the intent asks for. Used to detect an idempotency key being
// reused for a different request.
func (it *Intent) Fingerprint() (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"intent_type": it.Type,
		"tenant_id":   it.TenantID,
		"session_id":  it.SessionID,
		"solution_id": it.SolutionID,
		"parameters":  it.Parameters,
	})
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp, ok := copyValue(m, map[uintptr]bool{})
	if !ok {
		// A reference cycle cannot be copied or normalized. Keep the
		// original so Validate reports it instead of the copy crashing.
		return m
	}
	out, isMap := canonicalize.NormalizeStrings(cp).(map[string]any)
	if !isMap {
		return nil
	}
	return out
}

// copyValue deep-copies maps and slices, reporting false when v contains a
// reference cycle.
func copyValue(v any, seen map[uintptr]bool) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		out := make(map[string]any, len(t))
		for k, val := range t {
			cv, ok := copyValue(val, seen)
			if !ok {
				return nil, false
			}
			out[k] = cv
		}
		delete(seen, ptr)
		return out, true
	case []any:
		if len(t) == 0 {
			return []any{}, true
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		out := make([]any, len(t))
		for i, elem := range t {
			cv, ok := copyValue(elem, seen)
			if !ok {
				return nil, false
			}
			out[i] = cv
		}
		delete(seen, ptr)
		return out, true
	default:
		return v, true
	}
}
