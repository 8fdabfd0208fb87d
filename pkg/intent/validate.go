package intent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Deterministic violation codes.
const (
	CodeMissingField   = "ERR_INTENT_MISSING_FIELD"
	CodeCircularParams = "ERR_INTENT_CIRCULAR_PARAMS"
	CodeUnserializable = "ERR_INTENT_UNSERIALIZABLE"
	CodeSchemaViolated = "ERR_INTENT_SCHEMA_VIOLATED"
)

// Violation is one structural problem with an Intent.
type Violation struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationError aggregates every violation found. Validation never
// stops at the first problem; callers need the full list to correct
// the intent in one round trip.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		if v.Field != "" {
			msgs[i] = fmt.Sprintf("%s: %s (field: %s)", v.Code, v.Message, v.Field)
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", v.Code, v.Message)
		}
	}
	return "intent validation failed: " + strings.Join(msgs, "; ")
}

// Validate checks the structural invariants of an Intent. Returns nil
// when valid, otherwise a *ValidationError enumerating all violations.
func Validate(it *Intent) error {
	var violations []Violation

	for field, val := range map[string]string{
		"intent_type": it.Type,
		"tenant_id":   it.TenantID,
		"session_id":  it.SessionID,
	} {
		if val == "" {
			violations = append(violations, Violation{
				Code:    CodeMissingField,
				Field:   field,
				Message: "must be non-empty",
			})
		}
	}

	if cyclic(it.Parameters) {
		violations = append(violations, Violation{
			Code:    CodeCircularParams,
			Field:   "parameters",
			Message: "map contains a circular reference",
		})
	} else if _, err := json.Marshal(it.Parameters); err != nil {
		violations = append(violations, Violation{
			Code:    CodeUnserializable,
			Field:   "parameters",
			Message: err.Error(),
		})
	}

	if it.Metadata != nil && !cyclic(it.Metadata) {
		if _, err := json.Marshal(it.Metadata); err != nil {
			violations = append(violations, Violation{
				Code:    CodeUnserializable,
				Field:   "metadata",
				Message: err.Error(),
			})
		}
	} else if it.Metadata != nil {
		violations = append(violations, Violation{
			Code:    CodeCircularParams,
			Field:   "metadata",
			Message: "map contains a circular reference",
		})
	}

	// Sort order of map iteration above is not deterministic; keep output
	// stable for callers and tests.
	sortViolations(violations)

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// ValidateWithSchema runs Validate plus the realm's declared parameter
// schema, if any. Schema failures are appended as violations rather than
// replacing the structural ones.
func ValidateWithSchema(it *Intent, schema *jsonschema.Schema) error {
	err := Validate(it)
	if schema == nil {
		return err
	}

	var ve *ValidationError
	if err != nil {
		ve = err.(*ValidationError)
	} else {
		ve = &ValidationError{}
	}

	// The schema validates the parameters map as a JSON document.
	params := it.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if serr := schema.Validate(toJSONValue(params)); serr != nil {
		ve.Violations = append(ve.Violations, Violation{
			Code:    CodeSchemaViolated,
			Field:   "parameters",
			Message: serr.Error(),
		})
	}

	if len(ve.Violations) > 0 {
		return ve
	}
	return nil
}

// toJSONValue round-trips through encoding/json so typed Go values
// (ints, structs) become the generic forms the schema validator expects.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// cyclic reports whether v contains a reference cycle through maps or
// slices. JSON-decoded values never do; hand-built maps can.
func cyclic(v any) bool {
	return walkCyclic(v, map[uintptr]bool{})
}

func walkCyclic(v any, seen map[uintptr]bool) bool {
	switch t := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return true
		}
		seen[ptr] = true
		for _, val := range t {
			if walkCyclic(val, seen) {
				return true
			}
		}
		delete(seen, ptr)
	case []any:
		if len(t) == 0 {
			return false
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return true
		}
		seen[ptr] = true
		for _, elem := range t {
			if walkCyclic(elem, seen) {
				return true
			}
		}
		delete(seen, ptr)
	}
	return false
}

func sortViolations(vs []Violation) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Field != vs[j].Field {
			return vs[i].Field < vs[j].Field
		}
		return vs[i].Code < vs[j].Code
	})
}
