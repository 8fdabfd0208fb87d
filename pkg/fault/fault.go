// Package fault defines the machine-readable error taxonomy for the
// Regent runtime. Every terminal execution failure carries exactly one
// Kind so callers can distinguish resubmit-after-fix errors from
// infrastructure errors without parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an execution failure.
type Kind string

const (
	// KindValidation: malformed intent; the caller must resubmit a corrected one.
	KindValidation Kind = "ValidationError"
	// KindUnsupportedIntent: no realm registered for the intent type; fatal for the execution.
	KindUnsupportedIntent Kind = "UnsupportedIntent"
	// KindHandler: the realm handler returned a failure; recorded, never engine-retried.
	KindHandler Kind = "HandlerError"
	// KindHandlerTimeout: the handler exceeded its dispatch time budget.
	KindHandlerTimeout Kind = "HandlerTimeout"
	// KindStorage: WAL/state surface/outbox/artifact storage unavailable after bounded retries.
	KindStorage Kind = "StorageError"
	// KindPolicy: materialization policy evaluation failed; decision defaults to discard.
	KindPolicy Kind = "PolicyError"
)

// Fault is a classified error.
type Fault struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a Fault.
// Unclassified errors report KindHandler under the propagation policy:
// anything a handler raises that the engine cannot attribute to its own
// infrastructure is a handler failure.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindHandler
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// Recoverable reports whether the caller can fix and resubmit.
func (k Kind) Recoverable() bool {
	return k == KindValidation
}
