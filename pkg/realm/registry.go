package realm

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnsupportedIntent: no handler is registered for the intent type.
	ErrUnsupportedIntent = errors.New("realm: unsupported intent type")
	// ErrConflict: the intent type is already bound to a different realm.
	ErrConflict = errors.New("realm: intent type already registered")
	// ErrFrozen: the registry is sealed; registration is a startup-only phase.
	ErrFrozen = errors.New("realm: registry is frozen")
)

// Descriptor identifies the realm serving an intent type.
type Descriptor struct {
	// IntentType is the registry key.
	IntentType string
	// Realm names the capability module, e.g. "content-ingestion".
	Realm string
	// Version is the realm's semantic version, validated at registration.
	Version string
	// ParamSchema optionally constrains intent parameters; enforced
	// during validation, not at dispatch.
	ParamSchema *jsonschema.Schema
}

type binding struct {
	desc    Descriptor
	handler Handler
}

// Registry maps intent types to handlers. It is written once during
// startup, then frozen; resolution after freeze is lock-free reads only.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]binding
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]binding)}
}

// Register binds an intent type to a handler. Repeating the identical
// registration (same descriptor, same handler) is a no-op; binding the
// type to a different realm, version, or handler is a conflict, never a
// silent overwrite.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if desc.IntentType == "" {
		return fmt.Errorf("realm: empty intent type")
	}
	if h == nil {
		return fmt.Errorf("realm: nil handler for %q", desc.IntentType)
	}
	if desc.Version != "" {
		if _, err := semver.NewVersion(desc.Version); err != nil {
			return fmt.Errorf("realm: invalid version %q for %q: %w", desc.Version, desc.IntentType, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrFrozen, desc.IntentType)
	}

	if existing, ok := r.bindings[desc.IntentType]; ok {
		if existing.desc.Realm == desc.Realm && existing.desc.Version == desc.Version &&
			sameHandler(existing.handler, h) {
			return nil // idempotent re-registration
		}
		return fmt.Errorf("%w: %q is bound to %s@%s", ErrConflict,
			desc.IntentType, existing.desc.Realm, existing.desc.Version)
	}

	r.bindings[desc.IntentType] = binding{desc: desc, handler: h}
	return nil
}

// sameHandler reports whether two handlers are the same function or the
// same instance. An uncomparable handler never matches, so re-registering
// it is a conflict rather than a silent keep-the-old-one.
func sameHandler(a, b Handler) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Func, reflect.Ptr:
		return va.Pointer() == vb.Pointer()
	default:
		return false
	}
}

// Freeze seals the registry. Registration after startup is rejected.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve returns the handler for an intent type.
func (r *Registry) Resolve(intentType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[intentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedIntent, intentType)
	}
	return b.handler, nil
}

// Describe returns the descriptor for an intent type.
func (r *Registry) Describe(intentType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[intentType]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupportedIntent, intentType)
	}
	return b.desc, nil
}

// Types lists registered intent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		out = append(out, t)
	}
	return out
}
