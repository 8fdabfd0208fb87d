package realm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, ec *ExecutionContext) (*Output, error) {
	return &Output{}, nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{IntentType: "ingest.document", Realm: "ingestion", Version: "1.2.0"}, HandlerFunc(noop))
	require.NoError(t, err)

	h, err := r.Resolve("ingest.document")
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Resolve("unknown.type")
	assert.ErrorIs(t, err, ErrUnsupportedIntent)
}

func TestRegisterIdempotentSameDescriptor(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{IntentType: "noop", Realm: "core", Version: "1.0.0"}
	require.NoError(t, r.Register(desc, HandlerFunc(noop)))
	require.NoError(t, r.Register(desc, HandlerFunc(noop)))
	assert.Len(t, r.Types(), 1)
}

func TestRegisterSameDescriptorDifferentHandlerConflicts(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{IntentType: "noop", Realm: "core", Version: "1.0.0"}
	require.NoError(t, r.Register(desc, HandlerFunc(noop)))

	other := HandlerFunc(func(context.Context, *ExecutionContext) (*Output, error) {
		return nil, nil
	})
	err := r.Register(desc, other)
	assert.ErrorIs(t, err, ErrConflict)

	// The first handler stays bound.
	h, err := r.Resolve("noop")
	require.NoError(t, err)
	out, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRegisterConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{IntentType: "noop", Realm: "core", Version: "1.0.0"}, HandlerFunc(noop)))

	err := r.Register(Descriptor{IntentType: "noop", Realm: "other", Version: "2.0.0"}, HandlerFunc(noop))
	assert.ErrorIs(t, err, ErrConflict)

	// Original binding is untouched.
	desc, err := r.Describe("noop")
	require.NoError(t, err)
	assert.Equal(t, "core", desc.Realm)
}

func TestRegisterInvalidVersion(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{IntentType: "noop", Realm: "core", Version: "not-semver"}, HandlerFunc(noop))
	assert.Error(t, err)
}

func TestFreezeRejectsLateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{IntentType: "noop", Realm: "core", Version: "1.0.0"}, HandlerFunc(noop)))
	r.Freeze()

	err := r.Register(Descriptor{IntentType: "late", Realm: "core", Version: "1.0.0"}, HandlerFunc(noop))
	assert.ErrorIs(t, err, ErrFrozen)

	// Resolution still works after freeze.
	_, err = r.Resolve("noop")
	assert.NoError(t, err)
}

func TestExecutionContextMeta(t *testing.T) {
	ec := &ExecutionContext{meta: map[string]any{}}
	ec.SetMeta("model", "v3")
	m := ec.Meta()
	assert.Equal(t, "v3", m["model"])

	// Returned map is a copy.
	m["model"] = "mutated"
	assert.Equal(t, "v3", ec.Meta()["model"])
}
