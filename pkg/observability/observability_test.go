package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// All recording paths must be safe no-ops without initialized meters.
	ctx := context.Background()
	p.RecordExecution(ctx)
	p.RecordError(ctx, errors.New("boom"))
	ctx, done := p.TrackExecution(ctx, "execution.run", ExecutionAttrs("acme", "exec-1", "report.generate")...)
	done(nil)
	require.NotNil(t, ctx)
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "regent-engine", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestExecutionAttrs(t *testing.T) {
	attrs := ExecutionAttrs("acme", "exec-1", "report.generate")
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrTenantID, attrs[0].Key)
	assert.Equal(t, "acme", attrs[0].Value.AsString())
}
