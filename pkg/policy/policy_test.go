package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableDefaultsToDiscard(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	d, err := table.Evaluate(context.Background(), Input{ResultType: "report", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, Discard, d)
}

func TestTablePrecedence(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	require.NoError(t, table.Add(Rule{ResultType: "report", Decision: Cache}))
	require.NoError(t, table.Add(Rule{ResultType: "report", TenantID: "acme", Decision: Persist}))
	require.NoError(t, table.Add(Rule{ResultType: "report", TenantID: "acme", SolutionID: "billing", Decision: Discard}))

	ctx := context.Background()

	// tenant+solution beats tenant.
	d, err := table.Evaluate(ctx, Input{ResultType: "report", TenantID: "acme", SolutionID: "billing"})
	require.NoError(t, err)
	assert.Equal(t, Discard, d)

	// tenant beats global.
	d, err = table.Evaluate(ctx, Input{ResultType: "report", TenantID: "acme", SolutionID: "crm"})
	require.NoError(t, err)
	assert.Equal(t, Persist, d)

	// global default for other tenants.
	d, err = table.Evaluate(ctx, Input{ResultType: "report", TenantID: "globex"})
	require.NoError(t, err)
	assert.Equal(t, Cache, d)

	// unknown result type falls to DISCARD.
	d, err = table.Evaluate(ctx, Input{ResultType: "scratch", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, Discard, d)
}

func TestTableGuardExpression(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	require.NoError(t, table.Add(Rule{
		ResultType: "report",
		TenantID:   "acme",
		When:       `artifact.size_bytes < 1024`,
		Decision:   Persist,
	}))
	require.NoError(t, table.Add(Rule{ResultType: "report", Decision: Cache}))

	ctx := context.Background()

	d, err := table.Evaluate(ctx, Input{
		ResultType: "report", TenantID: "acme",
		Artifact: ArtifactDescriptor{SizeBytes: 512},
	})
	require.NoError(t, err)
	assert.Equal(t, Persist, d)

	// Guard fails: the override does not match, global default applies.
	d, err = table.Evaluate(ctx, Input{
		ResultType: "report", TenantID: "acme",
		Artifact: ArtifactDescriptor{SizeBytes: 4096},
	})
	require.NoError(t, err)
	assert.Equal(t, Cache, d)
}

func TestTableRejectsBadRules(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	assert.Error(t, table.Add(Rule{Decision: Persist}), "missing result type")
	assert.Error(t, table.Add(Rule{ResultType: "r", Decision: Decision("KEEP")}), "unknown decision")
	assert.Error(t, table.Add(Rule{ResultType: "r", SolutionID: "s", Decision: Persist}), "solution without tenant")
	assert.Error(t, table.Add(Rule{ResultType: "r", When: "artifact.size_bytes <", Decision: Persist}), "bad guard")
}

func TestTableDeterministic(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)
	require.NoError(t, table.Add(Rule{ResultType: "report", When: `artifact.type == "pdf"`, Decision: Persist}))

	in := Input{ResultType: "report", TenantID: "acme", Artifact: ArtifactDescriptor{Type: "pdf"}}
	for i := 0; i < 20; i++ {
		d, err := table.Evaluate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, Persist, d)
	}
}
