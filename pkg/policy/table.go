package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule maps a result type to a decision at one scope. TenantID empty means
// global; SolutionID empty means any solution of the tenant. When is an
// optional CEL guard over the artifact descriptor; a rule without a guard
// always matches its scope.
type Rule struct {
	ResultType string   `json:"result_type" yaml:"result_type"`
	TenantID   string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	SolutionID string   `json:"solution_id,omitempty" yaml:"solution_id,omitempty"`
	When       string   `json:"when,omitempty" yaml:"when,omitempty"`
	Decision   Decision `json:"decision" yaml:"decision"`
}

func (r Rule) scope() int {
	switch {
	case r.TenantID != "" && r.SolutionID != "":
		return scopeTenantSolution
	case r.TenantID != "":
		return scopeTenant
	default:
		return scopeGlobal
	}
}

const (
	scopeTenantSolution = iota
	scopeTenant
	scopeGlobal
	scopeCount
)

// Table is the store-backed Evaluator. Precedence: tenant+solution override,
// then tenant override, then the global per-result-type default, then
// DISCARD. Guard programs are compiled once and cached.
type Table struct {
	env   *cel.Env
	mu    sync.RWMutex
	rules [scopeCount][]Rule

	// prgCache has its own lock so guard lookups during evaluation never
	// contend with rule reads.
	cacheMu  sync.RWMutex
	prgCache map[string]cel.Program
}

// NewTable creates an empty policy table.
func NewTable() (*Table, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifact", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Table{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Add registers a rule. Guards are compiled eagerly so a bad expression is
// rejected at configuration time rather than on the execution path.
func (t *Table) Add(rule Rule) error {
	if rule.ResultType == "" {
		return fmt.Errorf("policy: rule requires a result_type")
	}
	if !rule.Decision.Valid() {
		return fmt.Errorf("policy: unknown decision %q", rule.Decision)
	}
	if rule.TenantID == "" && rule.SolutionID != "" {
		return fmt.Errorf("policy: solution override requires a tenant_id")
	}
	if rule.When != "" {
		if _, err := t.program(rule.When); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := rule.scope()
	t.rules[s] = append(t.rules[s], rule)
	return nil
}

// Evaluate resolves the decision for one artifact.
func (t *Table) Evaluate(ctx context.Context, in Input) (Decision, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for s := 0; s < scopeCount; s++ {
		for _, rule := range t.rules[s] {
			if rule.ResultType != in.ResultType {
				continue
			}
			switch s {
			case scopeTenantSolution:
				if rule.TenantID != in.TenantID || rule.SolutionID != in.SolutionID {
					continue
				}
			case scopeTenant:
				if rule.TenantID != in.TenantID {
					continue
				}
			}
			matched, err := t.guardMatches(ctx, rule, in)
			if err != nil {
				return Discard, err
			}
			if matched {
				return rule.Decision, nil
			}
		}
	}
	return Discard, nil
}

func (t *Table) guardMatches(_ context.Context, rule Rule, in Input) (bool, error) {
	if rule.When == "" {
		return true, nil
	}
	prg, err := t.program(rule.When)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"artifact": map[string]any{
			"name":         in.Artifact.Name,
			"type":         in.Artifact.Type,
			"content_type": in.Artifact.ContentType,
			"size_bytes":   in.Artifact.SizeBytes,
		},
	})
	if err != nil {
		return false, fmt.Errorf("policy: guard eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard %q did not yield a bool", rule.When)
	}
	return v, nil
}

// program returns a cached compiled guard, compiling on first use.
func (t *Table) program(expr string) (cel.Program, error) {
	t.cacheMu.RLock()
	prg, hit := t.prgCache[expr]
	t.cacheMu.RUnlock()
	if hit {
		return prg, nil
	}

	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if prg, hit = t.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := t.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile guard: %w", issues.Err())
	}
	prg, err := t.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build guard program: %w", err)
	}
	t.prgCache[expr] = prg
	return prg, nil
}
