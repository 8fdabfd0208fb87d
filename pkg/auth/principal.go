// Package auth carries the pre-validated execution contract through the
// HTTP layer. Authentication decisions are made upstream; this package
// parses the contract the gateway already verified, binds it to the request
// context as a Principal, and enforces per-actor rate limits.
package auth

import (
	"context"
	"errors"
)

// Principal is any entity making a request.
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRoles() []string
	HasRole(role string) bool
}

// ContractPrincipal is a Principal built from an execution contract.
type ContractPrincipal struct {
	ID          string
	TenantID    string
	Roles       []string
	Tier        string
	SolutionIDs []string
}

func (p *ContractPrincipal) GetID() string       { return p.ID }
func (p *ContractPrincipal) GetTenantID() string { return p.TenantID }
func (p *ContractPrincipal) GetRoles() []string  { return p.Roles }

// HasRole reports whether the contract grants the role. Admin implies all.
func (p *ContractPrincipal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// GetTenantID returns the tenant of the context's Principal.
func GetTenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.GetTenantID(), nil
}

// MustGetTenantID panics if tenant ID is missing (use only behind the
// contract middleware, which guarantees it).
func MustGetTenantID(ctx context.Context) string {
	tid, err := GetTenantID(ctx)
	if err != nil {
		panic(err)
	}
	return tid
}
