// Package tenants enforces tenant isolation at runtime. Stores are
// keyed by tenant, but keying alone does not prove the engine never
// hands one tenant another tenant's execution. The Guard asserts it on
// every cross-boundary read and keeps an auditable violation trail.
package tenants

import (
	"fmt"
	"sync"
	"time"
)

// Violation describes one attempted cross-tenant access.
type Violation struct {
	TenantID   string    `json:"tenant_id"`
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	At         time.Time `json:"at"`
}

func (v Violation) String() string {
	return fmt.Sprintf("tenant %s attempted to access resource %s owned by %s", v.TenantID, v.ResourceID, v.OwnerID)
}

// Guard tracks resource ownership and rejects cross-tenant access.
type Guard struct {
	mu         sync.RWMutex
	owners     map[string]string // resourceID → tenantID
	violations []Violation
	clock      func() time.Time
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{
		owners: make(map[string]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Register records that a resource belongs to a tenant. Registering the
// same resource under a different tenant is itself a violation and the
// original owner is kept.
func (g *Guard) Register(tenantID, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if owner, ok := g.owners[resourceID]; ok && owner != tenantID {
		g.violations = append(g.violations, Violation{
			TenantID: tenantID, ResourceID: resourceID, OwnerID: owner, At: g.clock().UTC(),
		})
		return fmt.Errorf("tenants: resource %s already owned by another tenant", resourceID)
	}
	g.owners[resourceID] = tenantID
	return nil
}

// Check verifies the tenant owns the resource. Unregistered resources
// are allowed: the guard proves non-leakage, it is not an ACL.
func (g *Guard) Check(tenantID, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	owner, ok := g.owners[resourceID]
	if !ok || owner == tenantID {
		return nil
	}
	g.violations = append(g.violations, Violation{
		TenantID: tenantID, ResourceID: resourceID, OwnerID: owner, At: g.clock().UTC(),
	})
	return fmt.Errorf("tenants: resource %s is not visible to tenant %s", resourceID, tenantID)
}

// Violations returns the recorded violation trail.
func (g *Guard) Violations() []Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}
