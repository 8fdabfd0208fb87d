package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContractClaims are the execution contract claims minted by the upstream
// authorization plane. tenant_id binds every claim set to exactly one
// tenant; sub identifies the acting principal.
type ContractClaims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tenant_id"`
	Tier        string   `json:"tier,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	SolutionIDs []string `json:"solution_ids,omitempty"`
}

var (
	// ErrContractExpired is returned for a contract past its expiry.
	ErrContractExpired = errors.New("auth: execution contract expired")
	// ErrContractIncomplete is returned when required claims are missing.
	ErrContractIncomplete = errors.New("auth: execution contract missing required claims")
)

// ContractParser parses execution contracts. The gateway already verified
// the signature, so the parser reads claims without re-verifying; it still
// rejects expired or incomplete contracts.
type ContractParser struct {
	clock func() time.Time
}

// NewContractParser creates a parser.
func NewContractParser() *ContractParser {
	return &ContractParser{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (p *ContractParser) WithClock(clock func() time.Time) *ContractParser {
	p.clock = clock
	return p
}

// Parse extracts the claims from a contract token and checks temporal
// validity and required fields.
func (p *ContractParser) Parse(token string) (*ContractClaims, error) {
	claims := &ContractClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("auth: malformed execution contract: %w", err)
	}

	now := p.clock().UTC()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		return nil, ErrContractExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("%w: not yet valid", ErrContractExpired)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, ErrContractIncomplete
	}
	return claims, nil
}

// Principal builds the request Principal from parsed claims.
func (c *ContractClaims) Principal() *ContractPrincipal {
	return &ContractPrincipal{
		ID:          c.Subject,
		TenantID:    c.TenantID,
		Roles:       c.Roles,
		Tier:        c.Tier,
		SolutionIDs: c.SolutionIDs,
	}
}
