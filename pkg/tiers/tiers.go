// Package tiers defines per-tenant plan limits consumed by the runtime:
// concurrency caps at submission, retention for log trimming, and the
// hot-tier TTL ceiling.
package tiers

// TierID identifies a plan tier.
type TierID string

const (
	TierFree       TierID = "free"
	TierPro        TierID = "pro"
	TierEnterprise TierID = "enterprise"
)

// Limits defines resource limits for a tier. -1 means unlimited.
type Limits struct {
	DailyExecutions      int64
	ConcurrentExecutions int
	RetentionEntries     int // WAL entries kept per partition
	RetentionDays        int // terminal execution records in the cold tier
	HotTTLCeilingSeconds int // max TTL a cached artifact may request
}

// Tier is a plan tier with its limits.
type Tier struct {
	ID          TierID
	Name        string
	Description string
	Limits      Limits
}

var (
	Free = Tier{
		ID:          TierFree,
		Name:        "Free",
		Description: "For evaluation and small workloads",
		Limits: Limits{
			DailyExecutions:      500,
			ConcurrentExecutions: 2,
			RetentionEntries:     1_000,
			RetentionDays:        30,
			HotTTLCeilingSeconds: 300,
		},
	}

	Pro = Tier{
		ID:          TierPro,
		Name:        "Pro",
		Description: "For production workloads",
		Limits: Limits{
			DailyExecutions:      50_000,
			ConcurrentExecutions: 32,
			RetentionEntries:     100_000,
			RetentionDays:        365,
			HotTTLCeilingSeconds: 3_600,
		},
	}

	Enterprise = Tier{
		ID:          TierEnterprise,
		Name:        "Enterprise",
		Description: "For large organizations",
		Limits: Limits{
			DailyExecutions:      -1,
			ConcurrentExecutions: -1,
			RetentionEntries:     -1,
			RetentionDays:        -1,
			HotTTLCeilingSeconds: 86_400,
		},
	}

	// AllTiers contains all available tiers.
	AllTiers = map[TierID]Tier{
		TierFree:       Free,
		TierPro:        Pro,
		TierEnterprise: Enterprise,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
