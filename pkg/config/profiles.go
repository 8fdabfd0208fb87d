package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/regentlabs/regent/pkg/tiers"
)

// TenantProfile is the per-tenant YAML profile: plan tier plus optional
// retention overrides.
type TenantProfile struct {
	TenantID  string          `yaml:"tenant_id" json:"tenant_id"`
	Tier      tiers.TierID    `yaml:"tier" json:"tier"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// RetentionConfig overrides the tier's retention defaults. Zero values
// mean "use the tier default".
type RetentionConfig struct {
	WALEntries        int `yaml:"wal_entries,omitempty" json:"wal_entries,omitempty"`
	ColdRecordDays    int `yaml:"cold_record_days,omitempty" json:"cold_record_days,omitempty"`
	HotTTLCeilingSecs int `yaml:"hot_ttl_ceiling_secs,omitempty" json:"hot_ttl_ceiling_secs,omitempty"`
}

// Limits resolves the effective limits: tier defaults with profile
// overrides applied.
func (p *TenantProfile) Limits() tiers.Limits {
	tier := tiers.Get(p.Tier)
	if tier == nil {
		tier = tiers.Get(tiers.TierFree)
	}
	l := tier.Limits
	if p.Retention.WALEntries > 0 {
		l.RetentionEntries = p.Retention.WALEntries
	}
	if p.Retention.ColdRecordDays > 0 {
		l.RetentionDays = p.Retention.ColdRecordDays
	}
	if p.Retention.HotTTLCeilingSecs > 0 {
		l.HotTTLCeilingSeconds = p.Retention.HotTTLCeilingSecs
	}
	return l
}

// LoadProfile loads one tenant profile by tenant ID. It looks for
// profile_<tenant>.yaml in the profiles directory.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}
	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	if profile.Tier == "" {
		profile.Tier = tiers.TierFree
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if profile.Tier == "" {
			profile.Tier = tiers.TierFree
		}
		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}

// TierLookup builds the tenant → tier function the engine consumes.
// Unknown tenants resolve to the given default.
func TierLookup(profiles map[string]*TenantProfile, def tiers.TierID) func(tenantID string) tiers.TierID {
	return func(tenantID string) tiers.TierID {
		if p, ok := profiles[tenantID]; ok {
			return p.Tier
		}
		return def
	}
}
