package models

import "fmt"

// Tier is a ranked quality/seniority class of a worker.
// Lower values are more senior: tier 0 handles orchestration-grade work and
// tier 5 is a developing generalist.
type Tier int

const (
	// TierMeta workers plan and coordinate other work.
	TierMeta Tier = iota
	// TierFoundation workers own core, cross-cutting subtasks.
	TierFoundation
	// TierSpecialist workers are strong in a narrow domain.
	TierSpecialist
	// TierExpert workers handle routine subtasks reliably.
	TierExpert
	// TierProfessional workers handle well-scoped subtasks.
	TierProfessional
	// TierDeveloping workers take simple subtasks and are tried last.
	TierDeveloping
)

// MaxTier is the least senior tier accepted in descriptors.
const MaxTier = TierDeveloping

// Valid returns true if the tier is inside the known range.
func (t Tier) Valid() bool {
	return t >= TierMeta && t <= MaxTier
}

// String returns a human-readable tier label.
func (t Tier) String() string {
	switch t {
	case TierMeta:
		return "tier0-meta"
	case TierFoundation:
		return "tier1-foundation"
	case TierSpecialist:
		return "tier2-specialist"
	case TierExpert:
		return "tier3-expert"
	case TierProfessional:
		return "tier4-professional"
	case TierDeveloping:
		return "tier5-developing"
	default:
		return fmt.Sprintf("tier%d", int(t))
	}
}
