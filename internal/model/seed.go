package model

import "time"

// SeedID is the engine-assigned, monotonically increasing seed identifier.
type SeedID uint64

// Origin records how a seed came into existence.
type Origin string

const (
	OriginOriginal Origin = "original"
	OriginRandom   Origin = "random"
	OriginRepair   Origin = "repair"
	OriginMutate   Origin = "mutate"
	OriginCombine  Origin = "combine"
)

// IsRoot reports whether the origin describes a seed without parents.
func (o Origin) IsRoot() bool {
	switch o {
	case OriginOriginal, OriginRandom, OriginRepair, "":
		return true
	}
	return false
}

// Valid reports whether o is a known origin. The empty origin is valid and
// is resolved at admission time from the lineage.
func (o Origin) Valid() bool {
	switch o {
	case OriginOriginal, OriginRandom, OriginRepair, OriginMutate, OriginCombine, "":
		return true
	}
	return false
}

// Seed is one candidate API-call-sequence program admitted for evaluation.
// Seeds are immutable once created; re-running a seed produces a new
// observation, never a modified Seed.
type Seed struct {
	ID             SeedID    `json:"id"`
	Target         string    `json:"target"`
	SourceDigest   string    `json:"source_digest"`
	Lineage        []SeedID  `json:"lineage"`
	Origin         Origin    `json:"origin"`
	PromptMetadata string    `json:"prompt_metadata,omitempty"`
	Combination    []string  `json:"combination,omitempty"`
	AdmittedAt     time.Time `json:"admitted_at"`
}

// IsRoot reports whether the seed has no parents.
func (s Seed) IsRoot() bool { return len(s.Lineage) == 0 }

// Membership is the corpus-state bucket a seed currently sits in.
type Membership string

const (
	MembershipUnevaluated Membership = "unevaluated" // admitted, no observation merged yet
	MembershipRetained    Membership = "retained"
	MembershipPending     Membership = "pending"
	MembershipRetired     Membership = "retired"
)
