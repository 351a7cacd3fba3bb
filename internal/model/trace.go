package model

import (
	"time"

	"github.com/google/uuid"
)

// Field limits for raw traces. A single trace larger than this is an
// instrumentation fault, not a real run.
const (
	MaxTraceBranches = 1 << 22
	MaxTraceCalls    = 1 << 16
	MaxCallNameLen   = 512
)

// RawTrace is one execution run of one seed as reported by the harness:
//
//	{"target": "cJSON", "seed_id": 7, "branches": [3, 9, 3], "calls": ["cJSON_Parse"]}
//
// HitCounts is optional and, when present, pairs with Branches by index;
// a branch with hit count zero was not hit. Calls is the ordered list of
// API calls the run made, duplicates included.
type RawTrace struct {
	Target   string    `json:"target"`
	SeedID   SeedID    `json:"seed_id"`
	RunID    uuid.UUID `json:"run_id,omitempty"`
	Branches []uint32  `json:"branches"`
	// HitCounts pairs with Branches by index when present.
	HitCounts []uint32 `json:"hit_counts,omitempty"`
	Calls     []string `json:"calls"`
	// ObservationID makes a resubmitted trace idempotent when set.
	ObservationID uuid.UUID  `json:"observation_id,omitempty"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
}
