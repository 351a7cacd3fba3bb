package coverage

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/model"
)

// TargetLookup resolves target library definitions by name.
type TargetLookup interface {
	Get(name string) (*model.TargetLibrary, bool)
}

// Normalizer validates raw traces and maps them onto a target library's
// branch universe and call table.
type Normalizer struct {
	targets TargetLookup
	logger  *slog.Logger
	now     func() time.Time
}

// NewNormalizer creates a Normalizer resolving targets through lookup.
func NewNormalizer(lookup TargetLookup, logger *slog.Logger) *Normalizer {
	return &Normalizer{targets: lookup, logger: logger, now: time.Now}
}

// Normalize converts one raw trace into an Observation.
//
// Duplicate branch IDs collapse. A branch paired with a zero hit count was
// not hit. Call names missing from the target's call table are dropped and
// logged, because library headers evolve between harness and engine. A
// branch ID outside the declared universe means the harness and the engine
// disagree on the build and rejects the whole trace.
func (n *Normalizer) Normalize(raw model.RawTrace) (*Observation, error) {
	if raw.Target == "" {
		return nil, &model.MalformedTraceError{SeedID: raw.SeedID, Reason: "missing target library"}
	}
	lib, ok := n.targets.Get(raw.Target)
	if !ok {
		return nil, &model.UnknownTargetError{Target: raw.Target}
	}
	if raw.HitCounts != nil && len(raw.HitCounts) != len(raw.Branches) {
		return nil, &model.MalformedTraceError{
			Target: raw.Target, SeedID: raw.SeedID,
			Reason: fmt.Sprintf("%d hit counts for %d branches", len(raw.HitCounts), len(raw.Branches)),
		}
	}

	branches := &Set{}
	for i, id := range raw.Branches {
		if id >= lib.UniverseSize {
			return nil, &model.MalformedTraceError{
				Target: raw.Target, SeedID: raw.SeedID,
				Reason: fmt.Sprintf("branch %d outside universe of %d", id, lib.UniverseSize),
			}
		}
		if raw.HitCounts != nil && raw.HitCounts[i] == 0 {
			continue
		}
		branches.Add(id)
	}

	seq, libCalls, critical := mapCalls(lib, raw.Calls)
	if unknown := len(raw.Calls) - len(seq); unknown > 0 {
		n.logger.Warn("coverage: dropped unknown calls",
			"target", raw.Target, "seed_id", raw.SeedID, "count", unknown, "calls", unknownCalls(lib, raw.Calls, 5))
	}

	runID := raw.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	id := raw.ObservationID
	if id == uuid.Nil {
		id = uuid.New()
	}
	observedAt := n.now().UTC()
	if raw.ObservedAt != nil {
		observedAt = raw.ObservedAt.UTC()
	}
	return &Observation{
		ID:            id,
		SeedID:        raw.SeedID,
		Target:        raw.Target,
		RunID:         runID,
		Branches:      branches,
		LibraryCalls:  libCalls,
		CriticalCalls: critical,
		CallSequence:  seq,
		Calls:         raw.Calls,
		Visited:       !branches.Empty(),
		ObservedAt:    observedAt,
	}, nil
}

// FromRecord rebuilds an observation from its persisted form against the
// current target definition. The same validation as Normalize applies.
func (n *Normalizer) FromRecord(rec Record) (*Observation, error) {
	observedAt := rec.ObservedAt
	return n.Normalize(model.RawTrace{
		Target:        rec.Target,
		SeedID:        rec.SeedID,
		RunID:         rec.RunID,
		ObservationID: rec.ID,
		Branches:      rec.Branches.IDs(),
		Calls:         rec.Calls,
		ObservedAt:    &observedAt,
	})
}

func unknownCalls(lib *model.TargetLibrary, calls []string, limit int) []string {
	var out []string
	for _, c := range calls {
		if _, ok := lib.Lookup(c); !ok && !slices.Contains(out, c) {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
