// Package corpus holds the per-target corpus state: the cumulative union of
// covered branches and the retained, retired and pending seed sets.
//
// Each target library gets its own State, constructed at startup and passed
// by handle. Merge is the only path that grows the union and it is
// serialized per State; queries run under the read lock.
package corpus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
)

var (
	// ErrCompacting is returned by BeginCompaction when a pass is already running.
	ErrCompacting = errors.New("corpus: compaction already in progress")
	// ErrNotCompacting is returned by EndCompaction without a matching BeginCompaction.
	ErrNotCompacting = errors.New("corpus: no compaction in progress")
	// ErrInvariantViolated means the retained seeds no longer cover the union.
	ErrInvariantViolated = errors.New("corpus: retained seeds do not cover the global union")
	// ErrTargetMismatch is returned when a seed or observation belongs to another target.
	ErrTargetMismatch = errors.New("corpus: target mismatch")
)

// DepthFunc reports a seed's lineage depth.
type DepthFunc func(model.SeedID) int

// Entry is everything the state knows about one seed.
type Entry struct {
	Seed         model.Seed
	Observations []*coverage.Observation
	Canonical    *coverage.Observation
	Metrics      quality.Metrics
	Membership   model.Membership
	RetainedAt   time.Time
}

// MergeResult reports the outcome of one merge.
type MergeResult struct {
	SeedID     model.SeedID     `json:"seed_id"`
	Target     string           `json:"target"`
	Membership model.Membership `json:"membership"`
	Previous   model.Membership `json:"previous"`
	Gain       int              `json:"gain"`
	NewTriples int              `json:"new_triples"`
	UnionSize  int              `json:"union_size"`
	Metrics    quality.Metrics  `json:"metrics"`
	// Deferred is true when the merge arrived during compaction and was
	// queued. It is applied, in arrival order, when the pass ends.
	Deferred bool `json:"deferred"`
	// Duplicate is true when an observation with the same ID was already
	// merged; nothing changed.
	Duplicate bool `json:"duplicate,omitempty"`
	// Seq is the position of the merge in the target's merge order. A
	// deferred merge is numbered when it is queued, which is also the order
	// it is applied in. Replaying observations by Seq reproduces membership.
	Seq uint64 `json:"seq"`
	// Parents is the lineage of the merged seed.
	Parents []model.SeedID `json:"-"`
}

// Promoted reports whether the merge moved the seed into retained.
func (r MergeResult) Promoted() bool {
	return r.Membership == model.MembershipRetained && r.Previous != model.MembershipRetained
}

// State is the corpus state of one target library. It is safe for
// concurrent use.
type State struct {
	name   string
	scorer *quality.Scorer
	depth  DepthFunc
	now    func() time.Time

	mu         sync.RWMutex
	lib        *model.TargetLibrary
	union      *coverage.Set
	entries    map[model.SeedID]*Entry
	members    map[model.Membership]map[model.SeedID]struct{}
	triples    map[coverage.Triple]struct{}
	compacting bool
	deferred   []func() []MergeResult

	seq           uint64
	roundRetained bool
	quietRounds   int
	merges        int64
	retirements   int64
}

// New creates an empty State for lib. depth may be nil, in which case every
// seed has depth 0.
func New(lib *model.TargetLibrary, scorer *quality.Scorer, depth DepthFunc) *State {
	if depth == nil {
		depth = func(model.SeedID) int { return 0 }
	}
	s := &State{
		name:    lib.Name,
		scorer:  scorer,
		depth:   depth,
		now:     time.Now,
		lib:     lib,
		union:   &coverage.Set{},
		entries: make(map[model.SeedID]*Entry),
		members: make(map[model.Membership]map[model.SeedID]struct{}, 4),
		triples: make(map[coverage.Triple]struct{}),
	}
	for _, m := range []model.Membership{model.MembershipUnevaluated, model.MembershipRetained, model.MembershipPending, model.MembershipRetired} {
		s.members[m] = make(map[model.SeedID]struct{})
	}
	return s
}

// Target returns the target name.
func (s *State) Target() string { return s.name }

// Library returns the target library currently in effect.
func (s *State) Library() *model.TargetLibrary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lib
}

// Track registers an admitted seed that has no observation yet. Tracking a
// seed twice is a no-op.
func (s *State) Track(seed model.Seed) error {
	if seed.Target != s.name {
		return fmt.Errorf("%w: seed %d is for %q, state is %q", ErrTargetMismatch, seed.ID, seed.Target, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackLocked(seed)
	return nil
}

func (s *State) trackLocked(seed model.Seed) *Entry {
	if e, ok := s.entries[seed.ID]; ok {
		return e
	}
	e := &Entry{Seed: seed, Membership: model.MembershipUnevaluated}
	s.entries[seed.ID] = e
	s.members[model.MembershipUnevaluated][seed.ID] = struct{}{}
	return e
}

// Merge attaches obs to seed and updates membership. It is logically atomic:
// unique branches are computed against the union as it stands under the
// writer lock, and the union only ever grows.
//
// A seed is retained when its canonical coverage adds branches to the union,
// or when it was visited and reached a critical call. Otherwise it is
// pending. A merge that arrives while a compaction pass holds the retained
// set is queued and reported with Deferred set.
func (s *State) Merge(seed model.Seed, obs *coverage.Observation) (MergeResult, error) {
	if seed.Target != s.name || obs.Target != s.name {
		return MergeResult{}, fmt.Errorf("%w: seed %d", ErrTargetMismatch, seed.ID)
	}
	if obs.SeedID != seed.ID {
		return MergeResult{}, fmt.Errorf("corpus: observation for seed %d merged into seed %d", obs.SeedID, seed.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	seq := s.seq
	if s.compacting {
		s.deferred = append(s.deferred, func() []MergeResult {
			return []MergeResult{s.mergeLocked(seed, obs, seq)}
		})
		return MergeResult{SeedID: seed.ID, Target: s.name, Deferred: true, Seq: seq, Parents: seed.Lineage}, nil
	}
	return s.mergeLocked(seed, obs, seq), nil
}

func (s *State) mergeLocked(seed model.Seed, obs *coverage.Observation, seq uint64) MergeResult {
	e := s.trackLocked(seed)
	for _, o := range e.Observations {
		if o.ID == obs.ID && obs.ID != uuid.Nil {
			return MergeResult{
				SeedID: seed.ID, Target: s.name, Membership: e.Membership, Previous: e.Membership,
				Metrics: e.Metrics, UnionSize: s.union.Len(), Duplicate: true, Seq: seq,
			}
		}
	}
	e.Observations = append(e.Observations, obs)
	s.merges++

	res := MergeResult{SeedID: seed.ID, Target: s.name, Seq: seq, Parents: seed.Lineage}
	for _, tr := range coverage.Triples(obs.CallSequence) {
		if _, ok := s.triples[tr]; !ok {
			s.triples[tr] = struct{}{}
			res.NewTriples++
		}
	}
	s.evaluateLocked(e, &res)
	return res
}

// evaluateLocked recomputes e's canonical coverage and membership.
func (s *State) evaluateLocked(e *Entry, res *MergeResult) {
	e.Canonical = coverage.Canonical(e.Observations)
	prev := e.Membership
	res.Previous = prev

	m := s.scorer.Score(quality.Input{Coverage: e.Canonical, UnionBefore: s.union, Target: s.lib})
	gain := m.UniqueBranches
	res.Gain = gain

	switch {
	case prev == model.MembershipRetained:
		// Unique branches are frozen at admission; a rerun can only add to them.
		m = s.extendFrozen(e.Metrics, m)
		s.union.UnionWith(e.Canonical.Branches)
	case gain > 0:
		if prev == model.MembershipRetired {
			m = s.extendFrozen(e.Metrics, m)
		}
		s.retainLocked(e)
	case prev == model.MembershipRetired:
		// Its critical calls were already judged covered by other seeds.
		m = s.extendFrozen(e.Metrics, m)
	case e.Canonical.Visited && len(e.Canonical.CriticalCalls) > 0:
		s.retainLocked(e)
	default:
		s.moveLocked(e, model.MembershipPending)
	}

	e.Metrics = m
	res.Membership = e.Membership
	res.Metrics = m
	res.UnionSize = s.union.Len()
}

func (s *State) retainLocked(e *Entry) {
	s.moveLocked(e, model.MembershipRetained)
	e.RetainedAt = s.now().UTC()
	s.union.UnionWith(e.Canonical.Branches)
	s.roundRetained = true
}

// extendFrozen keeps the admission-time unique set and adds whatever the
// latest merge contributed on top of it.
func (s *State) extendFrozen(frozen, fresh quality.Metrics) quality.Metrics {
	unique := &coverage.Set{}
	unique.UnionWith(frozen.Unique)
	unique.UnionWith(fresh.Unique)
	fresh.Unique = unique
	fresh.UniqueBranches = unique.Len()
	return s.scorer.Rescore(fresh)
}

func (s *State) moveLocked(e *Entry, to model.Membership) {
	if e.Membership == to {
		return
	}
	delete(s.members[e.Membership], e.Seed.ID)
	s.members[to][e.Seed.ID] = struct{}{}
	e.Membership = to
}

// MarginalGain returns how many of candidate's branches are not yet in the
// union. It does not mutate state.
func (s *State) MarginalGain(candidate *coverage.Set) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return candidate.CountNotIn(s.union)
}

// Union returns a copy of the global union.
func (s *State) Union() *coverage.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.union.Clone()
}

// Membership returns the bucket a seed is in.
func (s *State) Membership(id model.SeedID) (model.Membership, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return "", false
	}
	return e.Membership, true
}

// Entry returns a copy of the seed's entry. The copy shares observation
// pointers, which are immutable.
func (s *State) Entry(id model.SeedID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Observations = append([]*coverage.Observation(nil), e.Observations...)
	return cp, true
}

// IDs returns the seeds in bucket m, unordered.
func (s *State) IDs(m model.Membership) []model.SeedID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SeedID, 0, len(s.members[m]))
	for id := range s.members[m] {
		out = append(out, id)
	}
	return out
}

// Ranks returns the ordering keys of the seeds in bucket m.
func (s *State) Ranks(m model.Membership) []quality.Rank {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]quality.Rank, 0, len(s.members[m]))
	for id := range s.members[m] {
		out = append(out, quality.Rank{ID: id, Score: s.entries[id].Metrics.Score, Depth: s.depth(id)})
	}
	return out
}

// EndRound closes one ingest round and returns the quiet-round count: the
// number of consecutive rounds in which no seed was newly retained.
func (s *State) EndRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roundRetained {
		s.quietRounds = 0
	} else {
		s.quietRounds++
	}
	s.roundRetained = false
	return s.quietRounds
}

// ResumeRounds sets the quiet-round count after a restore and forgets any
// retention seen while replaying, so the next EndRound counts from quiet.
func (s *State) ResumeRounds(quiet int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietRounds = max(quiet, 0)
	s.roundRetained = false
}

// Reevaluate swaps in a new definition of the target library and re-merges
// pending seeds under it. Retained and retired seeds are never demoted here;
// they are re-examined by the next compaction pass. During compaction the
// work is queued like a merge. The returned results cover only seeds whose
// membership changed.
func (s *State) Reevaluate(lib *model.TargetLibrary) ([]MergeResult, error) {
	if lib.Name != s.name {
		return nil, fmt.Errorf("%w: library %q for state %q", ErrTargetMismatch, lib.Name, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compacting {
		s.deferred = append(s.deferred, func() []MergeResult { return s.reevaluateLocked(lib) })
		return nil, nil
	}
	return s.reevaluateLocked(lib), nil
}

func (s *State) reevaluateLocked(lib *model.TargetLibrary) []MergeResult {
	s.lib = lib
	for _, e := range s.entries {
		for i, o := range e.Observations {
			e.Observations[i] = o.Remap(lib)
		}
	}
	var out []MergeResult
	for _, id := range sortedIDs(s.members[model.MembershipPending]) {
		e := s.entries[id]
		res := MergeResult{SeedID: id, Target: s.name, Parents: e.Seed.Lineage}
		s.evaluateLocked(e, &res)
		if res.Membership != res.Previous {
			out = append(out, res)
		}
	}
	return out
}

// Stats is a point-in-time summary of the state.
type Stats struct {
	Target            string `json:"target"`
	UniverseSize      uint32 `json:"universe_size"`
	UnionSize         int    `json:"union_size"`
	Unevaluated       int    `json:"unevaluated"`
	Retained          int    `json:"retained"`
	Pending           int    `json:"pending"`
	Retired           int    `json:"retired"`
	DiscoveredTriples int    `json:"discovered_triples"`
	QuietRounds       int    `json:"quiet_rounds"`
	FlakySeeds        int    `json:"flaky_seeds"`
	Merges            int64  `json:"merges"`
	Retirements       int64  `json:"retirements"`
	Compacting        bool   `json:"compacting"`
	DeferredMerges    int    `json:"deferred_merges"`
}

// Stats returns a summary of the state.
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flaky := 0
	for _, e := range s.entries {
		if coverage.Disagree(e.Observations) {
			flaky++
		}
	}
	return Stats{
		Target:            s.name,
		UniverseSize:      s.lib.UniverseSize,
		UnionSize:         s.union.Len(),
		Unevaluated:       len(s.members[model.MembershipUnevaluated]),
		Retained:          len(s.members[model.MembershipRetained]),
		Pending:           len(s.members[model.MembershipPending]),
		Retired:           len(s.members[model.MembershipRetired]),
		DiscoveredTriples: len(s.triples),
		QuietRounds:       s.quietRounds,
		FlakySeeds:        flaky,
		Merges:            s.merges,
		Retirements:       s.retirements,
		Compacting:        s.compacting,
		DeferredMerges:    len(s.deferred),
	}
}
