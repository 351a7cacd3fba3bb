package corpus

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/integrity"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
)

// Candidate is a retained seed as seen by a compaction pass.
type Candidate struct {
	Rank     quality.Rank
	Branches *coverage.Set
	Critical []model.CallID
}

// BeginCompaction hands the retained set to a compaction pass. Until the
// matching EndCompaction, merges are queued rather than applied, so the
// returned candidates and union stay exact for the whole pass.
func (s *State) BeginCompaction() ([]Candidate, *coverage.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compacting {
		return nil, nil, ErrCompacting
	}
	s.compacting = true

	out := make([]Candidate, 0, len(s.members[model.MembershipRetained]))
	for id := range s.members[model.MembershipRetained] {
		e := s.entries[id]
		out = append(out, Candidate{
			Rank:     quality.Rank{ID: id, Score: e.Metrics.Score, Depth: s.depth(id)},
			Branches: e.Canonical.Branches,
			Critical: e.Canonical.CriticalCalls,
		})
	}
	return out, s.union.Clone(), nil
}

// EndCompaction retires the given seeds, ends the pass and applies the
// merges queued while it ran, in arrival order. The retirements are applied
// only if the remaining retained seeds still cover the union; otherwise none
// are applied and ErrInvariantViolated is returned. Queued merges are
// applied either way.
func (s *State) EndCompaction(retire []model.SeedID) ([]MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.compacting {
		return nil, ErrNotCompacting
	}
	err := s.retireLocked(retire)
	s.compacting = false

	var applied []MergeResult
	for _, fn := range s.deferred {
		applied = append(applied, fn()...)
	}
	s.deferred = nil
	return applied, err
}

// RestoreCheckpoint puts every seed that cp names back into the bucket cp
// recorded for it. Seeds cp does not name, and seeds with no replayed
// observation, keep the membership replay gave them. The change is applied
// only if the resulting retained set covers the union; otherwise nothing
// moves and ErrInvariantViolated is returned. The results list the seeds
// whose membership changed.
func (s *State) RestoreCheckpoint(cp Checkpoint) ([]MergeResult, error) {
	if cp.Target != s.name {
		return nil, fmt.Errorf("%w: checkpoint for %q, state is %q", ErrTargetMismatch, cp.Target, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compacting {
		return nil, ErrCompacting
	}

	want := make(map[model.SeedID]model.Membership)
	for _, g := range []struct {
		ids []model.SeedID
		to  model.Membership
	}{
		{cp.Retained, model.MembershipRetained},
		{cp.Retired, model.MembershipRetired},
		{cp.Pending, model.MembershipPending},
	} {
		for _, id := range g.ids {
			e, ok := s.entries[id]
			if !ok || e.Canonical == nil || e.Membership == g.to {
				continue
			}
			want[id] = g.to
		}
	}
	if len(want) == 0 {
		return nil, nil
	}

	covered := &coverage.Set{}
	for id, e := range s.entries {
		m := e.Membership
		if to, ok := want[id]; ok {
			m = to
		}
		if m == model.MembershipRetained {
			covered.UnionWith(e.Canonical.Branches)
		}
	}
	if !covered.Equal(s.union) {
		return nil, fmt.Errorf("%w: checkpoint retained seeds cover %d of %d branches",
			ErrInvariantViolated, covered.Len(), s.union.Len())
	}

	ids := make([]model.SeedID, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]MergeResult, 0, len(ids))
	for _, id := range ids {
		e := s.entries[id]
		prev := e.Membership
		s.moveLocked(e, want[id])
		if e.Membership == model.MembershipRetained && e.RetainedAt.IsZero() {
			e.RetainedAt = cp.CreatedAt
		}
		out = append(out, MergeResult{
			SeedID: id, Target: s.name, Membership: e.Membership, Previous: prev,
			Metrics: e.Metrics, UnionSize: s.union.Len(),
		})
	}
	return out, nil
}

func (s *State) retireLocked(ids []model.SeedID) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[model.SeedID]bool, len(ids))
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			return fmt.Errorf("corpus: retire %d: %w", id, model.ErrUnknownSeed)
		}
		if e.Membership != model.MembershipRetained {
			return fmt.Errorf("corpus: retire %d: seed is %s, not retained", id, e.Membership)
		}
		drop[id] = true
	}
	covered := &coverage.Set{}
	for id := range s.members[model.MembershipRetained] {
		if !drop[id] {
			covered.UnionWith(s.entries[id].Canonical.Branches)
		}
	}
	if !covered.Equal(s.union) {
		return fmt.Errorf("%w: %d of %d branches would remain covered", ErrInvariantViolated, covered.Len(), s.union.Len())
	}
	for id := range drop {
		s.moveLocked(s.entries[id], model.MembershipRetired)
		s.retirements++
	}
	return nil
}

// VerifyUnion recomputes the union of retained seeds' coverage and checks it
// equals the global union.
func (s *State) VerifyUnion() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyUnionLocked()
}

func (s *State) verifyUnionLocked() error {
	covered := &coverage.Set{}
	for id := range s.members[model.MembershipRetained] {
		covered.UnionWith(s.entries[id].Canonical.Branches)
	}
	if !covered.Equal(s.union) {
		return fmt.Errorf("%w: retained cover %d, union holds %d", ErrInvariantViolated, covered.Len(), s.union.Len())
	}
	return nil
}

// Checkpoint is a durable summary of a State's membership. QuietRounds is
// the count of consecutive quiet ingest rounds when it was taken.
type Checkpoint struct {
	Target      string         `json:"target"`
	Retained    []model.SeedID `json:"retained"`
	Retired     []model.SeedID `json:"retired"`
	Pending     []model.SeedID `json:"pending"`
	UnionSize   int            `json:"union_size"`
	UnionDigest string         `json:"union_digest"`
	MerkleRoot  string         `json:"merkle_root"`
	QuietRounds int            `json:"quiet_rounds"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Summary is the announcement of a committed checkpoint.
type Summary struct {
	Target    string    `json:"target"`
	UnionSize int       `json:"union_size"`
	Retained  int       `json:"retained"`
	Retired   int       `json:"retired"`
	Pending   int       `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary condenses cp for notifications.
func (cp Checkpoint) Summary() Summary {
	return Summary{
		Target:    cp.Target,
		UnionSize: cp.UnionSize,
		Retained:  len(cp.Retained),
		Retired:   len(cp.Retired),
		Pending:   len(cp.Pending),
		CreatedAt: cp.CreatedAt,
	}
}

// Checkpoint captures membership after re-verifying that the retained seeds
// cover the union. No checkpoint is produced if the check fails.
func (s *State) Checkpoint() (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.verifyUnionLocked(); err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{
		Target:      s.name,
		Retained:    sortedIDs(s.members[model.MembershipRetained]),
		Retired:     sortedIDs(s.members[model.MembershipRetired]),
		Pending:     sortedIDs(s.members[model.MembershipPending]),
		UnionSize:   s.union.Len(),
		UnionDigest: integrity.UnionDigest(s.union.IDs()),
		QuietRounds: s.quietRounds,
		CreatedAt:   s.now().UTC(),
	}
	cp.MerkleRoot = s.merkleRootLocked(cp.Retained)
	return cp, nil
}

func (s *State) merkleRootLocked(retained []model.SeedID) string {
	leaves := make([]string, 0, len(retained))
	for _, id := range retained {
		leaves = append(leaves, SeedDigest(s.entries[id].Seed))
	}
	slices.Sort(leaves)
	return integrity.BuildMerkleRoot(leaves)
}

// VerifyCheckpoint checks that the live state matches cp: the same union
// digest and the same Merkle root over retained seeds.
func (s *State) VerifyCheckpoint(cp Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if got := integrity.UnionDigest(s.union.IDs()); got != cp.UnionDigest {
		return fmt.Errorf("corpus: checkpoint union digest mismatch for %s", s.name)
	}
	retained := sortedIDs(s.members[model.MembershipRetained])
	if got := s.merkleRootLocked(retained); got != cp.MerkleRoot {
		return fmt.Errorf("corpus: checkpoint merkle root mismatch for %s", s.name)
	}
	return nil
}

// SeedDigest is the integrity digest of a seed's identity fields.
func SeedDigest(seed model.Seed) string {
	lineage := make([]uint64, len(seed.Lineage))
	for i, p := range seed.Lineage {
		lineage[i] = uint64(p)
	}
	return integrity.SeedDigest(uint64(seed.ID), seed.Target, seed.SourceDigest, string(seed.Origin), lineage)
}

func sortedIDs(set map[model.SeedID]struct{}) []model.SeedID {
	out := make([]model.SeedID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
