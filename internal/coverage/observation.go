package coverage

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/model"
)

// Observation is the normalized result of one execution run of one seed.
// Several observations may exist per seed; see Canonical.
type Observation struct {
	ID            uuid.UUID      `json:"id"`
	SeedID        model.SeedID   `json:"seed_id"`
	Target        string         `json:"target"`
	RunID         uuid.UUID      `json:"run_id"`
	Branches      *Set           `json:"branches"`
	LibraryCalls  []model.CallID `json:"library_calls"`  // sorted, unique
	CriticalCalls []model.CallID `json:"critical_calls"` // sorted, unique, subset of LibraryCalls
	CallSequence  []model.CallID `json:"call_sequence"`  // known calls in run order
	Calls         []string       `json:"calls"`          // raw call names in run order, unknown ones included
	Visited       bool           `json:"visited"`
	ObservedAt    time.Time      `json:"observed_at"`
}

// Canonical folds a seed's observations into its canonical coverage: the
// union of branches and calls across runs. Visited is true if any run was
// visited. A single observation is returned as is; otherwise the result has
// a zero ID and RunID. Canonical of no observations is nil. Callers must not
// mutate the result.
func Canonical(obs []*Observation) *Observation {
	if len(obs) == 0 {
		return nil
	}
	if len(obs) == 1 {
		return obs[0]
	}
	out := &Observation{
		SeedID:   obs[0].SeedID,
		Target:   obs[0].Target,
		Branches: &Set{},
	}
	var lib, crit []model.CallID
	for _, o := range obs {
		out.Branches.UnionWith(o.Branches)
		lib = append(lib, o.LibraryCalls...)
		crit = append(crit, o.CriticalCalls...)
		out.Visited = out.Visited || o.Visited
		if o.ObservedAt.After(out.ObservedAt) {
			out.ObservedAt = o.ObservedAt
		}
	}
	out.LibraryCalls = sortedUnique(lib)
	out.CriticalCalls = sortedUnique(crit)
	return out
}

// Remap re-derives the call sets of o against lib, whose call table or
// critical-call registry may differ from the one o was normalized under.
// Branches are shared with o.
func (o *Observation) Remap(lib *model.TargetLibrary) *Observation {
	out := *o
	out.CallSequence, out.LibraryCalls, out.CriticalCalls = mapCalls(lib, o.Calls)
	return &out
}

// mapCalls resolves names through lib's call table. Unknown names are
// skipped.
func mapCalls(lib *model.TargetLibrary, names []string) (seq, libCalls, critical []model.CallID) {
	seq = make([]model.CallID, 0, len(names))
	for _, name := range names {
		if id, ok := lib.Lookup(name); ok {
			seq = append(seq, id)
		}
	}
	libCalls = sortedUnique(seq)
	for _, id := range libCalls {
		if lib.IsCritical(id) {
			critical = append(critical, id)
		}
	}
	return seq, libCalls, critical
}

// Record is the persisted form of an observation. Everything else is
// derived from it and the target library on load.
type Record struct {
	ID         uuid.UUID
	SeedID     model.SeedID
	Target     string
	RunID      uuid.UUID
	Branches   *Set
	Calls      []string
	ObservedAt time.Time
}

// Record returns the persisted form of o.
func (o *Observation) Record() Record {
	return Record{
		ID:         o.ID,
		SeedID:     o.SeedID,
		Target:     o.Target,
		RunID:      o.RunID,
		Branches:   o.Branches,
		Calls:      o.Calls,
		ObservedAt: o.ObservedAt,
	}
}

// Disagree reports whether the observations differ in branch coverage, the
// signature of a flaky seed.
func Disagree(obs []*Observation) bool {
	for i := 1; i < len(obs); i++ {
		if !obs[i].Branches.Equal(obs[0].Branches) {
			return true
		}
	}
	return false
}

// Triple is three consecutive API calls in one run.
type Triple [3]model.CallID

// Triples returns the distinct consecutive call 3-grams of seq.
func Triples(seq []model.CallID) []Triple {
	if len(seq) < 3 {
		return nil
	}
	seen := make(map[Triple]struct{}, len(seq)-2)
	out := make([]Triple, 0, len(seq)-2)
	for i := 0; i+2 < len(seq); i++ {
		tr := Triple{seq[i], seq[i+1], seq[i+2]}
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		out = append(out, tr)
	}
	return out
}

func sortedUnique(ids []model.CallID) []model.CallID {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
