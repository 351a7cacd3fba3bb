package seeds

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/export"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
	"github.com/ashita-ai/tane/internal/schedule"
)

// NextBatch returns up to n retained seeds of target to mutate or
// recombine next. An exhausted corpus yields an empty slice.
func (s *Service) NextBatch(target string, n int) ([]model.SeedID, error) {
	t, err := s.target(target)
	if err != nil {
		return nil, err
	}
	return t.sched.NextBatch(n), nil
}

// MarkSelected records that a seed was handed to the generator.
func (s *Service) MarkSelected(id model.SeedID) (time.Time, error) {
	seed, err := s.Seed(id)
	if err != nil {
		return time.Time{}, err
	}
	t, err := s.target(seed.Target)
	if err != nil {
		return time.Time{}, err
	}
	return t.sched.MarkSelected(id)
}

// Stats is the per-target summary served to operators.
type Stats struct {
	corpus.Stats
	Scheduled int  `json:"scheduled"`
	Converged bool `json:"converged"`
}

// Stats summarizes one target.
func (s *Service) Stats(target string) (Stats, error) {
	t, err := s.target(target)
	if err != nil {
		return Stats{}, err
	}
	st := t.state.Stats()
	return Stats{
		Stats:     st,
		Scheduled: t.sched.Len(),
		Converged: s.cfg.ConvergeRounds > 0 && st.QuietRounds >= s.cfg.ConvergeRounds,
	}, nil
}

// Coverage returns a seed's canonical coverage, or the coverage of one run
// when runID is non-zero. A seed with no observation yet returns nil.
func (s *Service) Coverage(id model.SeedID, runID uuid.UUID) (*coverage.Observation, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	if runID == uuid.Nil {
		return e.Canonical, nil
	}
	for _, o := range e.Observations {
		if o.RunID == runID {
			return o, nil
		}
	}
	return nil, fmt.Errorf("seeds: seed %d run %s: %w", id, runID, ErrRunNotFound)
}

func (s *Service) entry(id model.SeedID) (corpus.Entry, error) {
	seed, err := s.Seed(id)
	if err != nil {
		return corpus.Entry{}, err
	}
	t, err := s.target(seed.Target)
	if err != nil {
		return corpus.Entry{}, err
	}
	e, ok := t.state.Entry(id)
	if !ok {
		return corpus.Entry{}, fmt.Errorf("seeds: seed %d: %w", id, model.ErrUnknownSeed)
	}
	return e, nil
}

// SeedInfo is everything known about one seed.
type SeedInfo struct {
	Seed         model.Seed       `json:"seed"`
	Membership   model.Membership `json:"membership"`
	Metrics      quality.Metrics  `json:"metrics"`
	Depth        int              `json:"depth"`
	Children     int              `json:"children"`
	Observations int              `json:"observations"`
	Schedule     *schedule.Entry  `json:"schedule,omitempty"`
}

// Describe returns the state of one seed.
func (s *Service) Describe(id model.SeedID) (SeedInfo, error) {
	e, err := s.entry(id)
	if err != nil {
		return SeedInfo{}, err
	}
	info := SeedInfo{
		Seed:         e.Seed,
		Membership:   e.Membership,
		Metrics:      e.Metrics,
		Depth:        s.lineage.Depth(id),
		Children:     s.lineage.Children(id),
		Observations: len(e.Observations),
	}
	if t, err := s.target(e.Seed.Target); err == nil {
		if se, ok := t.sched.Lookup(id); ok {
			info.Schedule = &se
		}
	}
	return info, nil
}

// Lineage returns up to limit ancestors of a seed, nearest first.
func (s *Service) Lineage(id model.SeedID, limit int) ([]model.SeedID, error) {
	if _, err := s.Seed(id); err != nil {
		return nil, err
	}
	return s.lineage.Ancestors(id, limit), nil
}

// Export renders the corpus headers of target in priority order. Only
// retained seeds are included unless all is set, in which case pending,
// unevaluated and retired seeds follow.
func (s *Service) Export(target string, all bool) ([]export.Header, error) {
	t, err := s.target(target)
	if err != nil {
		return nil, err
	}
	buckets := []model.Membership{model.MembershipRetained}
	if all {
		buckets = append(buckets, model.MembershipPending, model.MembershipUnevaluated, model.MembershipRetired)
	}
	lib := t.state.Library()

	var out []export.Header
	for _, m := range buckets {
		ranks := t.state.Ranks(m)
		slices.SortFunc(ranks, func(a, b quality.Rank) int {
			if quality.Less(a, b) {
				return -1
			}
			return 1
		})
		for _, r := range ranks {
			e, ok := t.state.Entry(r.ID)
			if !ok {
				continue
			}
			out = append(out, header(lib, e))
		}
	}
	return out, nil
}

// header renders an entry. Seeds that never earned a place in the corpus
// carry the all-zero quality block.
func header(lib *model.TargetLibrary, e corpus.Entry) export.Header {
	h := export.Header{
		ID:           e.Seed.ID,
		Target:       e.Seed.Target,
		SourceDigest: e.Seed.SourceDigest,
		Prompt: export.Prompt{
			Origin:   e.Seed.Origin,
			Metadata: e.Seed.PromptMetadata,
			Lineage:  e.Seed.Lineage,
		},
		Combination: e.Seed.Combination,
	}
	if e.Membership != model.MembershipRetained && e.Membership != model.MembershipRetired {
		return h
	}
	m := e.Metrics
	h.Score = m.Score
	h.NrUniqueBranch = m.UniqueBranches
	h.Quality = export.Quality{
		Density:        m.Density,
		UniqueBranches: map[string][]uint32{},
		Visited:        export.Flag(m.Visited),
	}
	if m.Unique != nil && !m.Unique.Empty() {
		h.Quality.UniqueBranches[e.Seed.Target] = m.Unique.IDs()
	}
	if e.Canonical != nil {
		h.Quality.LibraryCalls = lib.CallNames(e.Canonical.LibraryCalls)
		h.Quality.CriticalCalls = lib.CallNames(e.Canonical.CriticalCalls)
	}
	return h
}
