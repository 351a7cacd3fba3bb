package seeds

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
)

// Applied is the outcome of applying one raw trace.
type Applied struct {
	Observation *coverage.Observation
	Merge       corpus.MergeResult
}

// Apply normalizes one raw trace and merges it into its target's corpus
// state. It does not persist the observation; see Persist. Errors are
// per-trace and leave the state untouched.
func (s *Service) Apply(ctx context.Context, raw model.RawTrace) (Applied, error) {
	obs, err := s.norm.Normalize(raw)
	if err != nil {
		return Applied{}, err
	}
	seed, err := s.Seed(obs.SeedID)
	if err != nil {
		return Applied{}, err
	}
	if seed.Target != obs.Target {
		return Applied{}, &model.MalformedTraceError{
			Target: obs.Target,
			SeedID: obs.SeedID,
			Reason: fmt.Sprintf("seed belongs to target %q", seed.Target),
		}
	}
	t, err := s.target(seed.Target)
	if err != nil {
		return Applied{}, err
	}

	res, err := t.state.Merge(seed, obs)
	if err != nil {
		return Applied{}, fmt.Errorf("seeds: merge %d: %w", seed.ID, err)
	}
	if !res.Duplicate {
		s.mergeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("target", seed.Target)))
	}
	s.applyResults(t, res)
	s.maybeSignalCompaction(t)
	return Applied{Observation: obs, Merge: res}, nil
}

// Persist stores the observations of applied traces in the order they were
// merged, whatever order applied is in, so that Restore replays merges as
// they happened. Duplicates are skipped. Without a store it does nothing.
func (s *Service) Persist(ctx context.Context, applied []Applied) error {
	if s.store == nil {
		return nil
	}
	keep := make([]Applied, 0, len(applied))
	for _, a := range applied {
		if a.Observation == nil || a.Merge.Duplicate {
			continue
		}
		keep = append(keep, a)
	}
	slices.SortStableFunc(keep, func(a, b Applied) int {
		return cmp.Compare(a.Merge.Seq, b.Merge.Seq)
	})
	recs := make([]coverage.Record, 0, len(keep))
	for _, a := range keep {
		recs = append(recs, a.Observation.Record())
	}
	if len(recs) == 0 {
		return nil
	}
	if _, err := s.store.SaveObservations(ctx, recs); err != nil {
		return fmt.Errorf("seeds: persist observations: %w", err)
	}
	return nil
}

// EndRound closes an ingest round on every target and returns the
// quiet-round count per target.
func (s *Service) EndRound() map[string]int {
	out := make(map[string]int)
	for name, t := range s.snapshotTargets() {
		out[name] = t.state.EndRound()
	}
	return out
}

// IngestReport summarizes a synchronous ingest.
type IngestReport struct {
	Applied  []Applied
	Rejected int
	Errors   []error
}

// Retained counts traces whose seed ended up retained.
func (r IngestReport) Retained() int {
	n := 0
	for _, a := range r.Applied {
		if a.Merge.Membership == model.MembershipRetained {
			n++
		}
	}
	return n
}

// IngestTraces applies, persists and closes one round over traces, in
// order. Per-trace errors are collected and do not stop the batch; only a
// persistence failure is returned as an error.
func (s *Service) IngestTraces(ctx context.Context, traces []model.RawTrace) (IngestReport, error) {
	var rep IngestReport
	for _, raw := range traces {
		a, err := s.Apply(ctx, raw)
		if err != nil {
			rep.Rejected++
			rep.Errors = append(rep.Errors, err)
			s.logger.Warn("seeds: trace rejected", "target", raw.Target, "seed_id", raw.SeedID, "error", err)
			continue
		}
		rep.Applied = append(rep.Applied, a)
	}
	if err := s.Persist(ctx, rep.Applied); err != nil {
		return rep, err
	}
	s.EndRound()
	return rep, nil
}

// IsTraceError reports whether err is a per-trace rejection, as opposed to
// an infrastructure failure.
func IsTraceError(err error) bool {
	return errors.Is(err, model.ErrMalformedTrace) ||
		errors.Is(err, model.ErrUnknownTarget) ||
		errors.Is(err, model.ErrUnknownSeed) ||
		errors.Is(err, corpus.ErrTargetMismatch)
}
