package seeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/tane/internal/storage"
)

// RestoreReport summarizes a Restore.
type RestoreReport struct {
	Seeds        int `json:"seeds"`
	Observations int `json:"observations"`
	Skipped      int `json:"skipped"`
	Checkpoints  int `json:"checkpoints"`
}

// Restore rebuilds the in-memory corpus from the store: seeds in admission
// order, then observations in the order they were stored, then the
// membership and quiet-round count of each target's latest checkpoint. The
// union does not depend on replay order; membership does, which is why the
// checkpoint overrides it. Call it once, before serving.
func (s *Service) Restore(ctx context.Context) (RestoreReport, error) {
	var rep RestoreReport
	if s.store == nil {
		return rep, nil
	}

	seeds, err := s.store.LoadSeeds(ctx)
	if err != nil {
		return rep, fmt.Errorf("seeds: restore: %w", err)
	}
	for _, seed := range seeds {
		if _, ok := s.Get(seed.Target); !ok {
			s.logger.Warn("seeds: restore: skipping seed of unregistered target", "seed_id", seed.ID, "target", seed.Target)
			rep.Skipped++
			continue
		}
		if err := s.recordLineage(seed); err != nil {
			return rep, fmt.Errorf("seeds: restore: %w", err)
		}
		if err := s.index(seed); err != nil {
			return rep, fmt.Errorf("seeds: restore: %w", err)
		}
		rep.Seeds++
	}

	recs, err := s.store.LoadObservations(ctx)
	if err != nil {
		return rep, fmt.Errorf("seeds: restore: %w", err)
	}
	latest := make(map[string]time.Time)
	for _, rec := range recs {
		obs, err := s.norm.FromRecord(rec)
		if err != nil {
			s.logger.Warn("seeds: restore: skipping observation", "observation_id", rec.ID, "error", err)
			rep.Skipped++
			continue
		}
		seed, err := s.Seed(obs.SeedID)
		if err != nil {
			rep.Skipped++
			continue
		}
		t, err := s.target(seed.Target)
		if err != nil {
			rep.Skipped++
			continue
		}
		res, err := t.state.Merge(seed, obs)
		if err != nil {
			return rep, fmt.Errorf("seeds: restore: merge %d: %w", seed.ID, err)
		}
		s.applyResults(t, res)
		if obs.ObservedAt.After(latest[seed.Target]) {
			latest[seed.Target] = obs.ObservedAt
		}
		rep.Observations++
	}

	for name, t := range s.snapshotTargets() {
		cp, err := s.store.LatestCheckpoint(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			t.state.ResumeRounds(0)
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("seeds: restore: %w", err)
		}
		// Replay order can differ from the order merges happened in, and
		// membership depends on it. The checkpoint has the last word.
		changed, err := t.state.RestoreCheckpoint(cp)
		if err != nil {
			s.logger.Warn("seeds: restore: checkpoint membership not applied", "target", name, "error", err)
		} else {
			s.applyResults(t, changed...)
		}
		if latest[name].After(cp.CreatedAt) {
			// Rounds after the checkpoint were not recorded.
			t.state.ResumeRounds(0)
			s.logger.Info("seeds: restore: observations newer than checkpoint", "target", name, "checkpoint_at", cp.CreatedAt)
		} else {
			if err := t.state.VerifyCheckpoint(cp); err != nil {
				return rep, fmt.Errorf("seeds: restore: %w", err)
			}
			t.state.ResumeRounds(cp.QuietRounds)
		}
		rep.Checkpoints++
	}

	s.logger.Info("seeds: restored",
		"seeds", rep.Seeds, "observations", rep.Observations,
		"skipped", rep.Skipped, "checkpoints", rep.Checkpoints)
	return rep, nil
}
