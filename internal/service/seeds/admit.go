package seeds

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/model"
)

// AdmitResult is the outcome of admitting a seed.
type AdmitResult struct {
	Seed model.Seed
	// Created is false when a seed with the same source digest already
	// existed for the target and its ID was returned instead.
	Created bool
}

// AdmitSeed assigns an ID to a new candidate program and records its
// lineage. Admission is idempotent on (target, source digest). A lineage
// that names unknown parents, parents of another target, or would close a
// cycle is rejected and nothing is recorded.
func (s *Service) AdmitSeed(ctx context.Context, req model.AdmitSeedRequest) (AdmitResult, error) {
	if err := req.Validate(); err != nil {
		return AdmitResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, ok := s.Get(req.Target); !ok {
		return AdmitResult{}, &model.UnknownTargetError{Target: req.Target}
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("tane.target", req.Target),
		attribute.Int("tane.lineage_len", len(req.Lineage)),
	)

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	s.mu.RLock()
	existing, dup := s.digests[digestKey{req.Target, req.SourceDigest}]
	s.mu.RUnlock()
	if dup {
		seed, err := s.Seed(existing)
		if err != nil {
			return AdmitResult{}, err
		}
		return AdmitResult{Seed: seed}, nil
	}

	for _, p := range req.Lineage {
		parent, err := s.Seed(p)
		if err != nil {
			return AdmitResult{}, fmt.Errorf("seeds: admit: parent %d: %w", p, model.ErrUnknownSeed)
		}
		if parent.Target != req.Target {
			return AdmitResult{}, fmt.Errorf("seeds: admit: parent %d belongs to %q: %w",
				p, parent.Target, corpus.ErrTargetMismatch)
		}
	}

	seed := model.Seed{
		ID:             model.SeedID(s.nextID.Add(1)),
		Target:         req.Target,
		SourceDigest:   req.SourceDigest,
		Lineage:        append([]model.SeedID(nil), req.Lineage...),
		Origin:         resolveOrigin(req.Origin, len(req.Lineage)),
		PromptMetadata: req.PromptMetadata,
		Combination:    append([]string(nil), req.Combination...),
		AdmittedAt:     time.Now().UTC(),
	}
	if len(seed.Lineage) == 0 {
		seed.Lineage = nil
	}
	if len(seed.Combination) == 0 {
		seed.Combination = nil
	}

	// Admissions are serialized by admitMu, so the check still holds when
	// the node is recorded after the save.
	if err := s.lineage.CheckChild(seed.Lineage, seed.ID); err != nil {
		return AdmitResult{}, fmt.Errorf("seeds: lineage for %d: %w", seed.ID, err)
	}
	if s.store != nil {
		if err := s.store.SaveSeed(ctx, seed); err != nil {
			return AdmitResult{}, fmt.Errorf("seeds: admit: %w", err)
		}
	}
	if err := s.recordLineage(seed); err != nil {
		return AdmitResult{}, err
	}
	if err := s.index(seed); err != nil {
		return AdmitResult{}, err
	}

	s.logger.Debug("seeds: admitted",
		"seed_id", seed.ID, "target", seed.Target, "origin", seed.Origin, "parents", len(seed.Lineage))
	return AdmitResult{Seed: seed, Created: true}, nil
}

func (s *Service) recordLineage(seed model.Seed) error {
	var err error
	if seed.IsRoot() {
		err = s.lineage.RecordRoot(seed.ID)
	} else {
		err = s.lineage.RecordChild(seed.Lineage, seed.ID)
	}
	if err != nil {
		return fmt.Errorf("seeds: lineage for %d: %w", seed.ID, err)
	}
	return nil
}

// index makes seed visible to lookups and tracks it in its target's state.
func (s *Service) index(seed model.Seed) error {
	s.mu.Lock()
	t, ok := s.targets[seed.Target]
	if ok {
		s.seeds[seed.ID] = seed
		s.digests[digestKey{seed.Target, seed.SourceDigest}] = seed.ID
	}
	s.mu.Unlock()
	if !ok {
		return &model.UnknownTargetError{Target: seed.Target}
	}
	if err := t.state.Track(seed); err != nil {
		return fmt.Errorf("seeds: track %d: %w", seed.ID, err)
	}
	for {
		cur := s.nextID.Load()
		if uint64(seed.ID) <= cur || s.nextID.CompareAndSwap(cur, uint64(seed.ID)) {
			return nil
		}
	}
}

// resolveOrigin fills in an omitted origin from the shape of the lineage.
func resolveOrigin(o model.Origin, parents int) model.Origin {
	if o != "" {
		return o
	}
	switch {
	case parents == 0:
		return model.OriginOriginal
	case parents == 1:
		return model.OriginMutate
	default:
		return model.OriginCombine
	}
}

