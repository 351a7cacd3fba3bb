package seeds

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/minimize"
	"github.com/ashita-ai/tane/internal/telemetry"
)

// CompactResult is the outcome of one compaction of a target.
type CompactResult struct {
	Report     minimize.Report    `json:"report"`
	Checkpoint *corpus.Checkpoint `json:"checkpoint,omitempty"`
}

// Compact runs a minimization pass over target and commits a checkpoint.
// Concurrent calls for the same target share one pass. The checkpoint is
// only built after the corpus re-verifies that the retained seeds cover the
// union; a rejected pass commits nothing.
func (s *Service) Compact(ctx context.Context, target string) (CompactResult, error) {
	t, err := s.target(target)
	if err != nil {
		return CompactResult{}, err
	}
	v, err, _ := s.compactions.Do(target, func() (any, error) {
		return s.compact(ctx, t)
	})
	if err != nil {
		return CompactResult{}, err
	}
	return v.(CompactResult), nil
}

func (s *Service) compact(ctx context.Context, t *target) (CompactResult, error) {
	ctx, span := telemetry.Tracer("tane/seeds").Start(ctx, "seeds.compact")
	defer span.End()

	rep, err := s.minimizer.Run(ctx, t.state)
	span.SetAttributes(
		attribute.String("target", rep.Target),
		attribute.Int("retired", len(rep.Retired)),
	)
	if err == nil {
		t.promoted.Store(0)
		for _, id := range rep.Retired {
			t.sched.Remove(id)
		}
	}
	// Merges queued during the pass were applied after the retirements,
	// either way, and may have brought a retired seed back.
	s.applyResults(t, rep.Applied...)
	if err != nil {
		return CompactResult{Report: rep}, fmt.Errorf("seeds: compact %s: %w", rep.Target, err)
	}
	s.retireCounter.Add(ctx, int64(len(rep.Retired)), metric.WithAttributes(attribute.String("target", rep.Target)))

	cp, err := t.state.Checkpoint()
	if err != nil {
		return CompactResult{Report: rep}, fmt.Errorf("seeds: checkpoint %s: %w", rep.Target, err)
	}
	if s.store != nil {
		if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
			return CompactResult{Report: rep}, fmt.Errorf("seeds: save checkpoint %s: %w", rep.Target, err)
		}
	}
	if s.cfg.OnCheckpoint != nil {
		s.cfg.OnCheckpoint(cp)
	}
	return CompactResult{Report: rep, Checkpoint: &cp}, nil
}

// CompactAll compacts every target, logging failures.
func (s *Service) CompactAll(ctx context.Context) map[string]CompactResult {
	out := make(map[string]CompactResult)
	for _, name := range s.Targets() {
		res, err := s.Compact(ctx, name)
		if err != nil {
			s.logger.Error("seeds: compaction failed", "target", name, "error", err)
			continue
		}
		out[name] = res
	}
	return out
}

func (s *Service) maybeSignalCompaction(t *target) {
	if s.cfg.CompactThreshold <= 0 || t.promoted.Load() < int64(s.cfg.CompactThreshold) {
		return
	}
	select {
	case s.compactCh <- t.state.Target():
	default:
	}
}

// RunCompactionLoop compacts targets on the configured interval and
// whenever a target crosses the retained-growth threshold. It returns when
// ctx is done.
func (s *Service) RunCompactionLoop(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.CompactInterval > 0 {
		ticker := time.NewTicker(s.cfg.CompactInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.CompactAll(ctx)
		case name := <-s.compactCh:
			if _, err := s.Compact(ctx, name); err != nil {
				s.logger.Error("seeds: threshold compaction failed", "target", name, "error", err)
			}
		}
	}
}
