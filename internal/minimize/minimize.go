// Package minimize retires retained seeds whose coverage is subsumed by the
// rest of the retained set.
//
// The pass is the greedy set-cover approximation: seeds are examined from
// lowest to highest priority, so cheap redundant seeds go before valuable
// ones, and per-branch coverer counts stand in for "the union of all other
// retained seeds" so each seed is checked in time proportional to its own
// coverage.
package minimize

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
)

// Report describes one pass.
type Report struct {
	Target    string               `json:"target"`
	Examined  int                  `json:"examined"`
	Retired   []model.SeedID       `json:"retired"`
	Retained  int                  `json:"retained"`
	Cancelled bool                 `json:"cancelled"`
	Applied   []corpus.MergeResult `json:"applied,omitempty"` // merges queued during the pass
	Duration  time.Duration        `json:"duration"`
}

// Minimizer runs compaction passes. It holds no state between passes.
type Minimizer struct {
	logger *slog.Logger
}

// New creates a Minimizer.
func New(logger *slog.Logger) *Minimizer {
	return &Minimizer{logger: logger}
}

// Run performs one pass over state. A cancelled context stops the pass
// between seeds; the retirements decided so far are still applied, which
// is safe because a partial pass is only less aggressive than a full one.
// The corpus rejects the whole batch if it would shrink coverage.
func (m *Minimizer) Run(ctx context.Context, state *corpus.State) (Report, error) {
	start := time.Now()
	cands, _, err := state.BeginCompaction()
	if err != nil {
		return Report{Target: state.Target()}, err
	}

	retire, examined := Select(ctx, cands)
	rep := Report{
		Target:    state.Target(),
		Examined:  examined,
		Retired:   retire,
		Retained:  len(cands) - len(retire),
		Cancelled: examined < len(cands),
	}

	applied, err := state.EndCompaction(retire)
	rep.Applied = applied
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Retired = nil
		rep.Retained = len(cands)
		m.logger.Error("minimize: pass rejected", "target", rep.Target, "error", err)
		return rep, err
	}
	m.logger.Info("minimize: pass complete",
		"target", rep.Target,
		"examined", rep.Examined,
		"retired", len(rep.Retired),
		"retained", rep.Retained,
		"deferred_applied", len(applied),
		"cancelled", rep.Cancelled,
		"duration_ms", rep.Duration.Milliseconds())
	return rep, nil
}

// Select decides which candidates to retire. It returns the retired IDs in
// the order they were decided and how many candidates were examined before
// ctx was done.
func Select(ctx context.Context, cands []corpus.Candidate) ([]model.SeedID, int) {
	order := slices.Clone(cands)
	// Ascending priority: the reverse of the scheduling order.
	slices.SortFunc(order, func(a, b corpus.Candidate) int {
		switch {
		case quality.Less(b.Rank, a.Rank):
			return -1
		case quality.Less(a.Rank, b.Rank):
			return 1
		}
		return 0
	})

	branchCount := make(map[uint32]int)
	callCount := make(map[model.CallID]int)
	for _, c := range order {
		c.Branches.Each(func(id uint32) bool {
			branchCount[id]++
			return true
		})
		for _, call := range c.Critical {
			callCount[call]++
		}
	}

	var retire []model.SeedID
	examined := 0
	for _, c := range order {
		if ctx.Err() != nil {
			break
		}
		examined++
		if !subsumed(c, branchCount, callCount) {
			continue
		}
		c.Branches.Each(func(id uint32) bool {
			branchCount[id]--
			return true
		})
		for _, call := range c.Critical {
			callCount[call]--
		}
		retire = append(retire, c.Rank.ID)
	}
	return retire, examined
}

// subsumed reports whether every branch and critical call of c is also held
// by at least one other remaining seed.
func subsumed(c corpus.Candidate, branchCount map[uint32]int, callCount map[model.CallID]int) bool {
	ok := true
	c.Branches.Each(func(id uint32) bool {
		if branchCount[id] < 2 {
			ok = false
		}
		return ok
	})
	if !ok {
		return false
	}
	for _, call := range c.Critical {
		if callCount[call] < 2 {
			return false
		}
	}
	return true
}
