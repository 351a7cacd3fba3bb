// Package schedule decides which retained seeds are handed to the generator
// next for mutation or recombination.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
)

// Config bounds what NextBatch may return.
type Config struct {
	// MaxDepth excludes seeds deeper than this in the lineage graph. Zero
	// disables the cap.
	MaxDepth int
	// MaxFruitless excludes seeds selected this many times in a row without
	// a child that added coverage. Zero disables aging.
	MaxFruitless int
}

type item struct {
	id           model.SeedID
	score        float64
	depth        int
	lastSelected time.Time
	fruitless    int
}

// itemLess orders by score descending, then least recently selected (never
// selected first), then shallower lineage, then smaller ID.
func itemLess(a, b *item) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.lastSelected.Equal(b.lastSelected) {
		return a.lastSelected.Before(b.lastSelected)
	}
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return a.id < b.id
}

// Scheduler is a mutable priority queue over one target's retained seeds.
// It is safe for concurrent use.
type Scheduler struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	byID  map[model.SeedID]*item
	order *btree.BTreeG[*item]
}

// New creates an empty Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		now:   time.Now,
		byID:  make(map[model.SeedID]*item),
		order: btree.NewG[*item](2, itemLess),
	}
}

// Upsert inserts a seed or re-keys it with a new score and depth. Selection
// history survives a re-key.
func (s *Scheduler) Upsert(r quality.Rank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byID[r.ID]; ok {
		s.order.Delete(it)
		it.score, it.depth = r.Score, r.Depth
		s.order.ReplaceOrInsert(it)
		return
	}
	it := &item{id: r.ID, score: r.Score, depth: r.Depth}
	s.byID[r.ID] = it
	s.order.ReplaceOrInsert(it)
}

// Remove drops a seed, e.g. when it is retired. Unknown IDs are ignored.
func (s *Scheduler) Remove(id model.SeedID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byID[id]; ok {
		s.order.Delete(it)
		delete(s.byID, id)
	}
}

// NextBatch returns up to n seed IDs in priority order. An empty queue is
// the normal "corpus exhausted" signal and yields an empty slice.
func (s *Scheduler) NextBatch(n int) []model.SeedID {
	out := []model.SeedID{}
	if n <= 0 {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Ascend(func(it *item) bool {
		if s.cfg.MaxDepth > 0 && it.depth > s.cfg.MaxDepth {
			return true
		}
		if s.cfg.MaxFruitless > 0 && it.fruitless >= s.cfg.MaxFruitless {
			return true
		}
		out = append(out, it.id)
		return len(out) < n
	})
	return out
}

// MarkSelected records that id was handed out and returns the selection
// time. Each selection counts as fruitless until RecordOffspring reports a
// child with novel coverage.
func (s *Scheduler) MarkSelected(id model.SeedID) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return time.Time{}, fmt.Errorf("schedule: seed %d is not schedulable: %w", id, model.ErrUnknownSeed)
	}
	s.order.Delete(it)
	it.lastSelected = s.now().UTC()
	it.fruitless++
	s.order.ReplaceOrInsert(it)
	return it.lastSelected, nil
}

// RecordOffspring is called when a child of parents has been evaluated.
// A child that added coverage resets its parents' aging.
func (s *Scheduler) RecordOffspring(parents []model.SeedID, novel bool) {
	if !novel {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parents {
		if it, ok := s.byID[p]; ok {
			it.fruitless = 0
		}
	}
}

// Len is the number of seeds in the queue, including excluded ones.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Entry describes one queued seed.
type Entry struct {
	ID           model.SeedID `json:"id"`
	Score        float64      `json:"score"`
	Depth        int          `json:"depth"`
	LastSelected time.Time    `json:"last_selected,omitempty"`
	Fruitless    int          `json:"fruitless"`
}

// Lookup returns the queue entry for id.
func (s *Scheduler) Lookup(id model.SeedID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{ID: it.id, Score: it.score, Depth: it.depth, LastSelected: it.lastSelected, Fruitless: it.fruitless}, true
}
