// Package lineage tracks seed provenance as an append-only DAG.
//
// Nodes live in an arena indexed by position; edges are parent-index lists.
// Because the graph only grows, a cycle can only be introduced when a child
// is recorded, so that is the only place it is checked.
package lineage

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ashita-ai/tane/internal/model"
)

// ErrAlreadyRecorded is returned when a seed is recorded twice.
var ErrAlreadyRecorded = errors.New("lineage: seed already recorded")

type node struct {
	id       model.SeedID
	parents  []int32
	depth    int
	children int
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	nodes []node
	index map[model.SeedID]int32
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{index: make(map[model.SeedID]int32)}
}

// RecordRoot records a seed without parents.
func (t *Tracker) RecordRoot(id model.SeedID) error {
	return t.RecordChild(nil, id)
}

// RecordChild records child with the given parents. It rejects with a
// *model.CycleError a child that is among its own ancestors, and with
// model.ErrUnknownSeed a parent that was never recorded. On error the graph
// is unchanged.
func (t *Tracker) RecordChild(parents []model.SeedID, child model.SeedID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked(parents, child); err != nil {
		return err
	}

	n := node{id: child}
	for _, p := range dedupe(parents) {
		pi := t.index[p]
		n.parents = append(n.parents, pi)
		n.depth = max(n.depth, t.nodes[pi].depth+1)
	}
	for _, pi := range n.parents {
		t.nodes[pi].children++
	}
	t.index[child] = int32(len(t.nodes)) //nolint:gosec // arena is far below 2^31
	t.nodes = append(t.nodes, n)
	return nil
}

// CheckChild reports the error RecordChild would return for the same
// arguments, without recording anything.
func (t *Tracker) CheckChild(parents []model.SeedID, child model.SeedID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkLocked(parents, child)
}

func (t *Tracker) checkLocked(parents []model.SeedID, child model.SeedID) error {
	if path := t.pathToLocked(parents, child); path != nil {
		return &model.CycleError{Child: child, Path: path}
	}
	if _, ok := t.index[child]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRecorded, child)
	}
	for _, p := range parents {
		if _, ok := t.index[p]; !ok {
			return fmt.Errorf("lineage: parent %d of %d: %w", p, child, model.ErrUnknownSeed)
		}
	}
	return nil
}

// pathToLocked returns an ancestor chain from one of parents to target, or
// nil if target is not reachable. The walk visits each admitted ancestor at
// most once, so it is bounded by the arena size.
func (t *Tracker) pathToLocked(parents []model.SeedID, target model.SeedID) []model.SeedID {
	for _, p := range parents {
		if p == target {
			return []model.SeedID{target}
		}
	}
	ti, ok := t.index[target]
	if !ok {
		return nil
	}

	// from[i] is the node we reached i from; -1 marks a starting parent.
	from := make(map[int32]int32)
	stack := make([]int32, 0, len(parents))
	for _, p := range parents {
		if pi, ok := t.index[p]; ok {
			if _, seen := from[pi]; !seen {
				from[pi] = -1
				stack = append(stack, pi)
			}
		}
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == ti {
			var path []model.SeedID
			for i := cur; i != -1; i = from[i] {
				path = append(path, t.nodes[i].id)
			}
			slices.Reverse(path)
			return path
		}
		for _, pi := range t.nodes[cur].parents {
			if _, seen := from[pi]; !seen {
				from[pi] = cur
				stack = append(stack, pi)
			}
		}
	}
	return nil
}

// Depth returns the length of the longest parent chain above id. Roots and
// unknown seeds have depth 0.
func (t *Tracker) Depth(id model.SeedID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.index[id]; ok {
		return t.nodes[i].depth
	}
	return 0
}

// Parents returns the recorded parents of id in recorded order.
func (t *Tracker) Parents(id model.SeedID) []model.SeedID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	out := make([]model.SeedID, len(t.nodes[i].parents))
	for k, pi := range t.nodes[i].parents {
		out[k] = t.nodes[pi].id
	}
	return out
}

// Children returns how many recorded seeds name id as a parent.
func (t *Tracker) Children(id model.SeedID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.index[id]; ok {
		return t.nodes[i].children
	}
	return 0
}

// Ancestors returns up to limit distinct ancestors of id, nearest first.
// A limit <= 0 means no limit.
func (t *Tracker) Ancestors(id model.SeedID, limit int) []model.SeedID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	seen := map[int32]bool{i: true}
	queue := slices.Clone(t.nodes[i].parents)
	var out []model.SeedID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, t.nodes[cur].id)
		if limit > 0 && len(out) >= limit {
			break
		}
		queue = append(queue, t.nodes[cur].parents...)
	}
	return out
}

// Contains reports whether id has been recorded.
func (t *Tracker) Contains(id model.SeedID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

// Len is the number of recorded seeds.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func dedupe(ids []model.SeedID) []model.SeedID {
	out := make([]model.SeedID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
