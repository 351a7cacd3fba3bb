// Package model defines the core domain types for tane.
//
// Types here are plain data: target libraries, seeds, raw traces and the
// error taxonomy shared by every layer. Computation over coverage lives in
// internal/coverage, internal/quality and internal/corpus.
package model

import (
	"fmt"
	"slices"
	"sort"
)

// CallID indexes a library API name in a TargetLibrary's call table.
type CallID uint32

// BranchID identifies one instrumented branch of a target library build.
// Valid IDs are 0..UniverseSize-1.
type BranchID = uint32

// TargetLibrary describes one instrumented library build: the size of its
// branch universe, its API call table and the subset of calls flagged as
// critical (allocators, parser entry points, destructors).
// A TargetLibrary is immutable after construction; reloading a library
// produces a new value.
type TargetLibrary struct {
	Name         string
	Version      string
	UniverseSize uint32

	calls    []string
	callIDs  map[string]CallID
	critical map[CallID]bool
}

// NewTargetLibrary builds a TargetLibrary. Call names are deduplicated and
// assigned IDs in the order given. Every critical name must appear in calls.
func NewTargetLibrary(name, version string, universeSize uint32, calls, critical []string) (*TargetLibrary, error) {
	if name == "" {
		return nil, fmt.Errorf("target library: name is required")
	}
	if universeSize == 0 {
		return nil, fmt.Errorf("target library %s: universe size must be positive", name)
	}
	lib := &TargetLibrary{
		Name:         name,
		Version:      version,
		UniverseSize: universeSize,
		callIDs:      make(map[string]CallID, len(calls)),
		critical:     make(map[CallID]bool, len(critical)),
	}
	for _, c := range calls {
		if c == "" {
			return nil, fmt.Errorf("target library %s: empty call name", name)
		}
		if _, ok := lib.callIDs[c]; ok {
			continue
		}
		lib.callIDs[c] = CallID(len(lib.calls)) //nolint:gosec // call tables are far below 2^32
		lib.calls = append(lib.calls, c)
	}
	for _, c := range critical {
		id, ok := lib.callIDs[c]
		if !ok {
			return nil, fmt.Errorf("target library %s: critical call %q is not in the call table", name, c)
		}
		lib.critical[id] = true
	}
	return lib, nil
}

// Lookup maps a call name to its ID.
func (t *TargetLibrary) Lookup(name string) (CallID, bool) {
	id, ok := t.callIDs[name]
	return id, ok
}

// CallName returns the name for id, or "" if id is out of range.
func (t *TargetLibrary) CallName(id CallID) string {
	if int(id) >= len(t.calls) {
		return ""
	}
	return t.calls[id]
}

// CallNames maps ids to names, preserving order.
func (t *TargetLibrary) CallNames(ids []CallID) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := t.CallName(id); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// IsCritical reports whether id is in the critical-call registry.
func (t *TargetLibrary) IsCritical(id CallID) bool {
	return t.critical[id]
}

// NumCalls is the size of the call table.
func (t *TargetLibrary) NumCalls() int { return len(t.calls) }

// NumCritical is the size of the critical-call registry.
func (t *TargetLibrary) NumCritical() int { return len(t.critical) }

// CriticalNames returns the critical-call registry sorted by name.
func (t *TargetLibrary) CriticalNames() []string {
	names := make([]string, 0, len(t.critical))
	for id := range t.critical {
		names = append(names, t.calls[id])
	}
	sort.Strings(names)
	return names
}

// CallTable returns the call names in ID order.
func (t *TargetLibrary) CallTable() []string {
	return slices.Clone(t.calls)
}
