package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use
// errors.Is without caring about the details.
var (
	ErrMalformedTrace = errors.New("malformed trace")
	ErrUnknownTarget  = errors.New("unknown target library")
	ErrCycle          = errors.New("lineage cycle")
	ErrUnknownSeed    = errors.New("unknown seed")
)

// MalformedTraceError rejects a single trace. It is never applied to corpus
// state; the ingest path logs it and moves on.
type MalformedTraceError struct {
	Target string
	SeedID SeedID
	Reason string
}

func (e *MalformedTraceError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("malformed trace for seed %d: %s", e.SeedID, e.Reason)
	}
	return fmt.Sprintf("malformed trace for %s seed %d: %s", e.Target, e.SeedID, e.Reason)
}

func (e *MalformedTraceError) Unwrap() error { return ErrMalformedTrace }

// UnknownTargetError is returned when a trace or admission names a target
// library with no registered universe.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target library %q", e.Target)
}

func (e *UnknownTargetError) Unwrap() error { return ErrUnknownTarget }

// CycleError rejects a child whose ancestry would include itself.
type CycleError struct {
	Child SeedID
	Path  []SeedID // ancestor chain from a parent back to Child
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("lineage cycle: seed %d reachable from its own parents via %v", e.Child, e.Path)
}

func (e *CycleError) Unwrap() error { return ErrCycle }
