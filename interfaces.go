package tane

import (
	"context"
	"net/http"
)

// CheckpointHook receives a notification after each corpus checkpoint
// commits. Multiple hooks may be registered via WithCheckpointHook.
// Hooks run in their own goroutine and must not block indefinitely.
// Failures are logged but do not fail the compaction.
type CheckpointHook interface {
	OnCheckpoint(ctx context.Context, cp Checkpoint) error
}

// CheckpointHookFunc adapts a function to CheckpointHook.
type CheckpointHookFunc func(ctx context.Context, cp Checkpoint) error

// OnCheckpoint calls f.
func (f CheckpointHookFunc) OnCheckpoint(ctx context.Context, cp Checkpoint) error {
	return f(ctx, cp)
}

// Middleware wraps the root HTTP handler. It is applied outermost, so it
// sees every request including /health. Middlewares are applied in
// registration order; the first registered is outermost.
type Middleware func(http.Handler) http.Handler
