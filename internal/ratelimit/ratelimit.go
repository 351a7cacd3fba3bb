// Package ratelimit throttles fuzzing workers so one runaway harness cannot
// starve the ingest pipeline for everyone else.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may spend cost
// tokens. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. Callers treat an
	// error as a limiter malfunction and let the request through.
	Allow(ctx context.Context, key string, cost int) (bool, error)
	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string, int) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
