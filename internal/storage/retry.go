package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Writes from concurrent ingest flushes and compaction passes can collide;
// these bound how hard a single write tries before surfacing the error.
const (
	writeRetries    = 3
	writeRetryDelay = 10 * time.Millisecond
)

// isRetriable reports whether err is a transient Postgres conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// WithRetry runs fn, retrying up to maxRetries times on transient conflicts
// with jittered exponential backoff from baseDelay. The last error is
// returned unchanged.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		if err = fn(); err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// write runs one store write under the default retry policy and logs each
// conflict that forced a retry.
func (db *DB) write(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return WithRetry(ctx, writeRetries, writeRetryDelay, func() error {
		attempt++
		err := fn()
		if err != nil && isRetriable(err) && attempt <= writeRetries {
			db.logger.Debug("storage: retrying write", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}
