// Package ingest is the trace ingestion pipeline: raw traces are logged to
// the WAL, buffered in memory, and flushed in rounds through a bounded
// worker pool that normalizes and merges each one.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/service/seeds"
	"github.com/ashita-ai/tane/internal/telemetry"
)

// maxBufferCapacity bounds buffered traces. Append applies backpressure
// beyond it.
const maxBufferCapacity = 100_000

// Sink applies traces to the corpus. *seeds.Service implements it.
type Sink interface {
	Apply(ctx context.Context, raw model.RawTrace) (seeds.Applied, error)
	Persist(ctx context.Context, applied []seeds.Applied) error
	EndRound() map[string]int
}

// Config tunes the buffer.
type Config struct {
	MaxSize      int           // flush once this many traces are buffered
	FlushTimeout time.Duration // flush at least this often
	Workers      int           // concurrent Apply calls per flush
}

type entry struct {
	lsn   uint64
	trace model.RawTrace
}

// Buffer accumulates traces and flushes them in rounds. Each flush applies
// its traces concurrently, persists the resulting observations, closes an
// ingest round on every target, and then advances the WAL checkpoint.
type Buffer struct {
	sink   Sink
	wal    *WAL
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	entries []entry
	// unpersisted holds applied traces whose observations failed to
	// persist; they are retried with the next flush.
	unpersisted    []seeds.Applied
	unpersistedLSN uint64

	rejected atomic.Int64
	dropped  atomic.Int64
	rounds   atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer. wal may be nil.
func NewBuffer(sink Sink, wal *WAL, logger *slog.Logger, cfg Config) *Buffer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Buffer{
		sink:    sink,
		wal:     wal,
		logger:  logger,
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Recover loads traces the WAL holds past its checkpoint into the buffer.
// Call before Start. Replayed traces keep their observation IDs, so any
// that were already merged and persisted are recognized as duplicates.
func (b *Buffer) Recover() (int, error) {
	if b.wal == nil {
		return 0, nil
	}
	recs, err := b.wal.Recover()
	if err != nil {
		return 0, fmt.Errorf("ingest: recover: %w", err)
	}
	b.mu.Lock()
	for _, r := range recs {
		b.entries = append(b.entries, entry{lsn: r.LSN, trace: r.Trace})
	}
	b.mu.Unlock()
	if len(recs) > 0 {
		b.logger.Info("ingest: recovered traces from WAL", "count", len(recs))
	}
	return len(recs), nil
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append accepts traces for ingestion and returns their observation IDs.
// Missing run and observation IDs and observation times are assigned here,
// before the WAL write, so a replayed trace is recognized. Returns an error
// when the buffer is at capacity.
func (b *Buffer) Append(traces []model.RawTrace) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	ids := make([]uuid.UUID, len(traces))
	stamped := make([]model.RawTrace, len(traces))
	for i, tr := range traces {
		if tr.RunID == uuid.Nil {
			tr.RunID = uuid.New()
		}
		if tr.ObservationID == uuid.Nil {
			tr.ObservationID = uuid.New()
		}
		if tr.ObservedAt == nil {
			at := now
			tr.ObservedAt = &at
		}
		stamped[i] = tr
		ids[i] = tr.ObservationID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries)+len(stamped) > maxBufferCapacity {
		return nil, fmt.Errorf("ingest: buffer at capacity (%d traces), try again later", len(b.entries))
	}

	var first uint64
	if b.wal != nil {
		var err error
		if first, err = b.wal.Write(stamped); err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
	}
	for i, tr := range stamped {
		e := entry{trace: tr}
		if b.wal != nil {
			e.lsn = first + uint64(i)
		}
		b.entries = append(b.entries, e)
	}

	if len(b.entries) >= b.cfg.MaxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return ids, nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush runs under the drain
			// context, or a bounded fallback when cancelled directly.
			if b.drainCtx != nil {
				b.Flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.Flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushCh:
			b.Flush(ctx)
		}
	}
}

// Flush runs one ingest round over everything buffered. It is called by the
// flush loop and may be called directly when no loop is running.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.entries
	b.entries = nil
	retry := b.unpersisted
	retryLSN := b.unpersistedLSN
	b.unpersisted = nil
	b.unpersistedLSN = 0
	b.mu.Unlock()
	if len(batch) == 0 && len(retry) == 0 {
		return
	}

	start := time.Now()
	results := make([]seeds.Applied, len(batch))
	ok := make([]bool, len(batch))
	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	for i := range batch {
		g.Go(func() error {
			a, err := b.sink.Apply(ctx, batch[i].trace)
			if err != nil {
				b.rejected.Add(1)
				level := slog.LevelError
				if seeds.IsTraceError(err) {
					level = slog.LevelWarn
				}
				b.logger.Log(ctx, level, "ingest: trace rejected",
					"target", batch[i].trace.Target, "seed_id", batch[i].trace.SeedID, "error", err)
				return nil
			}
			results[i], ok[i] = a, true
			return nil
		})
	}
	_ = g.Wait()

	applied := retry
	highLSN := retryLSN
	for i := range batch {
		if ok[i] {
			applied = append(applied, results[i])
		}
		highLSN = max(highLSN, batch[i].lsn)
	}

	quiet := b.sink.EndRound()
	b.rounds.Add(1)

	if err := b.sink.Persist(ctx, applied); err != nil {
		b.logger.Error("ingest: persist failed", "error", err, "batch_size", len(applied))
		b.mu.Lock()
		if len(b.unpersisted)+len(applied) <= maxBufferCapacity {
			b.unpersisted = append(applied, b.unpersisted...)
			b.unpersistedLSN = max(b.unpersistedLSN, highLSN)
		} else {
			b.dropped.Add(int64(len(applied)))
			b.logger.Error("ingest: dropping observations, retry queue at capacity", "dropped", len(applied))
		}
		b.mu.Unlock()
		return
	}

	if b.wal != nil && highLSN > 0 {
		if err := b.wal.Checkpoint(highLSN); err != nil {
			b.logger.Error("ingest: WAL checkpoint failed", "error", err, "lsn", highLSN)
		}
	}

	b.logger.Info("ingest: batch flushed",
		"batch_size", len(batch),
		"applied", len(applied),
		"flush_duration_ms", time.Since(start).Milliseconds(),
		"quiet_rounds", quiet,
	)
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("ingest: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("tane/ingest")

	_, _ = meter.Int64ObservableGauge("tane.ingest.buffer_depth",
		metric.WithDescription("Traces waiting in the ingest buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tane.ingest.rejected_total",
		metric.WithDescription("Traces rejected as malformed or unknown"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Rejected())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tane.ingest.dropped_total",
		metric.WithDescription("Observations dropped after persistence failures"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered traces.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Rejected returns the number of traces rejected so far.
func (b *Buffer) Rejected() int64 { return b.rejected.Load() }

// Dropped returns the number of observations dropped after persistence
// failures. A non-zero value means merged coverage is missing from the
// store until the WAL is replayed.
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }

// Rounds returns the number of completed flush rounds.
func (b *Buffer) Rounds() int64 { return b.rounds.Load() }

// Capacity returns the most traces the buffer holds before Append
// refuses more.
func (b *Buffer) Capacity() int { return maxBufferCapacity }
