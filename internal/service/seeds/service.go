// Package seeds provides the corpus engine shared by the HTTP API, the MCP
// server and the CLI.
//
// The Service owns one corpus.State and one schedule.Scheduler per target
// library, a lineage graph spanning all targets, and the optional Store that
// makes admitted seeds and observations durable. Every surface delegates
// here so admission, merge, compaction and scheduling behave the same
// however they are reached.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/lineage"
	"github.com/ashita-ai/tane/internal/minimize"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
	"github.com/ashita-ai/tane/internal/registry"
	"github.com/ashita-ai/tane/internal/schedule"
	"github.com/ashita-ai/tane/internal/telemetry"
)

var (
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("seeds: invalid input")
	// ErrRunNotFound is returned by Coverage for an unknown run ID.
	ErrRunNotFound = errors.New("seeds: run not found")
	// ErrRegistryConflict is returned by ReloadTargets when the new
	// definitions are incompatible with seeds already admitted.
	ErrRegistryConflict = errors.New("seeds: target registry conflict")
)

// Store persists seeds, observations and checkpoints. A nil Store runs the
// engine in memory.
type Store interface {
	SaveSeed(ctx context.Context, seed model.Seed) error
	SaveObservations(ctx context.Context, recs []coverage.Record) (int64, error)
	SaveCheckpoint(ctx context.Context, cp corpus.Checkpoint) error
	LatestCheckpoint(ctx context.Context, target string) (corpus.Checkpoint, error)
	LoadSeeds(ctx context.Context) ([]model.Seed, error)
	LoadObservations(ctx context.Context) ([]coverage.Record, error)
}

// Config tunes the engine.
type Config struct {
	Weights  quality.Weights
	Schedule schedule.Config
	// ConvergeRounds is the number of consecutive quiet ingest rounds after
	// which a target reports converged. Zero disables the signal.
	ConvergeRounds int
	// CompactInterval runs a compaction pass over every target periodically.
	// Zero disables the timer.
	CompactInterval time.Duration
	// CompactThreshold triggers a pass for a target once this many seeds
	// were newly retained since its last pass. Zero disables the trigger.
	CompactThreshold int
	// OnCheckpoint, if set, is called after each checkpoint commits.
	OnCheckpoint func(corpus.Checkpoint)
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Weights:          quality.DefaultWeights(),
		Schedule:         schedule.Config{MaxDepth: 16, MaxFruitless: 8},
		ConvergeRounds:   20,
		CompactInterval:  5 * time.Minute,
		CompactThreshold: 500,
	}
}

type target struct {
	state *corpus.State
	sched *schedule.Scheduler
	// promoted counts seeds newly retained since the last compaction.
	promoted atomic.Int64
}

// Service encapsulates corpus business logic shared by HTTP, MCP and CLI.
type Service struct {
	store     Store
	cfg       Config
	logger    *slog.Logger
	scorer    *quality.Scorer
	minimizer *minimize.Minimizer
	lineage   *lineage.Tracker
	norm      *coverage.Normalizer
	registry  atomic.Pointer[registry.Registry]

	mu      sync.RWMutex
	targets map[string]*target
	seeds   map[model.SeedID]model.Seed
	digests map[digestKey]model.SeedID

	admitMu sync.Mutex
	nextID  atomic.Uint64

	compactions singleflight.Group
	compactCh   chan string

	mergeCounter  metric.Int64Counter
	retireCounter metric.Int64Counter
}

type digestKey struct {
	target string
	digest string
}

// New creates a Service over the targets in reg. store may be nil.
func New(reg *registry.Registry, store Store, cfg Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	s := &Service{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		scorer:    quality.NewScorer(cfg.Weights),
		minimizer: minimize.New(logger),
		lineage:   lineage.NewTracker(),
		targets:   make(map[string]*target),
		seeds:     make(map[model.SeedID]model.Seed),
		digests:   make(map[digestKey]model.SeedID),
		compactCh: make(chan string, 16),
	}
	s.registry.Store(reg)
	s.norm = coverage.NewNormalizer(s, logger)
	for _, name := range reg.Names() {
		lib, _ := reg.Get(name)
		s.targets[name] = s.newTarget(lib)
	}

	meter := telemetry.Meter("tane/seeds")
	s.mergeCounter, _ = meter.Int64Counter("tane.corpus.merges",
		metric.WithDescription("Observations merged into corpus state"),
	)
	s.retireCounter, _ = meter.Int64Counter("tane.corpus.retirements",
		metric.WithDescription("Seeds retired by compaction"),
	)
	s.registerMetrics()
	return s, nil
}

func (s *Service) newTarget(lib *model.TargetLibrary) *target {
	return &target{
		state: corpus.New(lib, s.scorer, s.lineage.Depth),
		sched: schedule.New(s.cfg.Schedule),
	}
}

// Get implements coverage.TargetLookup over the current registry.
func (s *Service) Get(name string) (*model.TargetLibrary, bool) {
	return s.registry.Load().Get(name)
}

// Targets returns the registered target names, sorted.
func (s *Service) Targets() []string {
	return s.registry.Load().Names()
}

// Library returns the definition of a registered target.
func (s *Service) Library(name string) (*model.TargetLibrary, error) {
	lib, ok := s.Get(name)
	if !ok {
		return nil, &model.UnknownTargetError{Target: name}
	}
	return lib, nil
}

func (s *Service) target(name string) (*target, error) {
	s.mu.RLock()
	t, ok := s.targets[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &model.UnknownTargetError{Target: name}
	}
	return t, nil
}

// Seed returns an admitted seed.
func (s *Service) Seed(id model.SeedID) (model.Seed, error) {
	s.mu.RLock()
	seed, ok := s.seeds[id]
	s.mu.RUnlock()
	if !ok {
		return model.Seed{}, fmt.Errorf("seeds: seed %d: %w", id, model.ErrUnknownSeed)
	}
	return seed, nil
}

// ReloadTargets swaps in new target definitions. Targets may be added and
// their call tables or critical-call registries changed; pending seeds are
// then re-evaluated under the new registry. Removing a target or changing
// its branch universe is rejected.
func (s *Service) ReloadTargets(reg *registry.Registry) ([]corpus.MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.registry.Load()
	for _, name := range old.Names() {
		lib, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: target %q was removed", ErrRegistryConflict, name)
		}
		prev, _ := old.Get(name)
		if lib.UniverseSize != prev.UniverseSize {
			return nil, fmt.Errorf("%w: target %q universe changed from %d to %d",
				ErrRegistryConflict, name, prev.UniverseSize, lib.UniverseSize)
		}
	}

	var changed []corpus.MergeResult
	for _, name := range reg.Names() {
		lib, _ := reg.Get(name)
		t, ok := s.targets[name]
		if !ok {
			s.targets[name] = s.newTarget(lib)
			s.logger.Info("seeds: target added", "target", name, "universe", lib.UniverseSize)
			continue
		}
		results, err := t.state.Reevaluate(lib)
		if err != nil {
			return nil, fmt.Errorf("seeds: reevaluate %s: %w", name, err)
		}
		s.applyResults(t, results...)
		changed = append(changed, results...)
	}
	s.registry.Store(reg)
	s.logger.Info("seeds: targets reloaded", "targets", reg.Len(), "reevaluated", len(changed))
	return changed, nil
}

// applyResults mirrors membership changes into the target's scheduler and
// reports each evaluated child to its parents. Deferred results are
// skipped; they come back through compaction once the merge is applied.
func (s *Service) applyResults(t *target, results ...corpus.MergeResult) {
	for _, r := range results {
		if r.Deferred || r.Duplicate {
			continue
		}
		if r.Membership == model.MembershipRetained {
			t.sched.Upsert(quality.Rank{ID: r.SeedID, Score: r.Metrics.Score, Depth: s.lineage.Depth(r.SeedID)})
		} else {
			t.sched.Remove(r.SeedID)
		}
		if len(r.Parents) > 0 {
			t.sched.RecordOffspring(r.Parents, r.Gain > 0)
		}
		if r.Promoted() {
			t.promoted.Add(1)
		}
	}
}

// registerMetrics registers observable OTEL gauges for corpus size.
func (s *Service) registerMetrics() {
	meter := telemetry.Meter("tane/seeds")

	_, _ = meter.Int64ObservableGauge("tane.corpus.seeds",
		metric.WithDescription("Number of admitted seeds across all targets"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.RLock()
			n := len(s.seeds)
			s.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tane.corpus.retained",
		metric.WithDescription("Number of retained seeds across all targets"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var n int
			for _, t := range s.snapshotTargets() {
				n += t.sched.Len()
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}

func (s *Service) snapshotTargets() map[string]*target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*target, len(s.targets))
	for k, v := range s.targets {
		out[k] = v
	}
	return out
}
