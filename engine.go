package tane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/tane/internal/config"
	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/quality"
	"github.com/ashita-ai/tane/internal/registry"
	"github.com/ashita-ai/tane/internal/schedule"
	"github.com/ashita-ai/tane/internal/service/seeds"
	"github.com/ashita-ai/tane/internal/storage"
	"github.com/ashita-ai/tane/internal/storage/sqlite"
	"github.com/ashita-ai/tane/internal/telemetry"
	"github.com/ashita-ai/tane/migrations"
)

// Engine is the corpus engine without a network surface: configuration,
// the selected store, the target registry and the seeds service, restored
// from the store. The CLI's offline commands use it directly; App wraps it
// with the HTTP server and ingest pipeline.
type Engine struct {
	cfg          config.Config
	svc          *seeds.Service
	db           *storage.DB
	lite         *sqlite.Store
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// Open loads configuration, connects the store, loads target libraries and
// restores the corpus.
func Open(ctx context.Context, opts ...Option) (*Engine, error) {
	return openEngine(ctx, resolve(opts), nil)
}

func openEngine(ctx context.Context, o resolvedOptions, onCheckpoint func(corpus.Checkpoint)) (*Engine, error) {
	logger := o.logger

	// Load .env before config. Real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("tane: load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tane: %w", err)
	}

	e := &Engine{cfg: cfg, logger: logger, version: o.version}

	e.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("tane: init telemetry: %w", err)
	}

	reg, err := registry.Load(cfg.TargetsFile)
	if err != nil {
		e.Close(context.Background())
		return nil, fmt.Errorf("tane: %w", err)
	}

	var store seeds.Store
	switch cfg.StoreKind() {
	case "postgres":
		e.db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			e.Close(context.Background())
			return nil, fmt.Errorf("tane: connect postgres: %w", err)
		}
		e.db.RegisterPoolMetrics()
		if err := e.db.RunMigrations(ctx, migrations.FS); err != nil {
			e.Close(context.Background())
			return nil, fmt.Errorf("tane: migrations: %w", err)
		}
		store = e.db
	case "sqlite":
		e.lite, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			e.Close(context.Background())
			return nil, fmt.Errorf("tane: open sqlite: %w", err)
		}
		store = e.lite
	default:
		logger.Warn("tane: no store configured, corpus is held in memory only")
	}

	e.svc, err = seeds.New(reg, store, seeds.Config{
		Weights: quality.Weights{
			Density:    cfg.DensityWeight,
			Unique:     cfg.UniqueWeight,
			Critical:   cfg.CriticalWeight,
			Saturation: cfg.Saturation,
		},
		Schedule: schedule.Config{
			MaxDepth:     cfg.MaxLineageDepth,
			MaxFruitless: cfg.MaxFruitless,
		},
		ConvergeRounds:   cfg.ConvergeRounds,
		CompactInterval:  cfg.CompactInterval,
		CompactThreshold: cfg.CompactThreshold,
		OnCheckpoint:     onCheckpoint,
	}, logger)
	if err != nil {
		e.Close(context.Background())
		return nil, fmt.Errorf("tane: %w", err)
	}

	rep, err := e.svc.Restore(ctx)
	if err != nil {
		e.Close(context.Background())
		return nil, fmt.Errorf("tane: %w", err)
	}
	logger.Info("tane: corpus restored",
		"store", cfg.StoreKind(),
		"targets", reg.Len(),
		"seeds", rep.Seeds,
		"observations", rep.Observations,
		"skipped", rep.Skipped,
		"checkpoints", rep.Checkpoints,
	)
	return e, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.SQLitePath = ""
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
		cfg.DatabaseURL = ""
	}
	if o.targetsFile != "" {
		cfg.TargetsFile = o.targetsFile
	}
	if o.walDir != "" {
		cfg.WALDir = o.walDir
	}
}

// Service returns the seeds service.
func (e *Engine) Service() *seeds.Service { return e.svc }

// Config returns the effective configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Close releases the store and flushes telemetry. It is safe to call on a
// partially opened Engine.
func (e *Engine) Close(ctx context.Context) {
	if e.db != nil {
		e.db.Close(ctx)
	}
	if e.lite != nil {
		if err := e.lite.Close(); err != nil {
			e.logger.Warn("tane: close sqlite", "error", err)
		}
	}
	if e.otelShutdown != nil {
		_ = e.otelShutdown(ctx)
	}
}
