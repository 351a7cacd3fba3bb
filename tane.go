// Package tane is the public API for embedding the tane seed corpus server.
//
// Consumers construct and extend the server without forking it:
//
//	app, err := tane.New(ctx,
//	    tane.WithVersion(version),
//	    tane.WithLogger(logger),
//	    tane.WithCheckpointHook(myArchiver{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the
// root. Public types such as Checkpoint carry no internal imports; the
// conversion helpers live here because this is the only package that sees
// both sides of the boundary.
package tane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/config"
	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/mcp"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/ratelimit"
	"github.com/ashita-ai/tane/internal/server"
	"github.com/ashita-ai/tane/internal/service/ingest"
	"github.com/ashita-ai/tane/internal/storage"
)

// hookTimeout bounds each checkpoint hook call.
const hookTimeout = 10 * time.Second

// App is the tane server lifecycle. Construct with New, run with Run.
type App struct {
	cfg      config.Config
	engine   *Engine
	srv      *server.Server
	buf      *ingest.Buffer
	wal      *ingest.WAL
	broker   *server.Broker
	listener *storage.Listener
	limiter  *ratelimit.MemoryLimiter
	logger   *slog.Logger
	version  string
	running  atomic.Bool
}

// New wires every component: store, engine, WAL, ingest buffer, JWT
// manager, rate limiter, MCP server and HTTP server. WAL records left by a
// previous process are replayed before New returns.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolve(opts)
	logger := o.logger
	broker := server.NewBroker(logger)

	a := &App{broker: broker, logger: logger, version: o.version}

	engine, err := openEngine(ctx, o, a.checkpointFanout(o.checkpointHooks))
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.cfg = engine.cfg
	cfg := a.cfg
	svc := engine.svc

	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	a.wal, err = ingest.NewWAL(logger, ingest.WALConfig{
		Dir:      cfg.WALDir,
		SyncMode: cfg.WALSyncMode,
	})
	if err != nil {
		return fail(fmt.Errorf("tane: open wal: %w", err))
	}
	a.buf = ingest.NewBuffer(svc, a.wal, logger, ingest.Config{
		MaxSize:      cfg.BufferSize,
		FlushTimeout: cfg.FlushTimeout,
		Workers:      cfg.IngestWorkers,
	})
	if n, err := a.buf.Recover(); err != nil {
		return fail(fmt.Errorf("tane: wal recovery: %w", err))
	} else if n > 0 {
		logger.Info("tane: replayed wal records", "traces", n)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("tane: jwt: %w", err))
	}
	keyring, err := auth.NewKeyring(cfg.WorkerAPIKey, cfg.AdminAPIKey)
	if err != nil {
		return fail(fmt.Errorf("tane: keyring: %w", err))
	}

	a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	if engine.db != nil {
		a.listener, err = engine.db.Listen(ctx, storage.ChannelCheckpoints)
		if err != nil {
			return fail(fmt.Errorf("tane: listen: %w", err))
		}
	}

	scfg := server.ServerConfig{
		Service:             svc,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Buffer:              a.buf,
		Limiter:             a.limiter,
		Broker:              broker,
		StoreKind:           cfg.StoreKind(),
		TargetsFile:         cfg.TargetsFile,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	switch {
	case engine.db != nil:
		scfg.Store = engine.db
	case engine.lite != nil:
		scfg.Store = engine.lite
	}
	if cfg.MCPEnabled {
		scfg.MCPServer = mcp.New(svc, logger, o.version).MCPServer()
	}
	for _, mw := range o.middlewares {
		scfg.Middlewares = append(scfg.Middlewares, mw)
	}
	a.srv = server.New(scfg)

	return a, nil
}

// checkpointFanout returns the engine's OnCheckpoint callback. With Postgres
// the broker hears checkpoints through LISTEN, including those of other
// instances, so only the hooks run here.
func (a *App) checkpointFanout(hooks []CheckpointHook) func(corpus.Checkpoint) {
	return func(cp corpus.Checkpoint) {
		if a.listener == nil {
			a.broker.PublishCheckpoint(cp)
		}
		if len(hooks) == 0 {
			return
		}
		pub := toPublicCheckpoint(cp)
		for _, h := range hooks {
			go func(h CheckpointHook) {
				ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
				defer cancel()
				if err := h.OnCheckpoint(ctx, pub); err != nil {
					a.logger.Warn("tane: checkpoint hook failed", "target", pub.Target, "error", err)
				}
			}(h)
		}
	}
}

// Handler returns the root HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Engine returns the underlying engine.
func (a *App) Engine() *Engine { return a.engine }

// Run starts background work and the HTTP server, then blocks until ctx is
// cancelled or the server fails. It shuts down before returning.
func (a *App) Run(ctx context.Context) error {
	a.running.Store(true)
	a.buf.Start(ctx)
	go a.engine.svc.RunCompactionLoop(ctx)
	if a.listener != nil {
		go a.broker.Relay(ctx, a.listener)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("tane: started",
		"version", a.version,
		"port", a.cfg.Port,
		"store", a.cfg.StoreKind(),
		"targets", len(a.engine.svc.Targets()),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, then
// flushes the ingest buffer so every accepted trace is merged and
// persisted, then releases the WAL, limiter, listener and store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tane: shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("tane: http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: buffer drain. Without a flush loop the buffered traces
	// stay in the WAL for the next start.
	if a.running.Load() {
		bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
		a.buf.Drain(bufCtx)
		bufCancel()
	}
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("tane: ingest buffer drain incomplete",
			"remaining_traces", n,
			"wal", a.wal != nil,
		)
	}

	a.closeResources()
	a.logger.Info("tane: stopped")
	return nil
}

func (a *App) closeResources() {
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			a.logger.Warn("tane: close wal", "error", err)
		}
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.listener != nil {
		a.listener.Close()
	}
	if a.engine != nil {
		a.engine.Close(context.Background())
	}
}

func toPublicCheckpoint(cp corpus.Checkpoint) Checkpoint {
	ids := func(in []model.SeedID) []uint64 {
		out := make([]uint64, len(in))
		for i, id := range in {
			out[i] = uint64(id)
		}
		return out
	}
	return Checkpoint{
		Target:      cp.Target,
		Retained:    ids(cp.Retained),
		Retired:     ids(cp.Retired),
		Pending:     ids(cp.Pending),
		UnionSize:   cp.UnionSize,
		UnionDigest: cp.UnionDigest,
		MerkleRoot:  cp.MerkleRoot,
		QuietRounds: cp.QuietRounds,
		CreatedAt:   cp.CreatedAt,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
