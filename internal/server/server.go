package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/ratelimit"
	"github.com/ashita-ai/tane/internal/service/ingest"
	"github.com/ashita-ai/tane/internal/service/seeds"
)

// Server is the tane HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Buffer, Limiter, Broker, Store and MCPServer may be nil.
type ServerConfig struct {
	Service *seeds.Service
	JWTMgr  *auth.JWTManager
	Keyring *auth.Keyring
	Logger  *slog.Logger

	Buffer    *ingest.Buffer
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Store     Pinger
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole handler, outside request ID. The first
	// entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	StoreKind           string
	TargetsFile         string
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Buffer:              cfg.Buffer,
		JWTMgr:              cfg.JWTMgr,
		Keyring:             cfg.Keyring,
		Limiter:             cfg.Limiter,
		Broker:              cfg.Broker,
		Store:               cfg.Store,
		StoreKind:           cfg.StoreKind,
		TargetsFile:         cfg.TargetsFile,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	authRL := ratelimit.Middleware(h.limiter, ipKey, cfg.Logger, writeRateLimited)
	workerRL := ratelimit.Middleware(h.limiter, workerKey, cfg.Logger, writeRateLimited)
	worker := func(fn http.HandlerFunc) http.Handler {
		return requireRole(model.RoleWorker)(workerRL(fn))
	}
	admin := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Trace ingestion charges per trace inside the handler.
	mux.Handle("POST /v1/traces", requireRole(model.RoleWorker)(http.HandlerFunc(h.HandleIngestTraces)))

	mux.Handle("POST /v1/seeds", worker(h.HandleAdmitSeed))
	mux.Handle("GET /v1/seeds/{id}", worker(h.HandleGetSeed))
	mux.Handle("GET /v1/seeds/{id}/lineage", worker(h.HandleSeedLineage))
	mux.Handle("GET /v1/seeds/{id}/coverage", worker(h.HandleSeedCoverage))
	mux.Handle("POST /v1/seeds/{id}/selected", worker(h.HandleMarkSelected))

	mux.Handle("GET /v1/targets", worker(h.HandleListTargets))
	mux.Handle("GET /v1/targets/{target}/stats", worker(h.HandleTargetStats))
	mux.Handle("GET /v1/targets/{target}/next-batch", worker(h.HandleNextBatch))
	mux.Handle("GET /v1/targets/{target}/export", worker(h.HandleExport))

	mux.Handle("POST /v1/targets/{target}/compact", admin(http.HandlerFunc(h.HandleCompact)))
	mux.Handle("POST /v1/admin/reload-targets", admin(http.HandlerFunc(h.HandleReloadTargets)))

	// Long-lived, so not rate limited.
	mux.Handle("GET /v1/subscribe", requireRole(model.RoleWorker)(http.HandlerFunc(h.HandleSubscribe)))

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", requireRole(model.RoleWorker)(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
