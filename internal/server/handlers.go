package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/ctxutil"
	"github.com/ashita-ai/tane/internal/export"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/ratelimit"
	"github.com/ashita-ai/tane/internal/registry"
	"github.com/ashita-ai/tane/internal/service/ingest"
	"github.com/ashita-ai/tane/internal/service/seeds"
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc         *seeds.Service
	buffer      *ingest.Buffer
	jwtMgr      *auth.JWTManager
	keyring     *auth.Keyring
	limiter     ratelimit.Limiter
	broker      *Broker
	store       Pinger
	storeKind   string
	targetsFile string
	logger      *slog.Logger
	startedAt   time.Time
	version     string
	maxBody     int64
}

// HandlersDeps holds the dependencies for NewHandlers. Buffer, Limiter,
// Broker and Store may be nil. Without a Buffer, traces are merged
// synchronously in the request.
type HandlersDeps struct {
	Service             *seeds.Service
	Buffer              *ingest.Buffer
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Limiter             ratelimit.Limiter
	Broker              *Broker
	Store               Pinger
	StoreKind           string
	TargetsFile         string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates Handlers.
func NewHandlers(d HandlersDeps) *Handlers {
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	storeKind := d.StoreKind
	if storeKind == "" {
		storeKind = "memory"
	}
	return &Handlers{
		svc:         d.Service,
		buffer:      d.Buffer,
		jwtMgr:      d.JWTMgr,
		keyring:     d.Keyring,
		limiter:     limiter,
		broker:      d.Broker,
		store:       d.Store,
		storeKind:   storeKind,
		targetsFile: d.TargetsFile,
		logger:      d.Logger,
		startedAt:   time.Now(),
		version:     d.Version,
		maxBody:     maxBody,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Store:        h.storeKind,
		StoreStatus:  "none",
		Targets:      len(h.svc.Targets()),
		BufferStatus: "ok",
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.store != nil {
		resp.StoreStatus = "connected"
		if err := h.store.Ping(r.Context()); err != nil {
			resp.StoreStatus = "disconnected"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if h.buffer != nil {
		resp.BufferDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		switch {
		case resp.BufferDepth > capacity*3/4:
			resp.BufferStatus = "critical"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		case resp.BufferDepth > capacity/2:
			resp.BufferStatus = "high"
		}
	}
	writeJSON(w, r, status, resp)
}

// HandleAuthToken handles POST /auth/token: a shared worker or admin key
// is exchanged for a bearer token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.WorkerID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "worker_id and api_key are required")
		return
	}
	role, ok := h.keyring.Authenticate(req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	for _, name := range req.Targets {
		if _, err := h.svc.Library(name); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	token, exp, err := h.jwtMgr.IssueToken(req.WorkerID, role, req.Targets)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HandleAdmitSeed handles POST /v1/seeds.
func (h *Handlers) HandleAdmitSeed(w http.ResponseWriter, r *http.Request) {
	var req model.AdmitSeedRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !canAccess(r, req.Target) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to target "+req.Target)
		return
	}
	res, err := h.svc.AdmitSeed(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, model.AdmitSeedResponse{SeedID: res.Seed.ID, Created: res.Created})
}

// HandleIngestTraces handles POST /v1/traces. Each trace costs one rate
// limit token.
func (h *Handlers) HandleIngestTraces(w http.ResponseWriter, r *http.Request) {
	var req model.IngestTracesRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	for _, tr := range req.Traces {
		if !canAccess(r, tr.Target) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to target "+tr.Target)
			return
		}
	}
	if key := workerKey(r); key != "" {
		ok, err := h.limiter.Allow(r.Context(), key, len(req.Traces))
		if err != nil {
			h.logger.Warn("http: limiter error, allowing request", "error", err)
		} else if !ok {
			w.Header().Set("Retry-After", "1")
			writeRateLimited(w, r)
			return
		}
	}

	if h.buffer != nil {
		ids, err := h.buffer.Append(req.Traces)
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, err.Error())
			return
		}
		writeJSON(w, r, http.StatusAccepted, model.IngestTracesResponse{
			Accepted: len(ids), Queued: true, ObservationIDs: ids,
		})
		return
	}

	rep, err := h.svc.IngestTraces(r.Context(), req.Traces)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ids := make([]uuid.UUID, 0, len(rep.Applied))
	for _, a := range rep.Applied {
		ids = append(ids, a.Observation.ID)
	}
	writeJSON(w, r, http.StatusOK, model.IngestTracesResponse{
		Accepted: len(rep.Applied), Rejected: rep.Rejected, ObservationIDs: ids,
	})
}

// HandleGetSeed handles GET /v1/seeds/{id}.
func (h *Handlers) HandleGetSeed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seedParam(w, r)
	if !ok {
		return
	}
	info, err := h.svc.Describe(id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

// HandleSeedLineage handles GET /v1/seeds/{id}/lineage?limit=.
func (h *Handlers) HandleSeedLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seedParam(w, r)
	if !ok {
		return
	}
	ancestors, err := h.svc.Lineage(id, queryInt(r, "limit", 64, 1, 10_000))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"seed_id": id, "ancestors": ancestors})
}

// HandleSeedCoverage handles GET /v1/seeds/{id}/coverage?run_id=.
func (h *Handlers) HandleSeedCoverage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seedParam(w, r)
	if !ok {
		return
	}
	runID := uuid.Nil
	if v := r.URL.Query().Get("run_id"); v != "" {
		var err error
		if runID, err = uuid.Parse(v); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
			return
		}
	}
	obs, err := h.svc.Coverage(id, runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if obs == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{"seed_id": id, "evaluated": false})
		return
	}
	lib, err := h.svc.Library(obs.Target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"seed_id":        id,
		"evaluated":      true,
		"run_id":         obs.RunID,
		"branches":       obs.Branches.IDs(),
		"library_calls":  lib.CallNames(obs.LibraryCalls),
		"critical_calls": lib.CallNames(obs.CriticalCalls),
		"visited":        obs.Visited,
	})
}

// HandleMarkSelected handles POST /v1/seeds/{id}/selected.
func (h *Handlers) HandleMarkSelected(w http.ResponseWriter, r *http.Request) {
	id, ok := h.seedParam(w, r)
	if !ok {
		return
	}
	at, err := h.svc.MarkSelected(id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.MarkSelectedResponse{SeedID: id, SelectedAt: at})
}

// HandleListTargets handles GET /v1/targets.
func (h *Handlers) HandleListTargets(w http.ResponseWriter, r *http.Request) {
	type targetInfo struct {
		Name     string   `json:"name"`
		Universe uint32   `json:"universe"`
		Calls    []string `json:"calls"`
		Critical []string `json:"critical"`
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	out := []targetInfo{}
	for _, name := range h.svc.Targets() {
		if claims != nil && !claims.CanAccess(name) {
			continue
		}
		lib, err := h.svc.Library(name)
		if err != nil {
			continue
		}
		out = append(out, targetInfo{
			Name:     lib.Name,
			Universe: lib.UniverseSize,
			Calls:    lib.CallTable(),
			Critical: lib.CriticalNames(),
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleTargetStats handles GET /v1/targets/{target}/stats.
func (h *Handlers) HandleTargetStats(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetParam(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Stats(target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleNextBatch handles GET /v1/targets/{target}/next-batch?n=.
func (h *Handlers) HandleNextBatch(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetParam(w, r)
	if !ok {
		return
	}
	ids, err := h.svc.NextBatch(target, queryInt(r, "n", 10, 1, 1000))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	batch := make([]model.Seed, 0, len(ids))
	for _, id := range ids {
		if seed, err := h.svc.Seed(id); err == nil {
			batch = append(batch, seed)
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"target": target, "seeds": batch})
}

// HandleCompact handles POST /v1/targets/{target}/compact.
func (h *Handlers) HandleCompact(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetParam(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Compact(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleExport handles GET /v1/targets/{target}/export?all=&format=. The
// default format is the plain-text header stream; format=json returns the
// parsed headers.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	target, ok := h.targetParam(w, r)
	if !ok {
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	headers, err := h.svc.Export(target, all)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, r, http.StatusOK, headers)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := export.RenderAll(w, headers); err != nil {
		h.logger.Warn("http: export write failed", "target", target, "error", err)
	}
}

// HandleReloadTargets handles POST /v1/admin/reload-targets, re-reading the
// targets file.
func (h *Handlers) HandleReloadTargets(w http.ResponseWriter, r *http.Request) {
	if h.targetsFile == "" {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no targets file configured")
		return
	}
	reg, err := registry.Load(h.targetsFile)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	changed, err := h.svc.ReloadTargets(reg)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"targets": reg.Names(), "reevaluated": changed})
}

// HandleSubscribe handles GET /v1/subscribe, streaming checkpoint events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream is not enabled")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
		case event := <-ch:
			if _, err := w.Write(event); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeServiceError maps engine errors onto the API error envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, seeds.ErrInvalidInput), errors.Is(err, corpus.ErrTargetMismatch):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrMalformedTrace):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMalformedTrace, err.Error())
	case errors.Is(err, model.ErrUnknownTarget):
		writeError(w, r, http.StatusNotFound, model.ErrCodeUnknownTarget, err.Error())
	case errors.Is(err, model.ErrUnknownSeed), errors.Is(err, seeds.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrCycle):
		writeError(w, r, http.StatusConflict, model.ErrCodeLineageCycle, err.Error())
	case errors.Is(err, seeds.ErrRegistryConflict), errors.Is(err, corpus.ErrInvariantViolated),
		errors.Is(err, corpus.ErrCompacting):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "request cancelled")
	default:
		h.logger.Error("http: internal error",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// seedParam parses {id} and checks the caller may see the seed's target.
func (h *Handlers) seedParam(w http.ResponseWriter, r *http.Request) (model.SeedID, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || n == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "seed id must be a positive integer")
		return 0, false
	}
	id := model.SeedID(n)
	seed, err := h.svc.Seed(id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return 0, false
	}
	if !canAccess(r, seed.Target) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to target "+seed.Target)
		return 0, false
	}
	return id, true
}

// targetParam reads {target} and checks the caller may touch it.
func (h *Handlers) targetParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	target := r.PathValue("target")
	if !canAccess(r, target) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to target "+target)
		return "", false
	}
	return target, true
}

func canAccess(r *http.Request, target string) bool {
	claims := ctxutil.ClaimsFromContext(r.Context())
	return claims != nil && claims.CanAccess(target)
}

// queryInt reads an integer query parameter clamped to [lo, hi].
func queryInt(r *http.Request, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return min(max(v, lo), hi)
}
