package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/auth"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/ratelimit"
	"github.com/ashita-ai/tane/internal/registry"
	"github.com/ashita-ai/tane/internal/service/seeds"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

const (
	workerAPIKey = "worker-secret"
	adminAPIKey  = "admin-secret"
)

type testEnv struct {
	srv     *Server
	svc     *seeds.Service
	jwtMgr  *auth.JWTManager
	broker  *Broker
	handler http.Handler
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cjson, err := model.NewTargetLibrary("cJSON", "1.7.18", 100,
		[]string{"cJSON_Parse", "cJSON_Print", "cJSON_Delete"}, []string{"cJSON_Parse"})
	require.NoError(t, err)
	zlib, err := model.NewTargetLibrary("zlib", "1.3", 50, []string{"inflate", "deflate"}, nil)
	require.NoError(t, err)
	reg, err := registry.New(cjson, zlib)
	require.NoError(t, err)
	return reg
}

func newTestEnv(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	svc, err := seeds.New(testRegistry(t), nil, seeds.DefaultConfig(), testLogger)
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keyring, err := auth.NewKeyring(workerAPIKey, adminAPIKey)
	require.NoError(t, err)

	cfg := ServerConfig{
		Service: svc,
		JWTMgr:  jwtMgr,
		Keyring: keyring,
		Logger:  testLogger,
		Broker:  NewBroker(testLogger),
		Version: "test",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv := New(cfg)
	return &testEnv{srv: srv, svc: svc, jwtMgr: jwtMgr, broker: cfg.Broker, handler: srv.Handler()}
}

func (e *testEnv) token(t *testing.T, role model.Role, targets ...string) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken("w-"+string(role), role, targets)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func (e *testEnv) admit(t *testing.T, token string, req model.AdmitSeedRequest) model.SeedID {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/seeds", token, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp model.AdmitSeedResponse
	decodeData(t, rec, &resp)
	require.True(t, resp.Created)
	return resp.SeedID
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HealthResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "memory", resp.Store)
	assert.Equal(t, "none", resp.StoreStatus)
	assert.Equal(t, 2, resp.Targets)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	var resp model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.Meta.RequestID)
}

func TestAuthTokenExchange(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{WorkerID: "w1", APIKey: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{WorkerID: "w1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		WorkerID: "w1", APIKey: workerAPIKey, Targets: []string{"libpng"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeUnknownTarget, errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		WorkerID: "w1", APIKey: workerAPIKey, Targets: []string{"cJSON"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tok model.AuthTokenResponse
	decodeData(t, rec, &tok)
	require.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	claims, err := env.jwtMgr.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleWorker, claims.Role)
	assert.Equal(t, []string{"cJSON"}, claims.Targets)

	rec = env.do(t, http.MethodGet, "/v1/targets", tok.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var targets []struct {
		Name     string   `json:"name"`
		Universe uint32   `json:"universe"`
		Calls    []string `json:"calls"`
		Critical []string `json:"critical"`
	}
	decodeData(t, rec, &targets)
	require.Len(t, targets, 1, "scoped token sees only its targets")
	assert.Equal(t, "cJSON", targets[0].Name)
	assert.Equal(t, uint32(100), targets[0].Universe)
	assert.Equal(t, []string{"cJSON_Parse", "cJSON_Print", "cJSON_Delete"}, targets[0].Calls)
	assert.Equal(t, []string{"cJSON_Parse"}, targets[0].Critical)
}

func TestBearerTokenRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/targets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/targets", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSeedLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, model.RoleWorker)

	parent := env.admit(t, tok, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "p"})
	child := env.admit(t, tok, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "c", Lineage: []model.SeedID{parent}})

	// Admission is idempotent on the source digest.
	rec := env.do(t, http.MethodPost, "/v1/seeds", tok, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "p"})
	require.Equal(t, http.StatusOK, rec.Code)
	var again model.AdmitSeedResponse
	decodeData(t, rec, &again)
	assert.Equal(t, parent, again.SeedID)
	assert.False(t, again.Created)

	rec = env.do(t, http.MethodPost, "/v1/traces", tok, model.IngestTracesRequest{Traces: []model.RawTrace{
		{Target: "cJSON", SeedID: parent, Branches: []uint32{1, 2, 3}, Calls: []string{"cJSON_Print"}},
		{Target: "cJSON", SeedID: child, Branches: []uint32{3, 4}, Calls: []string{"cJSON_Parse"}},
		{Target: "cJSON", SeedID: parent, Branches: []uint32{500}},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ingested model.IngestTracesResponse
	decodeData(t, rec, &ingested)
	assert.Equal(t, 2, ingested.Accepted)
	assert.Equal(t, 1, ingested.Rejected, "branch outside the universe")
	assert.False(t, ingested.Queued)
	assert.Len(t, ingested.ObservationIDs, 2)

	rec = env.do(t, http.MethodGet, "/v1/targets/cJSON/stats", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st seeds.Stats
	decodeData(t, rec, &st)
	assert.Equal(t, 2, st.Retained)
	assert.Equal(t, 4, st.UnionSize)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/seeds/%d/coverage", parent), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cov struct {
		Evaluated bool     `json:"evaluated"`
		Branches  []uint32 `json:"branches"`
		Calls     []string `json:"library_calls"`
	}
	decodeData(t, rec, &cov)
	assert.True(t, cov.Evaluated)
	assert.Equal(t, []uint32{1, 2, 3}, cov.Branches)
	assert.Equal(t, []string{"cJSON_Print"}, cov.Calls)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/seeds/%d/lineage", child), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lin struct {
		Ancestors []model.SeedID `json:"ancestors"`
	}
	decodeData(t, rec, &lin)
	assert.Contains(t, lin.Ancestors, parent)

	rec = env.do(t, http.MethodGet, "/v1/targets/cJSON/next-batch?n=5", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Seeds []model.Seed `json:"seeds"`
	}
	decodeData(t, rec, &batch)
	require.NotEmpty(t, batch.Seeds)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/v1/seeds/%d/selected", batch.Seeds[0].ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sel model.MarkSelectedResponse
	decodeData(t, rec, &sel)
	assert.Equal(t, batch.Seeds[0].ID, sel.SeedID)
	assert.False(t, sel.SelectedAt.IsZero())

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/seeds/%d", child), tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/targets/cJSON/export", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.NotEmpty(t, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/targets/cJSON/export?format=json", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, model.RoleWorker)
	parent := env.admit(t, tok, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "p"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad seed id", http.MethodGet, "/v1/seeds/abc", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"zero seed id", http.MethodGet, "/v1/seeds/0", nil, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown seed", http.MethodGet, "/v1/seeds/999", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown target", http.MethodGet, "/v1/targets/libpng/stats", nil, http.StatusNotFound, model.ErrCodeUnknownTarget},
		{"unknown parent", http.MethodPost, "/v1/seeds", model.AdmitSeedRequest{
			Target: "cJSON", SourceDigest: "x", Lineage: []model.SeedID{999},
		}, http.StatusNotFound, model.ErrCodeNotFound},
		{"cross-target parent", http.MethodPost, "/v1/seeds", model.AdmitSeedRequest{
			Target: "zlib", SourceDigest: "x", Lineage: []model.SeedID{parent},
		}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"missing digest", http.MethodPost, "/v1/seeds", model.AdmitSeedRequest{Target: "cJSON"},
			http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown field", http.MethodPost, "/v1/seeds", map[string]any{"target": "cJSON", "bogus": 1},
			http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"empty trace batch", http.MethodPost, "/v1/traces", model.IngestTracesRequest{},
			http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"bad run id", http.MethodGet, fmt.Sprintf("/v1/seeds/%d/coverage?run_id=nope", parent), nil,
			http.StatusBadRequest, model.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestUnevaluatedSeedCoverage(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, model.RoleWorker)
	id := env.admit(t, tok, model.AdmitSeedRequest{Target: "zlib", SourceDigest: "z"})

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/seeds/%d/coverage", id), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cov struct {
		Evaluated bool `json:"evaluated"`
	}
	decodeData(t, rec, &cov)
	assert.False(t, cov.Evaluated)
}

func TestTargetScoping(t *testing.T) {
	env := newTestEnv(t)
	zlibOnly := env.token(t, model.RoleWorker, "zlib")
	all := env.token(t, model.RoleWorker)
	id := env.admit(t, all, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "c"})

	rec := env.do(t, http.MethodPost, "/v1/seeds", zlibOnly, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "d"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/seeds/%d", id), zlibOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/targets/cJSON/next-batch", zlibOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/traces", zlibOnly, model.IngestTracesRequest{Traces: []model.RawTrace{
		{Target: "cJSON", SeedID: id, Branches: []uint32{1}},
	}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/targets/zlib/stats", zlibOnly, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - name: cJSON
    version: "1.7.18"
    universe_size: 100
    calls: [cJSON_Parse, cJSON_Print, cJSON_Delete]
    critical: [cJSON_Parse, cJSON_Delete]
  - name: zlib
    version: "1.3"
    universe_size: 50
    calls: [inflate, deflate]
`), 0o600))

	env := newTestEnv(t, func(c *ServerConfig) { c.TargetsFile = path })
	worker := env.token(t, model.RoleWorker)
	admin := env.token(t, model.RoleAdmin)

	rec := env.do(t, http.MethodPost, "/v1/targets/cJSON/compact", worker, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/targets/cJSON/compact", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1/admin/reload-targets", worker, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/admin/reload-targets", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	lib, err := env.svc.Library("cJSON")
	require.NoError(t, err)
	assert.Equal(t, 2, lib.NumCritical())

	// A universe change is incompatible with admitted state.
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - name: cJSON
    universe_size: 10
    calls: [cJSON_Parse]
  - name: zlib
    universe_size: 50
    calls: [inflate, deflate]
`), 0o600))
	rec = env.do(t, http.MethodPost, "/v1/admin/reload-targets", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestReloadWithoutTargetsFile(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/admin/reload-targets", env.token(t, model.RoleAdmin), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestRateLimitChargesPerTrace(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(c *ServerConfig) { c.Limiter = limiter })
	tok := env.token(t, model.RoleWorker)

	rec := env.do(t, http.MethodPost, "/v1/traces", tok, model.IngestTracesRequest{Traces: []model.RawTrace{
		{Target: "zlib", SeedID: 1}, {Target: "zlib", SeedID: 2}, {Target: "zlib", SeedID: 3},
	}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, rec))

	// The denied batch did not spend the burst.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/targets", tok, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/targets", tok, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/v1/targets", tok, nil).Code)

	// Admins are exempt.
	admin := env.token(t, model.RoleAdmin)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/targets", admin, nil).Code)
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxRequestBodyBytes = 64 })
	tok := env.token(t, model.RoleWorker)
	rec := env.do(t, http.MethodPost, "/v1/seeds", tok, model.AdmitSeedRequest{
		Target: "cJSON", SourceDigest: strings.Repeat("a", 100),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubscribeStreamsCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, model.RoleWorker))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.broker.subscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := env.svc.Compact(context.Background(), "cJSON")
	require.NoError(t, err)
	require.NotNil(t, res.Checkpoint)
	env.broker.PublishCheckpoint(*res.Checkpoint)

	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: checkpoint\n")
	assert.Contains(t, string(buf[:n]), `"target":"cJSON"`)
}

func TestSubscribeWithoutBroker(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.Broker = nil })
	rec := env.do(t, http.MethodGet, "/v1/subscribe", env.token(t, model.RoleWorker), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
