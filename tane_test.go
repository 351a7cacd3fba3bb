package tane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/config"
	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/server"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

const testTargets = `targets:
  - name: cJSON
    version: 1.7.18
    universe_size: 100
    calls: [cJSON_Parse, cJSON_Print, cJSON_Delete]
    critical: [cJSON_Parse]
`

// isolateEnv clears the store variables so the host environment cannot
// redirect a test to a real database.
func isolateEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TANE_SQLITE_PATH", "")
	t.Setenv("TANE_WAL_DIR", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTargets), 0o600))
	return path
}

func TestEngineRestoresFromSQLite(t *testing.T) {
	targets := isolateEnv(t)
	dbPath := filepath.Join(t.TempDir(), "tane.db")
	ctx := context.Background()
	opts := []Option{WithLogger(testLogger), WithTargetsFile(targets), WithSQLitePath(dbPath)}

	eng, err := Open(ctx, opts...)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", eng.Config().StoreKind())

	svc := eng.Service()
	a, err := svc.AdmitSeed(ctx, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "a"})
	require.NoError(t, err)
	b, err := svc.AdmitSeed(ctx, model.AdmitSeedRequest{Target: "cJSON", SourceDigest: "b", Lineage: []model.SeedID{a.Seed.ID}})
	require.NoError(t, err)
	_, err = svc.IngestTraces(ctx, []model.RawTrace{
		{Target: "cJSON", SeedID: a.Seed.ID, Branches: []uint32{1, 2, 3}, Calls: []string{"cJSON_Parse"}},
		{Target: "cJSON", SeedID: b.Seed.ID, Branches: []uint32{3, 4}},
	})
	require.NoError(t, err)
	before, err := svc.Stats("cJSON")
	require.NoError(t, err)
	eng.Close(ctx)

	eng, err = Open(ctx, opts...)
	require.NoError(t, err)
	defer eng.Close(ctx)

	after, err := eng.Service().Stats("cJSON")
	require.NoError(t, err)
	assert.Equal(t, before.UnionSize, after.UnionSize)
	assert.Equal(t, 4, after.UnionSize)
	assert.Equal(t, before.Retained, after.Retained)

	ancestors, err := eng.Service().Lineage(b.Seed.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.SeedID{a.Seed.ID}, ancestors)
}

func TestOpenRejectsMissingTargets(t *testing.T) {
	isolateEnv(t)
	_, err := Open(context.Background(), WithLogger(testLogger),
		WithTargetsFile(filepath.Join(t.TempDir(), "absent.yaml")))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Config{Port: 8080, DatabaseURL: "postgres://x", TargetsFile: "targets.yaml"}
	applyOverrides(&cfg, resolve([]Option{WithPort(9000), WithSQLitePath("/tmp/t.db"), WithWALDir("/tmp/wal")}))
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/t.db", cfg.SQLitePath)
	assert.Empty(t, cfg.DatabaseURL, "sqlite path replaces the database URL")
	assert.Equal(t, "/tmp/wal", cfg.WALDir)
	assert.Equal(t, "targets.yaml", cfg.TargetsFile)
}

func TestResolveDefaults(t *testing.T) {
	o := resolve(nil)
	assert.NotNil(t, o.logger)
	assert.Equal(t, "dev", o.version)
}

func TestToPublicCheckpoint(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pub := toPublicCheckpoint(corpus.Checkpoint{
		Target:      "zlib",
		Retained:    []model.SeedID{1, 4},
		Retired:     []model.SeedID{2},
		UnionSize:   7,
		UnionDigest: "v1:abc",
		MerkleRoot:  "v1:def",
		QuietRounds: 3,
		CreatedAt:   at,
	})
	assert.Equal(t, "zlib", pub.Target)
	assert.Equal(t, []uint64{1, 4}, pub.Retained)
	assert.Equal(t, []uint64{2}, pub.Retired)
	assert.Empty(t, pub.Pending)
	assert.Equal(t, 7, pub.UnionSize)
	assert.Equal(t, "v1:def", pub.MerkleRoot)
	assert.Equal(t, 3, pub.QuietRounds)
	assert.Equal(t, at, pub.CreatedAt)
}

func TestCheckpointFanout(t *testing.T) {
	a := &App{broker: server.NewBroker(testLogger), logger: testLogger}
	got := make(chan Checkpoint, 2)
	ok := CheckpointHookFunc(func(_ context.Context, cp Checkpoint) error {
		got <- cp
		return nil
	})
	failing := CheckpointHookFunc(func(_ context.Context, cp Checkpoint) error {
		got <- cp
		return errors.New("archive unavailable")
	})

	a.checkpointFanout([]CheckpointHook{ok, failing})(corpus.Checkpoint{Target: "cJSON", UnionSize: 3})

	for range 2 {
		select {
		case cp := <-got:
			assert.Equal(t, "cJSON", cp.Target)
			assert.Equal(t, 3, cp.UnionSize)
		case <-time.After(5 * time.Second):
			t.Fatal("hook was not called")
		}
	}
}

func TestAppServesAndShutsDown(t *testing.T) {
	targets := isolateEnv(t)
	t.Setenv("TANE_PORT", "0")

	var seen bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = true
			next.ServeHTTP(w, r)
		})
	}
	app, err := New(context.Background(),
		WithLogger(testLogger),
		WithTargetsFile(targets),
		WithSQLitePath(filepath.Join(t.TempDir(), "tane.db")),
		WithWALDir(t.TempDir()),
		WithMiddleware(mw),
		WithVersion("test"),
	)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"store":"sqlite"`)
	assert.Contains(t, string(body), `"version":"test"`)
	assert.True(t, seen, "registered middleware wraps the handler")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
