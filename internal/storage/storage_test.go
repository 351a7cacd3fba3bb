package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/storage"
	"github.com/ashita-ai/tane/internal/testutil"
	"github.com/ashita-ai/tane/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

var nextID = model.SeedID(time.Now().UnixNano() % 1_000_000_000)

func newSeed(target string, lineage ...model.SeedID) model.Seed {
	nextID++
	return model.Seed{
		ID:           nextID,
		Target:       target,
		SourceDigest: uuid.NewString(),
		Lineage:      lineage,
		Origin:       model.OriginOriginal,
		AdmittedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestSaveAndLoadSeed(t *testing.T) {
	ctx := context.Background()
	root := newSeed("cJSON")
	require.NoError(t, testDB.SaveSeed(ctx, root))

	child := newSeed("cJSON", root.ID)
	child.Origin = model.OriginMutate
	child.PromptMetadata = "mutate cJSON_Parse"
	child.Combination = []string{"cJSON_Parse", "cJSON_Delete"}
	require.NoError(t, testDB.SaveSeed(ctx, child))

	got, err := testDB.GetSeed(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.Lineage, got.Lineage)
	assert.Equal(t, child.Combination, got.Combination)
	assert.Equal(t, model.OriginMutate, got.Origin)
	assert.True(t, child.AdmittedAt.Equal(got.AdmittedAt))

	all, err := testDB.LoadSeeds(ctx)
	require.NoError(t, err)
	var ids []model.SeedID
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, root.ID)
	assert.Contains(t, ids, child.ID)

	_, err = testDB.GetSeed(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveSeedRejectsDuplicateDigest(t *testing.T) {
	ctx := context.Background()
	a := newSeed("zlib")
	require.NoError(t, testDB.SaveSeed(ctx, a))

	b := newSeed("zlib")
	b.SourceDigest = a.SourceDigest
	assert.ErrorIs(t, testDB.SaveSeed(ctx, b), storage.ErrDuplicateDigest)
}

func TestSaveObservationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seed := newSeed("libpng")
	require.NoError(t, testDB.SaveSeed(ctx, seed))

	recs := []coverage.Record{
		{
			ID: uuid.New(), SeedID: seed.ID, Target: "libpng", RunID: uuid.New(),
			Branches: coverage.NewSet(1, 5, 900), Calls: []string{"png_read_info", "png_unknown"},
			ObservedAt: time.Now().UTC().Truncate(time.Microsecond),
		},
		{
			ID: uuid.New(), SeedID: seed.ID, Target: "libpng", RunID: uuid.New(),
			Branches: &coverage.Set{}, ObservedAt: time.Now().UTC().Truncate(time.Microsecond),
		},
	}
	n, err := testDB.SaveObservations(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = testDB.SaveObservations(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	loaded, err := testDB.LoadObservations(ctx)
	require.NoError(t, err)
	byID := make(map[uuid.UUID]coverage.Record)
	for _, r := range loaded {
		byID[r.ID] = r
	}
	got, ok := byID[recs[0].ID]
	require.True(t, ok)
	assert.Equal(t, seed.ID, got.SeedID)
	assert.True(t, got.Branches.Equal(recs[0].Branches))
	assert.Equal(t, recs[0].Calls, got.Calls)

	empty, ok := byID[recs[1].ID]
	require.True(t, ok)
	assert.True(t, empty.Branches.Empty())
}

func TestLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	target := "sqlite3-" + uuid.NewString()

	_, err := testDB.LatestCheckpoint(ctx, target)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := corpus.Checkpoint{
		Target: target, Retained: []model.SeedID{1, 2}, Retired: []model.SeedID{}, Pending: []model.SeedID{3},
		UnionSize: 10, UnionDigest: "v1:a", MerkleRoot: "v1:b", CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.SaveCheckpoint(ctx, first))

	second := first
	second.Retained = []model.SeedID{2}
	second.Retired = []model.SeedID{1}
	second.MerkleRoot = "v1:c"
	second.QuietRounds = 6
	require.NoError(t, testDB.SaveCheckpoint(ctx, second))

	got, err := testDB.LatestCheckpoint(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, second.Retained, got.Retained)
	assert.Equal(t, second.Retired, got.Retired)
	assert.Equal(t, second.Pending, got.Pending)
	assert.Equal(t, "v1:c", got.MerkleRoot)
	assert.Equal(t, 10, got.UnionSize)
	assert.Equal(t, 6, got.QuietRounds)
}

func TestCheckpointIsAnnounced(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := testDB.Listen(ctx, storage.ChannelCheckpoints)
	require.NoError(t, err)
	defer l.Close()

	target := fmt.Sprintf("notify-%d", time.Now().UnixNano())
	require.NoError(t, testDB.SaveCheckpoint(ctx, corpus.Checkpoint{
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}))

	for {
		ch, payload, err := l.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.ChannelCheckpoints, ch)
		var sum corpus.Summary
		require.NoError(t, json.Unmarshal([]byte(payload), &sum))
		if sum.Target == target {
			return
		}
	}
}
