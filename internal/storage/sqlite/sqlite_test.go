package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/storage"
	"github.com/ashita-ai/tane/internal/storage/sqlite"
	"github.com/ashita-ai/tane/internal/testutil"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "tane.db"))
	now := time.Now().UTC()

	root := model.Seed{ID: 1, Target: "cJSON", SourceDigest: "v1:aa", Origin: model.OriginOriginal, AdmittedAt: now}
	child := model.Seed{
		ID: 2, Target: "cJSON", SourceDigest: "v1:bb", Lineage: []model.SeedID{1},
		Origin: model.OriginMutate, PromptMetadata: "p", Combination: []string{"cJSON_Parse"}, AdmittedAt: now,
	}
	require.NoError(t, s.SaveSeed(ctx, child))
	require.NoError(t, s.SaveSeed(ctx, root))

	seeds, err := s.LoadSeeds(ctx)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, model.SeedID(1), seeds[0].ID, "ordered by id")
	assert.Nil(t, seeds[0].Lineage)
	assert.Equal(t, child.Lineage, seeds[1].Lineage)
	assert.Equal(t, child.Combination, seeds[1].Combination)
	assert.Equal(t, "p", seeds[1].PromptMetadata)
	assert.True(t, now.Equal(seeds[1].AdmittedAt))

	dup := root
	dup.ID = 3
	assert.ErrorIs(t, s.SaveSeed(ctx, dup), storage.ErrDuplicateDigest)

	other := root
	other.ID = 4
	other.Target = "zlib"
	assert.NoError(t, s.SaveSeed(ctx, other), "digests are unique per target")
}

func TestObservationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "tane.db"))
	require.NoError(t, s.SaveSeed(ctx, model.Seed{ID: 7, Target: "cJSON", SourceDigest: "d", AdmittedAt: time.Now()}))

	recs := []coverage.Record{
		{ID: uuid.New(), SeedID: 7, Target: "cJSON", RunID: uuid.New(), Branches: coverage.NewSet(3, 4, 99),
			Calls: []string{"cJSON_Parse", "nope"}, ObservedAt: time.Now().UTC()},
		{ID: uuid.New(), SeedID: 7, Target: "cJSON", RunID: uuid.New(), Branches: &coverage.Set{},
			ObservedAt: time.Now().UTC()},
	}
	n, err := s.SaveObservations(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.SaveObservations(ctx, recs[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "replayed records are skipped")

	got, err := s.LoadObservations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[0].ID, got[0].ID)
	assert.Equal(t, recs[0].RunID, got[0].RunID)
	assert.True(t, got[0].Branches.Equal(recs[0].Branches))
	assert.Equal(t, recs[0].Calls, got[0].Calls)
	assert.True(t, recs[0].ObservedAt.Equal(got[0].ObservedAt))
	assert.True(t, got[1].Branches.Empty())
	assert.Empty(t, got[1].Calls)
}

func TestCheckpointsAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tane.db")
	s := openStore(t, path)

	_, err := s.LatestCheckpoint(ctx, "cJSON")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cp := corpus.Checkpoint{
		Target: "cJSON", Retained: []model.SeedID{1, 3}, Retired: []model.SeedID{2}, Pending: []model.SeedID{},
		UnionSize: 20, UnionDigest: "v1:u", MerkleRoot: "v1:m", QuietRounds: 5, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))
	later := cp
	later.Retired = []model.SeedID{}
	later.Retained = []model.SeedID{1, 2, 3}
	require.NoError(t, s.SaveCheckpoint(ctx, later))
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	got, err := reopened.LatestCheckpoint(ctx, "cJSON")
	require.NoError(t, err)
	assert.Equal(t, later.Retained, got.Retained)
	assert.Equal(t, later.Retired, got.Retired)
	assert.Equal(t, later.Pending, got.Pending)
	assert.Equal(t, 20, got.UnionSize)
	assert.Equal(t, 5, got.QuietRounds)
	assert.True(t, later.CreatedAt.Equal(got.CreatedAt))
}

func TestOpenUpgradesOldCheckpointTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `CREATE TABLE checkpoints (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		target       TEXT NOT NULL,
		retained     TEXT NOT NULL,
		retired      TEXT NOT NULL,
		pending      TEXT NOT NULL,
		union_size   INTEGER NOT NULL,
		union_digest TEXT NOT NULL,
		merkle_root  TEXT NOT NULL,
		created_at   INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s := openStore(t, path)
	require.NoError(t, s.SaveCheckpoint(ctx, corpus.Checkpoint{
		Target: "cJSON", Retained: []model.SeedID{1}, QuietRounds: 4, CreatedAt: time.Now().UTC(),
	}))
	got, err := s.LatestCheckpoint(ctx, "cJSON")
	require.NoError(t, err)
	assert.Equal(t, 4, got.QuietRounds)
	assert.Empty(t, got.Retired)
	require.NoError(t, s.Close())

	openStore(t, path)
}
