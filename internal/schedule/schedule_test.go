package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/quality"
)

func fakeClock(s *Scheduler) func() {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t }
	return func() { t = t.Add(time.Second) }
}

func TestEmptyQueueIsNotAnError(t *testing.T) {
	s := New(Config{})
	got := s.NextBatch(5)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, New(Config{}).NextBatch(0))
}

func TestOrderingAndTieBreak(t *testing.T) {
	s := New(Config{})
	s.Upsert(quality.Rank{ID: 4, Score: 0.5, Depth: 1})
	s.Upsert(quality.Rank{ID: 3, Score: 0.5, Depth: 0})
	s.Upsert(quality.Rank{ID: 1, Score: 0.5, Depth: 1})
	s.Upsert(quality.Rank{ID: 9, Score: 0.9, Depth: 5})

	assert.Equal(t, []model.SeedID{9, 3, 1, 4}, s.NextBatch(10))
	assert.Equal(t, []model.SeedID{9, 3}, s.NextBatch(2))
}

func TestMarkSelectedRotatesEqualScores(t *testing.T) {
	s := New(Config{})
	tick := fakeClock(s)
	s.Upsert(quality.Rank{ID: 1, Score: 0.5})
	s.Upsert(quality.Rank{ID: 2, Score: 0.5})
	s.Upsert(quality.Rank{ID: 3, Score: 0.1})

	assert.Equal(t, []model.SeedID{1}, s.NextBatch(1))
	at, err := s.MarkSelected(1)
	require.NoError(t, err)
	assert.False(t, at.IsZero())
	assert.Equal(t, []model.SeedID{2, 1, 3}, s.NextBatch(3))

	tick()
	_, err = s.MarkSelected(2)
	require.NoError(t, err)
	assert.Equal(t, []model.SeedID{1, 2, 3}, s.NextBatch(3), "older selection goes first")

	_, err = s.MarkSelected(77)
	assert.ErrorIs(t, err, model.ErrUnknownSeed)
}

func TestDepthCapExcludesWithoutRemoving(t *testing.T) {
	s := New(Config{MaxDepth: 2})
	s.Upsert(quality.Rank{ID: 1, Score: 0.9, Depth: 3})
	s.Upsert(quality.Rank{ID: 2, Score: 0.1, Depth: 2})

	assert.Equal(t, []model.SeedID{2}, s.NextBatch(5))
	assert.Equal(t, 2, s.Len())
	_, ok := s.Lookup(1)
	assert.True(t, ok)
}

func TestFruitlessSeedsAgeOut(t *testing.T) {
	s := New(Config{MaxFruitless: 2})
	tick := fakeClock(s)
	s.Upsert(quality.Rank{ID: 1, Score: 0.9})
	s.Upsert(quality.Rank{ID: 2, Score: 0.1})

	for i := 0; i < 2; i++ {
		_, err := s.MarkSelected(1)
		require.NoError(t, err)
		tick()
	}
	assert.Equal(t, []model.SeedID{2}, s.NextBatch(5))

	s.RecordOffspring([]model.SeedID{1}, false)
	assert.Equal(t, []model.SeedID{2}, s.NextBatch(5))

	s.RecordOffspring([]model.SeedID{1, 99}, true)
	assert.Equal(t, []model.SeedID{1, 2}, s.NextBatch(5))
	e, _ := s.Lookup(1)
	assert.Zero(t, e.Fruitless)
}

func TestUpsertRekeysAndRemove(t *testing.T) {
	s := New(Config{})
	s.Upsert(quality.Rank{ID: 1, Score: 0.9})
	s.Upsert(quality.Rank{ID: 2, Score: 0.5})
	_, err := s.MarkSelected(1)
	require.NoError(t, err)

	s.Upsert(quality.Rank{ID: 1, Score: 0.1})
	assert.Equal(t, []model.SeedID{2, 1}, s.NextBatch(5))
	e, ok := s.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, 1, e.Fruitless, "history survives re-key")
	assert.Equal(t, 2, s.Len())

	s.Remove(2)
	s.Remove(42)
	assert.Equal(t, []model.SeedID{1}, s.NextBatch(5))
}
