package quality

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
)

func testTarget(t *testing.T) *model.TargetLibrary {
	t.Helper()
	lib, err := model.NewTargetLibrary("cJSON", "", 100,
		[]string{"cJSON_Parse", "cJSON_Print", "cJSON_Delete", "cJSON_Minify"},
		[]string{"cJSON_Parse", "cJSON_Delete"})
	require.NoError(t, err)
	return lib
}

func TestScoreDisjointSeed(t *testing.T) {
	s := NewScorer(DefaultWeights())
	m := s.Score(Input{
		Coverage:    &coverage.Observation{Branches: coverage.Range(1, 10), LibraryCalls: []model.CallID{0, 1}, CriticalCalls: []model.CallID{0}, Visited: true},
		UnionBefore: &coverage.Set{},
		Target:      testTarget(t),
	})

	assert.InDelta(t, 0.10, m.Density, 1e-9)
	assert.Equal(t, 10, m.UniqueBranches)
	assert.Equal(t, coverage.Range(1, 10).IDs(), m.Unique.IDs())
	assert.InDelta(t, 0.5, m.CriticalBonus, 1e-9)
	assert.Equal(t, 2, m.LibraryCalls)
	assert.Equal(t, 1, m.CriticalCalls)
	// 0.3*0.1 + 0.5*(10/20) + 0.2*0.5
	assert.InDelta(t, 0.03+0.25+0.10, m.Score, 1e-9)
}

func TestScoreSubsetSeedUsesDensityOnly(t *testing.T) {
	s := NewScorer(DefaultWeights())
	m := s.Score(Input{
		Coverage:    &coverage.Observation{Branches: coverage.Range(1, 5), Visited: true},
		UnionBefore: coverage.Range(1, 10),
		Target:      testTarget(t),
	})
	assert.Equal(t, 0, m.UniqueBranches)
	assert.InDelta(t, 0.3*0.05, m.Score, 1e-9)
}

func TestScoreZeroVisit(t *testing.T) {
	s := NewScorer(DefaultWeights())
	m := s.Score(Input{
		Coverage:    &coverage.Observation{Branches: &coverage.Set{}, CriticalCalls: []model.CallID{0, 2}, LibraryCalls: []model.CallID{0, 2}},
		UnionBefore: &coverage.Set{},
		Target:      testTarget(t),
	})
	assert.False(t, m.Visited)
	assert.Zero(t, m.Score)
	assert.InDelta(t, 1.0, m.CriticalBonus, 1e-9, "sub-metrics are still reported")
}

func TestScoreEmptyRegistry(t *testing.T) {
	lib, err := model.NewTargetLibrary("zlib", "", 10, []string{"inflate"}, nil)
	require.NoError(t, err)
	m := NewScorer(DefaultWeights()).Score(Input{
		Coverage:    &coverage.Observation{Branches: coverage.Range(0, 9), Visited: true},
		UnionBefore: &coverage.Set{},
		Target:      lib,
	})
	assert.Equal(t, 1.0, m.Density)
	assert.Zero(t, m.CriticalBonus)
}

func TestCustomScoreFunc(t *testing.T) {
	s := NewScorerFunc(func(m Metrics) float64 { return float64(m.UniqueBranches) })
	m := s.Rescore(Metrics{UniqueBranches: 4, Visited: true})
	assert.Equal(t, 4.0, m.Score)
	m = s.Rescore(Metrics{UniqueBranches: 4})
	assert.Zero(t, m.Score)
}

func TestSaturate(t *testing.T) {
	assert.Zero(t, Saturate(0, 10))
	assert.InDelta(t, 0.5, Saturate(10, 10), 1e-9)
	assert.Less(t, Saturate(1000, 10), 1.0)
	assert.Greater(t, Saturate(11, 10), Saturate(10, 10))
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Density: -1, Saturation: 1}.Validate())
	assert.Error(t, Weights{Density: 1}.Validate())
}

func TestLessTieBreak(t *testing.T) {
	ranks := []Rank{
		{ID: 4, Score: 0.5, Depth: 1},
		{ID: 3, Score: 0.5, Depth: 0},
		{ID: 1, Score: 0.5, Depth: 1},
		{ID: 9, Score: 0.9, Depth: 5},
	}
	sort.Slice(ranks, func(i, j int) bool { return Less(ranks[i], ranks[j]) })

	ids := make([]model.SeedID, len(ranks))
	for i, r := range ranks {
		ids[i] = r.ID
	}
	assert.Equal(t, []model.SeedID{9, 3, 1, 4}, ids)
	assert.False(t, Less(ranks[0], ranks[0]))
}
