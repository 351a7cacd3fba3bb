// Package quality scores a seed's coverage contribution.
//
// A score (0.0-1.0) is a pure function of named sub-metrics, so the weighting
// policy can change without touching ingestion or minimization.
//
// Sub-metrics:
//   - density: fraction of the branch universe the seed hits
//   - unique branches: branches not in the corpus union when the seed was admitted
//   - critical bonus: fraction of the critical-call registry the seed reached
package quality

import (
	"fmt"
	"math"

	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
)

// Weights configures the default linear scoring function.
type Weights struct {
	Density    float64
	Unique     float64
	Critical   float64
	Saturation float64 // k in unique/(unique+k)
}

// DefaultWeights returns 0.3/0.5/0.2 with saturation constant 10.
func DefaultWeights() Weights {
	return Weights{Density: 0.3, Unique: 0.5, Critical: 0.2, Saturation: 10}
}

// Validate rejects negative weights and a non-positive saturation constant.
func (w Weights) Validate() error {
	if w.Density < 0 || w.Unique < 0 || w.Critical < 0 {
		return fmt.Errorf("quality: weights must be non-negative")
	}
	if w.Saturation <= 0 {
		return fmt.Errorf("quality: saturation constant must be positive")
	}
	return nil
}

// Metrics are the derived quality figures for one seed. They are recomputed
// on demand except UniqueBranches, which is frozen at admission.
type Metrics struct {
	Density        float64       `json:"density"`
	UniqueBranches int           `json:"unique_branches"`
	Unique         *coverage.Set `json:"-"`
	CriticalBonus  float64       `json:"critical_bonus"`
	LibraryCalls   int           `json:"library_calls"`
	CriticalCalls  int           `json:"critical_calls"`
	Visited        bool          `json:"visited"`
	Score          float64       `json:"score"`
}

// ScoreFunc combines sub-metrics into a scalar. It must be monotone in each
// sub-metric and must not look at Visited; the Scorer applies the zero-visit
// rule itself.
type ScoreFunc func(m Metrics) float64

// Linear returns w.Density*density + w.Unique*saturate(unique) + w.Critical*bonus.
func Linear(w Weights) ScoreFunc {
	return func(m Metrics) float64 {
		return w.Density*m.Density +
			w.Unique*Saturate(m.UniqueBranches, w.Saturation) +
			w.Critical*m.CriticalBonus
	}
}

// Saturate maps a raw count through x/(x+k) so a seed cannot dominate the
// ranking purely by volume.
func Saturate(x int, k float64) float64 {
	if x <= 0 {
		return 0
	}
	f := float64(x)
	return f / (f + k)
}

// Input is everything the scorer needs for one seed.
type Input struct {
	Coverage    *coverage.Observation // canonical coverage of the seed
	UnionBefore *coverage.Set         // corpus union immediately before admission
	Target      *model.TargetLibrary
}

// Scorer computes Metrics. It is stateless and safe for concurrent use.
type Scorer struct {
	combine ScoreFunc
}

// NewScorer returns a Scorer using the linear combination over w.
func NewScorer(w Weights) *Scorer {
	return &Scorer{combine: Linear(w)}
}

// NewScorerFunc returns a Scorer using an arbitrary combination.
func NewScorerFunc(f ScoreFunc) *Scorer {
	return &Scorer{combine: f}
}

// Score computes all sub-metrics and the scalar score.
func (s *Scorer) Score(in Input) Metrics {
	cov := in.Coverage
	unique := cov.Branches.Difference(in.UnionBefore)
	m := Metrics{
		Density:        clamp01(float64(cov.Branches.Len()) / float64(in.Target.UniverseSize)),
		UniqueBranches: unique.Len(),
		Unique:         unique,
		CriticalBonus:  clamp01(float64(len(cov.CriticalCalls)) / float64(max(1, in.Target.NumCritical()))),
		LibraryCalls:   len(cov.LibraryCalls),
		CriticalCalls:  len(cov.CriticalCalls),
		Visited:        cov.Visited,
	}
	return s.Rescore(m)
}

// Rescore recomputes Score from the sub-metrics already in m.
func (s *Scorer) Rescore(m Metrics) Metrics {
	if !m.Visited {
		m.Score = 0
		return m
	}
	m.Score = s.combine(m)
	return m
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
