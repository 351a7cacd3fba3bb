package quality

import "github.com/ashita-ai/tane/internal/model"

// Rank is the ordering key of a seed.
type Rank struct {
	ID    model.SeedID
	Score float64
	Depth int
}

// Less reports whether a ranks ahead of b: higher score first, then smaller
// lineage depth, then smaller ID. The order is total over distinct IDs.
func Less(a, b Rank) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.ID < b.ID
}
