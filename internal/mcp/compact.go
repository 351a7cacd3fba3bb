package mcp

import (
	"math"

	"github.com/ashita-ai/tane/internal/service/seeds"
)

const maxCompactPrompt = 200

// compactSeed returns the fields a generator acts on. Observation detail and
// the unique-branch set are dropped; the prompt notes are truncated.
func compactSeed(info seeds.SeedInfo) map[string]any {
	m := map[string]any{
		"id":              info.Seed.ID,
		"target":          info.Seed.Target,
		"source_digest":   info.Seed.SourceDigest,
		"origin":          info.Seed.Origin,
		"membership":      info.Membership,
		"score":           math.Round(info.Metrics.Score*1000) / 1000,
		"unique_branches": info.Metrics.UniqueBranches,
		"critical_calls":  info.Metrics.CriticalCalls,
		"depth":           info.Depth,
		"children":        info.Children,
	}
	if len(info.Seed.Lineage) > 0 {
		m["parents"] = info.Seed.Lineage
	}
	if len(info.Seed.Combination) > 0 {
		m["combination"] = info.Seed.Combination
	}
	if info.Seed.PromptMetadata != "" {
		m["prompt_metadata"] = truncate(info.Seed.PromptMetadata, maxCompactPrompt)
	}
	if info.Schedule != nil {
		m["fruitless"] = info.Schedule.Fruitless
		if !info.Schedule.LastSelected.IsZero() {
			m["last_selected"] = info.Schedule.LastSelected
		}
	}
	return m
}

// truncate cuts s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
