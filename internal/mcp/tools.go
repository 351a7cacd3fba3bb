package mcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tane/internal/ctxutil"
	"github.com/ashita-ai/tane/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("tane_next_batch",
			mcplib.WithDescription(`Get the next seeds to use as parents for generation.

WHEN TO USE: At the start of every generation round. Seeds come back in
priority order: higher quality first, then shallower lineage, then lower ID.
Seeds whose lineage is too deep or that have produced too many fruitless
children are not offered.

After generating from a seed, call tane_mark_selected with its ID.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("target",
				mcplib.Description("Target library name, for example cJSON or zlib"),
				mcplib.Required(),
			),
			mcplib.WithNumber("n",
				mcplib.Description("Maximum number of seeds to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleNextBatch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tane_admit_seed",
			mcplib.WithDescription(`Register a generated program and get its seed ID.

WHEN TO USE: After writing a new harness program, before the fuzzer runs it.
Name the parents it was derived from. Admission is idempotent on
(target, source_digest): resubmitting the same program returns the same ID.

A lineage naming unknown parents, parents of another target, or one that
would form a cycle is rejected.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("target",
				mcplib.Description("Target library name"),
				mcplib.Required(),
			),
			mcplib.WithString("source_digest",
				mcplib.Description("Content digest of the program source, for example its sha256 hex"),
				mcplib.Required(),
			),
			mcplib.WithString("parents",
				mcplib.Description("Comma-separated parent seed IDs, for example \"3,17\". Omit for a root seed."),
			),
			mcplib.WithString("origin",
				mcplib.Description("How the program was made"),
				mcplib.Enum(string(model.OriginOriginal), string(model.OriginRandom), string(model.OriginRepair),
					string(model.OriginMutate), string(model.OriginCombine)),
			),
			mcplib.WithString("combination",
				mcplib.Description("Comma-separated API calls the program was asked to combine"),
			),
			mcplib.WithString("prompt_metadata",
				mcplib.Description("Free-form notes on the prompt that produced the program"),
			),
		),
		s.handleAdmitSeed,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tane_mark_selected",
			mcplib.WithDescription(`Record that a seed was used as a parent.

WHEN TO USE: Once per parent actually used, after generating from it. The
seed's selection count rises, which lowers its priority until it produces
children that add coverage.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("seed_id",
				mcplib.Description("Seed ID returned by tane_next_batch"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleMarkSelected,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tane_stats",
			mcplib.WithDescription(`Summarize the corpus of one target: coverage union size, seeds per
membership, discovered call triples and whether coverage has converged.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("target",
				mcplib.Description("Target library name"),
				mcplib.Required(),
			),
		),
		s.handleStats,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tane_lineage",
			mcplib.WithDescription(`Show a seed's state and its ancestors, nearest first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("seed_id",
				mcplib.Description("Seed ID"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of ancestors to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(32),
			),
		),
		s.handleLineage,
	)
}

func (s *Server) handleNextBatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	target := request.GetString("target", "")
	if target == "" {
		return errorResult("target is required"), nil
	}
	if res := checkScope(ctx, target); res != nil {
		return res, nil
	}
	n := min(max(request.GetInt("n", 5), 1), 100)

	ids, err := s.svc.NextBatch(target, n)
	if err != nil {
		return errorResult(fmt.Sprintf("next batch failed: %v", err)), nil
	}
	batch := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		info, err := s.svc.Describe(id)
		if err != nil {
			continue
		}
		batch = append(batch, compactSeed(info))
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		s.handed.Record(claims.WorkerID, ids)
	}
	return jsonResult(map[string]any{
		"target": target,
		"seeds":  batch,
		"total":  len(batch),
	}), nil
}

func (s *Server) handleAdmitSeed(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.AdmitSeedRequest{
		Target:         request.GetString("target", ""),
		SourceDigest:   request.GetString("source_digest", ""),
		Origin:         model.Origin(request.GetString("origin", "")),
		PromptMetadata: request.GetString("prompt_metadata", ""),
		Combination:    splitList(request.GetString("combination", "")),
	}
	if req.Target == "" || req.SourceDigest == "" {
		return errorResult("target and source_digest are required"), nil
	}
	if res := checkScope(ctx, req.Target); res != nil {
		return res, nil
	}
	parents, err := parseSeedIDs(request.GetString("parents", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req.Lineage = parents

	res, err := s.svc.AdmitSeed(ctx, req)
	if err != nil {
		var cycle *model.CycleError
		if errors.As(err, &cycle) {
			return errorResult(fmt.Sprintf("lineage rejected: %v", cycle)), nil
		}
		return errorResult(fmt.Sprintf("admission failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"seed_id": res.Seed.ID,
		"created": res.Created,
		"origin":  res.Seed.Origin,
	}), nil
}

func (s *Server) handleMarkSelected(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := model.SeedID(request.GetInt("seed_id", 0))
	if id == 0 {
		return errorResult("seed_id is required"), nil
	}
	seed, err := s.svc.Seed(id)
	if err != nil {
		return errorResult(fmt.Sprintf("mark selected failed: %v", err)), nil
	}
	if res := checkScope(ctx, seed.Target); res != nil {
		return res, nil
	}
	at, err := s.svc.MarkSelected(id)
	if err != nil {
		return errorResult(fmt.Sprintf("mark selected failed: %v", err)), nil
	}

	result := jsonResult(map[string]any{"seed_id": id, "selected_at": at})
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !s.handed.WasHanded(claims.WorkerID, id) {
		result.Content = append(result.Content, mcplib.TextContent{
			Type: "text",
			Text: fmt.Sprintf("NOTE: seed %d was not in a recent tane_next_batch result for you. "+
				"Selecting seeds outside the schedule skews parent priority.", id),
		})
	}
	return result, nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	target := request.GetString("target", "")
	if target == "" {
		return errorResult("target is required"), nil
	}
	if res := checkScope(ctx, target); res != nil {
		return res, nil
	}
	st, err := s.svc.Stats(target)
	if err != nil {
		return errorResult(fmt.Sprintf("stats failed: %v", err)), nil
	}
	return jsonResult(st), nil
}

func (s *Server) handleLineage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := model.SeedID(request.GetInt("seed_id", 0))
	if id == 0 {
		return errorResult("seed_id is required"), nil
	}
	info, err := s.svc.Describe(id)
	if err != nil {
		return errorResult(fmt.Sprintf("lineage failed: %v", err)), nil
	}
	if res := checkScope(ctx, info.Seed.Target); res != nil {
		return res, nil
	}
	ancestors, err := s.svc.Lineage(id, min(max(request.GetInt("limit", 32), 1), 1000))
	if err != nil {
		return errorResult(fmt.Sprintf("lineage failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"seed":      compactSeed(info),
		"ancestors": ancestors,
	}), nil
}

// checkScope returns an error result when the caller's token does not cover
// target. Calls without claims come from in-process use and are allowed.
func checkScope(ctx context.Context, target string) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || claims.CanAccess(target) {
		return nil
	}
	return errorResult(fmt.Sprintf("token is not scoped to target %q", target))
}

func parseSeedIDs(s string) ([]model.SeedID, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, nil
	}
	ids := make([]model.SeedID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid parent seed id %q", p)
		}
		ids = append(ids, model.SeedID(n))
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
