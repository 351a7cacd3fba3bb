package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// generation-round walks a generator through one round for a target.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("generation-round",
			mcplib.WithPromptDescription("Run one seed generation round against a target library"),
			mcplib.WithArgument("target",
				mcplib.ArgumentDescription("Target library name, for example cJSON"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGenerationRoundPrompt,
	)

	// generator-setup is a system prompt snippet for the whole workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("generator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the tane seed generation workflow"),
		),
		s.handleGeneratorSetupPrompt,
	)
}

func (s *Server) handleGenerationRoundPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	target := request.Params.Arguments["target"]
	if target == "" {
		return nil, fmt.Errorf("target argument is required")
	}
	lib, err := s.svc.Library(target)
	if err != nil {
		return nil, fmt.Errorf("mcp: generation round: %w", err)
	}

	critical := "none registered"
	if names := lib.CriticalNames(); len(names) > 0 {
		critical = strings.Join(names, ", ")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Generate new seeds for %s", target),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Run one generation round for %[1]s.

1. CALL tane_next_batch with target="%[1]s" to get parent seeds.

2. For each parent, write a new harness program that reaches code the
   parent does not. Prefer call sequences the corpus has not exercised.
   Critical calls for this library: %[2]s.

3. CALL tane_admit_seed for each program with target="%[1]s", its
   source_digest and parents set to the seed IDs it was derived from.
   Use origin="repair" for fixes of a broken parent, "mutate" for edits,
   and "combine" when merging several parents.

4. CALL tane_mark_selected once for every parent you used.

5. CALL tane_stats with target="%[1]s" to see whether the union grew.`, target, critical),
				},
			},
		},
	}, nil
}

func (s *Server) handleGeneratorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "tane seed generation workflow for LLM generators",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You generate fuzz harness programs for C libraries. tane keeps the corpus:
it measures which branches each program reaches and keeps only programs
that add coverage or exercise security-critical calls.

## The Loop

1. Pull parents with tane_next_batch.
2. Write derived programs and admit each with tane_admit_seed, naming
   its parents. Never name a program as its own ancestor.
3. Mark each parent you used with tane_mark_selected.
4. The fuzzer runs admitted programs and reports coverage. You do not
   post traces yourself.

## Available Tools

- tane_next_batch: parents in priority order
- tane_admit_seed: register a program and get its seed ID
- tane_mark_selected: record that a parent was used
- tane_stats: corpus size, convergence and membership counts
- tane_lineage: a seed's ancestors and state

## Reading Stats

When converged is true, new programs have stopped adding coverage.
Change strategy: combine distant seeds or target critical calls that
few retained seeds reach.`,
				},
			},
		},
	}, nil
}
