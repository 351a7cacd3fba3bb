package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationRoundPrompt(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleGenerationRoundPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "generation-round",
			Arguments: map[string]string{"target": "cJSON"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "cJSON")
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, `tane_next_batch with target="cJSON"`)
	assert.Contains(t, tc.Text, "cJSON_Parse")

	_, err = s.handleGenerationRoundPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "generation-round"},
	})
	assert.Error(t, err)

	_, err = s.handleGenerationRoundPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "generation-round", Arguments: map[string]string{"target": "libpng"}},
	})
	assert.Error(t, err)
}

func TestGeneratorSetupPrompt(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleGeneratorSetupPrompt(context.Background(), mcplib.GetPromptRequest{})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	for _, tool := range []string{"tane_next_batch", "tane_admit_seed", "tane_mark_selected", "tane_stats", "tane_lineage"} {
		assert.Contains(t, tc.Text, tool)
	}
}
