// Package mcp implements the Model Context Protocol server for tane.
//
// It exposes the scheduling half of the corpus engine to LLM-driven seed
// generators: pull the next batch of parents, admit derived programs with
// their lineage, mark seeds as used and read per-target statistics. Trace
// ingestion stays on the HTTP API, where harnesses post it in bulk.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tane/internal/service/seeds"
)

// batchWindow is how long a handed-out batch counts as outstanding for the
// mark-selected nudge.
const batchWindow = 30 * time.Minute

// Server wraps the MCP server with tane's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *seeds.Service
	handed    *batchTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(svc *seeds.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		handed: newBatchTracker(batchWindow),
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tane",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("tane keeps a coverage-guided seed corpus per target library. "+
			"Call tane_next_batch for parents, generate derived programs, admit them with tane_admit_seed "+
			"naming their parents, and call tane_mark_selected for each parent you actually used."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
