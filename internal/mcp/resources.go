package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tane/internal/ctxutil"
)

const targetsURI = "tane://targets"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			targetsURI,
			"Target Libraries",
			mcplib.WithResourceDescription("Registered target libraries with their call tables and critical calls"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTargets,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tane://targets/{target}/stats",
			"Target Stats",
			mcplib.WithTemplateDescription("Corpus statistics for one target library"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTargetStats,
	)
}

func (s *Server) handleTargets(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	out := []map[string]any{}
	for _, name := range s.svc.Targets() {
		if claims != nil && !claims.CanAccess(name) {
			continue
		}
		lib, err := s.svc.Library(name)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"name":     lib.Name,
			"version":  lib.Version,
			"universe": lib.UniverseSize,
			"calls":    lib.CallTable(),
			"critical": lib.CriticalNames(),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal targets: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      targetsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTargetStats(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	target, ok := strings.CutPrefix(uri, "tane://targets/")
	if ok {
		target, ok = strings.CutSuffix(target, "/stats")
	}
	if !ok || target == "" || strings.Contains(target, "/") {
		return nil, fmt.Errorf("mcp: invalid target stats URI: %s", uri)
	}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil && !claims.CanAccess(target) {
		return nil, fmt.Errorf("mcp: token is not scoped to target %q", target)
	}

	st, err := s.svc.Stats(target)
	if err != nil {
		return nil, fmt.Errorf("mcp: target stats: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stats: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
