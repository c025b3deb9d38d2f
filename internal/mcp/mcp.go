// Package mcp implements the Model Context Protocol server for Canopy.
//
// The MCP server exposes the analysis lifecycle through MCP tools and
// resources, so MCP-compatible AI agents can start, track, and cancel
// environmental analyses without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/canopy-eco/canopy/internal/lifecycle"
)

// Server wraps the MCP server with Canopy's lifecycle manager.
type Server struct {
	mcpServer *mcpserver.MCPServer
	mgr       *lifecycle.Manager
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(mgr *lifecycle.Manager, version string, logger *slog.Logger) *Server {
	s := &Server{
		mgr:    mgr,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"canopy",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// canopy://analyses/recent: recent analyses, newest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"canopy://analyses/recent",
			"Recent Analyses",
			mcplib.WithResourceDescription("Recent environmental analyses, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)

	// canopy://health: current system health snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"canopy://health",
			"System Health",
			mcplib.WithResourceDescription("Agent executor and lifecycle manager health"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	recs, err := s.mgr.ListRecent(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: list recent analyses: %w", err)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal analyses: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.mgr.Health(ctx), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal health: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
