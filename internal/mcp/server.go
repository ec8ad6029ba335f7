// Package mcp exposes the dispatcher's tool surface over the Model
// Context Protocol so agent harnesses can drive the coordination service
// directly. The transport is a thin shell: every call funnels into the
// dispatcher, which owns validation and routing.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	gojsonschema "github.com/google/jsonschema-go/jsonschema"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/taskhive/internal/dispatch"
	"github.com/basket/taskhive/internal/shared"
)

// Server bridges the dispatcher onto an MCP stdio transport.
type Server struct {
	server     *gomcp.Server
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewServer registers every dispatcher tool on a fresh MCP server.
func NewServer(d *dispatch.Dispatcher, version string, logger *slog.Logger) (*Server, error) {
	if version == "" {
		version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		server: gomcp.NewServer(
			&gomcp.Implementation{Name: "taskhive", Version: version},
			nil,
		),
		dispatcher: d,
		logger:     logger,
	}

	for _, name := range d.ToolNames() {
		description, schemaDoc, ok := d.Describe(name)
		if !ok {
			continue
		}
		raw, err := json.Marshal(schemaDoc)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
		}
		var inputSchema gojsonschema.Schema
		if err := json.Unmarshal(raw, &inputSchema); err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", name, err)
		}

		toolName := name
		s.server.AddTool(&gomcp.Tool{
			Name:        toolName,
			Description: description,
			InputSchema: &inputSchema,
		}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
			return s.call(ctx, toolName, req)
		})
	}
	return s, nil
}

// Run serves MCP over stdio until the client disconnects or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server for tests.
func (s *Server) MCPServer() *gomcp.Server { return s.server }

func (s *Server) call(ctx context.Context, name string, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	var args json.RawMessage
	if req != nil && req.Params != nil {
		args = req.Params.Arguments
	}
	envelope := s.dispatcher.Dispatch(ctx, name, args)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal response for %s: %w", name, err)
	}
	result := &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: string(payload)}},
	}
	if ok, _ := envelope["success"].(bool); !ok {
		result.IsError = true
	}
	return result, nil
}
