// Package mcp exposes the query engine over the Model Context Protocol
// so MCP clients (editors, agents) can search and ask the knowledge
// base as tools.
//
// Two tools are registered:
//   - search_passages: retrieval only, returns ranked passages
//   - ask: the full pipeline, returns a cited answer
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/citolabs/cito/internal/engine"
	"github.com/citolabs/cito/internal/log"
)

// Server wraps the MCP SDK server around the query engine.
type Server struct {
	mcpServer *mcp.Server
	engine    *engine.Engine
	logger    log.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	Engine  *engine.Engine
	Logger  log.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, errors.New("server name is required")
	}
	if cfg.Version == "" {
		return nil, errors.New("server version is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		engine: cfg.Engine,
		logger: cfg.Logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run serves MCP on the given transport. Blocking; returns when the
// transport closes or ctx is canceled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// QueryInput is the input schema shared by both tools.
type QueryInput struct {
	Principal   string   `json:"principal" jsonschema:"The identity to run the query as; controls which collections are searchable"`
	Query       string   `json:"query" jsonschema:"The natural-language question or search text"`
	Collections []string `json:"collections,omitempty" jsonschema:"Optional collection names to restrict the search to; empty means all permitted collections"`
}

func (s *Server) registerTools() error {
	inputSchema, err := jsonschema.For[QueryInput](nil)
	if err != nil {
		return fmt.Errorf("schema for query tools: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "search_passages",
		Description: "Search the knowledge base using semantic similarity. " +
			"Returns ranked passages with document and position metadata, without generating an answer.",
		InputSchema: inputSchema,
	}, s.SearchPassages)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "ask",
		Description: "Ask the knowledge base a question. " +
			"Retrieves relevant passages, synthesizes a grounded answer with [n] citations and returns it with sources and a confidence score.",
		InputSchema: inputSchema,
	}, s.Ask)

	return nil
}

// SearchPassages handles the search_passages tool call.
func (s *Server) SearchPassages(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, any, error) {
	passages, err := s.engine.Search(ctx, engine.Request{
		Principal:   in.Principal,
		Query:       in.Query,
		Collections: in.Collections,
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(passages)
}

// Ask handles the ask tool call.
func (s *Server) Ask(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, any, error) {
	result, err := s.engine.Query(ctx, engine.Request{
		Principal:   in.Principal,
		Query:       in.Query,
		Collections: in.Collections,
	})
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(result)
}

// jsonResult renders v as a JSON text content block.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult maps classified engine failures to tool error results the
// client model can read and react to. Unclassified errors propagate as
// protocol errors.
func errorResult(err error) (*mcp.CallToolResult, any, error) {
	code := engine.CodeOf(err)
	if code == engine.CodeInternal {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{
			Text: fmt.Sprintf("Error [%s]: %s", code, err.Error()),
		}},
		IsError: true,
	}, nil, nil
}
