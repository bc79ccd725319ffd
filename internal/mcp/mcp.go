// Package mcp implements the Model Context Protocol server for civica.
//
// The MCP server exposes the citizen-facing read paths of the HTTP API
// (unified service search, trámite details, the municipal assistant and
// PQRS tracking) as MCP tools, resources and prompts, so MCP-compatible
// assistants can guide citizens with the same data the portal shows.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
)

// Searcher runs unified service searches. *search.Service implements it.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (search.Page[model.ServiceItem], error)
}

// Catalog reads catalog entities. *storage.DB implements it.
type Catalog interface {
	GetTramite(ctx context.Context, id uuid.UUID) (model.Tramite, error)
	GetTramiteByCode(ctx context.Context, code string) (model.Tramite, error)
	GetDependencia(ctx context.Context, id uuid.UUID) (model.Dependencia, error)
	GetSubdependencia(ctx context.Context, id uuid.UUID) (model.Subdependencia, error)
	ListDependencias(ctx context.Context, activeOnly bool) ([]model.Dependencia, error)
}

// Assistant answers citizen questions. *chat.Service implements it.
type Assistant interface {
	Ask(ctx context.Context, req model.AskRequest) (model.AskResponse, error)
}

// PQRSTracker looks up a filing for a citizen. *pqrs.Service implements it.
type PQRSTracker interface {
	Track(ctx context.Context, filing, documentNumber string) (model.PQRSTracking, error)
}

// Deps holds the services the MCP server exposes.
type Deps struct {
	Search    Searcher
	Catalog   Catalog
	Assistant Assistant
	PQRS      PQRSTracker
	Logger    *slog.Logger
	Version   string
}

// Server wraps the MCP server with civica's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	search    Searcher
	catalog   Catalog
	assistant Assistant
	pqrs      PQRSTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(d Deps) *Server {
	s := &Server{
		search:    d.Search,
		catalog:   d.Catalog,
		assistant: d.Assistant,
		pqrs:      d.PQRS,
		logger:    d.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"civica",
		d.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

const instructions = `civica exposes the citizen services catalog of the municipality.
Use civica_search_services to find trámites, OPAs and FAQs, civica_get_tramite
for requirements and costs, civica_ask for a grounded answer from the
municipal assistant and civica_track_pqrs to check a PQRS filing.
Content is in Spanish; answer citizens in Spanish.`

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
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
