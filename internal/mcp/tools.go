package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/storage"
)

// defaultToolPageSize is smaller than the HTTP default; assistants rarely
// need more than a handful of candidates per call.
const defaultToolPageSize = 10

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("civica_search_services",
			mcplib.WithDescription(`Search the municipal services catalog: trámites, OPAs
(otros procedimientos administrativos) and FAQs.

WHEN TO USE: a citizen asks how to do something ("cómo saco un certificado
de residencia", "pagar impuesto predial"). Search first, then call
civica_get_tramite for the details of the best match.

Matching ignores case and accents. Results are ordered by relevance.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Free text, in Spanish"),
			),
			mcplib.WithString("type",
				mcplib.Description("Restrict to one or more types, comma separated: tramite, opa, faq"),
			),
			mcplib.WithString("dependencia_id",
				mcplib.Description("Only services of this dependencia (UUID)"),
			),
			mcplib.WithString("has_payment",
				mcplib.Description(`"true" for services with a cost, "false" for free ones`),
			),
			mcplib.WithNumber("page",
				mcplib.Description("Page number, starting at 1"),
				mcplib.Min(1),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithNumber("page_size",
				mcplib.Description("Results per page"),
				mcplib.Min(1),
				mcplib.Max(search.MaxPageSize),
				mcplib.DefaultNumber(defaultToolPageSize),
			),
		),
		s.handleSearchServices,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("civica_get_tramite",
			mcplib.WithDescription(`Get the full details of a trámite: requirements, cost,
response time, legal basis, channel and the responsible dependencia.

Pass either the trámite id returned by civica_search_services or its
public code (for example "T-0012").`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Trámite UUID"),
			),
			mcplib.WithString("code",
				mcplib.Description("Trámite public code"),
			),
		),
		s.handleGetTramite,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("civica_ask",
			mcplib.WithDescription(`Ask the municipal assistant a question. The answer is grounded
on the official catalog and knowledge base and cites its sources.

Pass the session_id from a previous answer to keep the conversation
context. Each call is stored in the chat history.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("question",
				mcplib.Description("The citizen's question, in Spanish"),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Chat session to continue (UUID)"),
			),
		),
		s.handleAsk,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("civica_track_pqrs",
			mcplib.WithDescription(`Check the status of a PQRS (petición, queja, reclamo, sugerencia
o denuncia). Both the filing number and the citizen's document number are
required; a mismatch is reported as not found.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("filing",
				mcplib.Description("Filing number, for example PQRS-2026-000123"),
				mcplib.Required(),
			),
			mcplib.WithString("document_number",
				mcplib.Description("Document number of the citizen who filed it"),
				mcplib.Required(),
			),
		),
		s.handleTrackPQRS,
	)
}

func (s *Server) handleSearchServices(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q := search.Query{
		Text:     strings.TrimSpace(request.GetString("query", "")),
		Page:     request.GetInt("page", 1),
		PageSize: request.GetInt("page_size", defaultToolPageSize),
	}
	for _, t := range strings.Split(request.GetString("type", ""), ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			q.Types = append(q.Types, model.ServiceType(t))
		}
	}
	if raw := strings.TrimSpace(request.GetString("dependencia_id", "")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("dependencia_id must be a UUID"), nil
		}
		q.DependenciaID = &id
	}
	switch strings.ToLower(strings.TrimSpace(request.GetString("has_payment", ""))) {
	case "":
	case "true":
		v := true
		q.HasPayment = &v
	case "false":
		v := false
		q.HasPayment = &v
	default:
		return errorResult(`has_payment must be "true" or "false"`), nil
	}

	page, err := s.search.Search(ctx, q)
	if err != nil {
		if errors.Is(err, search.ErrInvalidQuery) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: search services", "error", err)
		return errorResult("search failed"), nil
	}

	items := make([]map[string]any, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, compactServiceItem(it))
	}
	return jsonResult(map[string]any{
		"items":       items,
		"total":       page.Total,
		"page":        page.Page,
		"page_size":   page.PageSize,
		"total_pages": page.TotalPages,
	}), nil
}

func (s *Server) handleGetTramite(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rawID := strings.TrimSpace(request.GetString("id", ""))
	code := strings.TrimSpace(request.GetString("code", ""))

	var (
		t   model.Tramite
		err error
	)
	switch {
	case rawID != "":
		id, perr := uuid.Parse(rawID)
		if perr != nil {
			return errorResult("id must be a UUID"), nil
		}
		t, err = s.catalog.GetTramite(ctx, id)
	case code != "":
		t, err = s.catalog.GetTramiteByCode(ctx, code)
	default:
		return errorResult("id or code is required"), nil
	}
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !t.Active) {
		return errorResult("trámite not found"), nil
	}
	if err != nil {
		s.logger.Error("mcp: get tramite", "error", err)
		return errorResult("failed to load trámite"), nil
	}

	depName, subName := s.hierarchyNames(ctx, t)
	return jsonResult(compactTramite(t, depName, subName)), nil
}

// hierarchyNames resolves the display names of a trámite's owners. Lookup
// failures leave the name empty; the trámite itself is still useful.
func (s *Server) hierarchyNames(ctx context.Context, t model.Tramite) (dependencia, subdependencia string) {
	if dep, err := s.catalog.GetDependencia(ctx, t.DependenciaID); err == nil {
		dependencia = dep.Name
	}
	if t.SubdependenciaID != nil {
		if sub, err := s.catalog.GetSubdependencia(ctx, *t.SubdependenciaID); err == nil {
			subdependencia = sub.Name
		}
	}
	return dependencia, subdependencia
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.AskRequest{Question: request.GetString("question", "")}
	if raw := strings.TrimSpace(request.GetString("session_id", "")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("session_id must be a UUID"), nil
		}
		req.SessionID = &id
	}

	resp, err := s.assistant.Ask(ctx, req)
	switch {
	case errors.Is(err, chat.ErrInvalidQuestion):
		return errorResult(err.Error()), nil
	case errors.Is(err, chat.ErrSessionNotFound):
		return errorResult("session not found"), nil
	case errors.Is(err, chat.ErrUnavailable):
		return errorResult("El asistente no está disponible en este momento. Intente más tarde."), nil
	case err != nil:
		s.logger.Error("mcp: ask", "error", err)
		return errorResult("failed to answer question"), nil
	}

	sources := make([]map[string]any, 0, len(resp.Sources))
	for _, src := range resp.Sources {
		m := map[string]any{"type": src.Type, "id": src.ID, "title": src.Title}
		if src.URL != "" {
			m["url"] = src.URL
		}
		sources = append(sources, m)
	}
	return jsonResult(map[string]any{
		"session_id": resp.SessionID,
		"answer":     resp.Answer,
		"sources":    sources,
	}), nil
}

func (s *Server) handleTrackPQRS(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filing := strings.TrimSpace(request.GetString("filing", ""))
	doc := strings.TrimSpace(request.GetString("document_number", ""))
	if filing == "" || doc == "" {
		return errorResult("filing and document_number are required"), nil
	}

	t, err := s.pqrs.Track(ctx, filing, doc)
	switch {
	case errors.Is(err, pqrs.ErrNotFound):
		return errorResult(fmt.Sprintf("PQRS %s not found for that document", strings.ToUpper(filing))), nil
	case errors.Is(err, pqrs.ErrInvalidInput):
		return errorResult(err.Error()), nil
	case err != nil:
		s.logger.Error("mcp: track pqrs", "error", err)
		return errorResult("failed to track pqrs"), nil
	}
	return jsonResult(t), nil
}
