package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// orientacion-tramite: guides the assistant from a citizen need to a trámite.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("orientacion-tramite",
			mcplib.WithPromptDescription("Guide a citizen from a need to the right trámite, with requirements and cost"),
			mcplib.WithArgument("necesidad",
				mcplib.ArgumentDescription("What the citizen wants to do, in their own words"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleOrientacionPrompt,
	)

	// seguimiento-pqrs: walks through tracking a filing.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("seguimiento-pqrs",
			mcplib.WithPromptDescription("Check the status of a PQRS and explain it to the citizen"),
			mcplib.WithArgument("filing",
				mcplib.ArgumentDescription("Filing number of the PQRS"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleSeguimientoPrompt,
	)

	// asistente-municipal: system prompt snippet for a citizen-facing assistant.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("asistente-municipal",
			mcplib.WithPromptDescription("System prompt snippet for a citizen-services assistant backed by civica"),
		),
		s.handleAsistentePrompt,
	)
}

func (s *Server) handleOrientacionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	necesidad := strings.TrimSpace(request.Params.Arguments["necesidad"])
	if necesidad == "" {
		return nil, fmt.Errorf("necesidad argument is required")
	}
	return userPrompt(
		"Orientación para: "+necesidad,
		fmt.Sprintf(`Un ciudadano necesita: %q

1. Llama a civica_search_services con una consulta corta que describa la necesidad.
2. Si hay un trámite que coincide, llama a civica_get_tramite con su código.
3. Explica al ciudadano, en español sencillo:
   - qué trámite debe hacer y ante qué dependencia,
   - los requisitos,
   - el costo (o que es gratuito) y el tiempo de respuesta.
4. Si no hay un trámite claro, revisa las FAQ del resultado o usa civica_ask.

No inventes requisitos ni tarifas que no aparezcan en el catálogo.`, necesidad),
	), nil
}

func (s *Server) handleSeguimientoPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	filing := strings.ToUpper(strings.TrimSpace(request.Params.Arguments["filing"]))
	if filing == "" {
		return nil, fmt.Errorf("filing argument is required")
	}
	return userPrompt(
		"Seguimiento de "+filing,
		fmt.Sprintf(`El ciudadano quiere conocer el estado de la PQRS %s.

Pídele su número de documento si no lo ha dado y llama a civica_track_pqrs.
Explica el estado (radicada, en trámite, respondida o cerrada), la fecha
límite de respuesta y, si existe, la respuesta de la entidad. Si la
solicitud está vencida, indícalo.`, filing),
	), nil
}

func (s *Server) handleAsistentePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return userPrompt("Asistente de servicios ciudadanos", instructions), nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: text,
				},
			},
		},
	}
}
