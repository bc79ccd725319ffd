package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/civica-gov/civica/internal/storage"
)

const (
	dependenciasURI    = "civica://dependencias"
	tramiteURIPrefix   = "civica://tramites/"
	tramiteTemplateURI = tramiteURIPrefix + "{code}"
	resourceMIMEType   = "application/json"
)

func (s *Server) registerResources() {
	// civica://dependencias: the active organizational hierarchy.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			dependenciasURI,
			"Dependencias",
			mcplib.WithResourceDescription("Active dependencias of the municipality"),
			mcplib.WithMIMEType(resourceMIMEType),
		),
		s.handleDependencias,
	)

	// civica://tramites/{code}: one trámite by public code.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			tramiteTemplateURI,
			"Trámite",
			mcplib.WithTemplateDescription("Requirements, cost and responsible office of a trámite"),
			mcplib.WithTemplateMIMEType(resourceMIMEType),
		),
		s.handleTramiteResource,
	)
}

func (s *Server) handleDependencias(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	deps, err := s.catalog.ListDependencias(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("mcp: list dependencias: %w", err)
	}
	out := make([]map[string]any, 0, len(deps))
	for _, d := range deps {
		m := map[string]any{"id": d.ID, "code": d.Code, "name": d.Name}
		if d.Acronym != "" {
			m["acronym"] = d.Acronym
		}
		out = append(out, m)
	}
	return textResource(dependenciasURI, out)
}

func (s *Server) handleTramiteResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	code := strings.TrimPrefix(uri, tramiteURIPrefix)
	if code == "" || code == uri || strings.Contains(code, "/") {
		return nil, fmt.Errorf("mcp: invalid tramite URI: %s", uri)
	}

	t, err := s.catalog.GetTramiteByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !t.Active) {
		return nil, fmt.Errorf("mcp: tramite %s not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: get tramite: %w", err)
	}

	depName, subName := s.hierarchyNames(ctx, t)
	return textResource(uri, compactTramite(t, depName, subName))
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEType,
			Text:     string(data),
		},
	}, nil
}
