package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/testutil"
)

// fakeSource feeds search.Service from memory.
type fakeSource struct {
	tramites, opas, faqs []model.ServiceItem
}

func (f *fakeSource) ListAllTramitesForSearch(context.Context) ([]model.ServiceItem, error) {
	return f.tramites, nil
}
func (f *fakeSource) ListAllOPAsForSearch(context.Context) ([]model.ServiceItem, error) {
	return f.opas, nil
}
func (f *fakeSource) ListAllFAQsForSearch(context.Context) ([]model.ServiceItem, error) {
	return f.faqs, nil
}

type fakeCatalog struct {
	deps     map[uuid.UUID]model.Dependencia
	subs     map[uuid.UUID]model.Subdependencia
	tramites map[uuid.UUID]model.Tramite
}

func (f *fakeCatalog) GetTramite(_ context.Context, id uuid.UUID) (model.Tramite, error) {
	t, ok := f.tramites[id]
	if !ok {
		return model.Tramite{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeCatalog) GetTramiteByCode(_ context.Context, code string) (model.Tramite, error) {
	for _, t := range f.tramites {
		if t.Code == code {
			return t, nil
		}
	}
	return model.Tramite{}, storage.ErrNotFound
}

func (f *fakeCatalog) GetDependencia(_ context.Context, id uuid.UUID) (model.Dependencia, error) {
	d, ok := f.deps[id]
	if !ok {
		return model.Dependencia{}, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeCatalog) GetSubdependencia(_ context.Context, id uuid.UUID) (model.Subdependencia, error) {
	s, ok := f.subs[id]
	if !ok {
		return model.Subdependencia{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeCatalog) ListDependencias(_ context.Context, activeOnly bool) ([]model.Dependencia, error) {
	var out []model.Dependencia
	for _, d := range f.deps {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

type fakeAssistant struct {
	last model.AskRequest
	resp model.AskResponse
	err  error
}

func (f *fakeAssistant) Ask(_ context.Context, req model.AskRequest) (model.AskResponse, error) {
	f.last = req
	return f.resp, f.err
}

type fakeTracker struct {
	tracking model.PQRSTracking
	err      error
	filing   string
	document string
}

func (f *fakeTracker) Track(_ context.Context, filing, doc string) (model.PQRSTracking, error) {
	f.filing, f.document = filing, doc
	return f.tracking, f.err
}

type fixture struct {
	server    *Server
	catalog   *fakeCatalog
	assistant *fakeAssistant
	tracker   *fakeTracker

	hacienda model.Dependencia
	rentas   model.Subdependencia
	predial  model.Tramite
	retired  model.Tramite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hacienda := model.Dependencia{ID: uuid.New(), Code: "SH", Name: "Secretaría de Hacienda", Acronym: "SH", Active: true}
	archivo := model.Dependencia{ID: uuid.New(), Code: "AR", Name: "Archivo Histórico", Active: false}
	rentas := model.Subdependencia{ID: uuid.New(), DependenciaID: hacienda.ID, Code: "SH-R", Name: "Rentas", Active: true}
	cost := 12500.0
	predial := model.Tramite{
		ID: uuid.New(), Code: "T-0001", Name: "Pago de impuesto predial",
		Description:  "Liquidación y pago del impuesto predial unificado.",
		Requirements: []string{"Cédula del propietario", "Número predial"},
		ResponseTime: "Inmediato", HasPayment: true, Cost: &cost,
		DependenciaID: hacienda.ID, SubdependenciaID: &rentas.ID, Active: true,
	}
	retired := model.Tramite{ID: uuid.New(), Code: "T-0099", Name: "Trámite retirado", DependenciaID: hacienda.ID}

	src := &fakeSource{
		tramites: []model.ServiceItem{
			{Type: model.ServiceTramite, ID: predial.ID, Code: predial.Code, Name: predial.Name,
				Description: predial.Description, DependenciaID: &hacienda.ID, DependenciaName: hacienda.Name,
				HasPayment: true, Active: true},
			{Type: model.ServiceTramite, ID: retired.ID, Code: retired.Code, Name: retired.Name, Active: false},
		},
		opas: []model.ServiceItem{
			{Type: model.ServiceOPA, ID: uuid.New(), Code: "O-0001", Name: "Paz y salvo predial", Active: true},
		},
		faqs: []model.ServiceItem{
			{Type: model.ServiceFAQ, ID: uuid.New(), Name: "¿Cuándo vence el predial?", Description: "En abril.", Active: true},
		},
	}
	cat := &fakeCatalog{
		deps:     map[uuid.UUID]model.Dependencia{hacienda.ID: hacienda, archivo.ID: archivo},
		subs:     map[uuid.UUID]model.Subdependencia{rentas.ID: rentas},
		tramites: map[uuid.UUID]model.Tramite{predial.ID: predial, retired.ID: retired},
	}
	asst := &fakeAssistant{}
	tr := &fakeTracker{}

	return &fixture{
		server: New(Deps{
			Search:    search.NewService(src),
			Catalog:   cat,
			Assistant: asst,
			PQRS:      tr,
			Logger:    testutil.TestLogger(),
			Version:   "test",
		}),
		catalog:   cat,
		assistant: asst,
		tracker:   tr,
		hacienda:  hacienda,
		rentas:    rentas,
		predial:   predial,
		retired:   retired,
	}
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func parseToolJSON(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, parseToolText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}
