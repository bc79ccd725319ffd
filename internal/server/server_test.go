package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civica-gov/civica/internal/auth"
	"github.com/civica-gov/civica/internal/mcp"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/server"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/service/llm"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
	"github.com/civica-gov/civica/internal/testutil"
)

const (
	adminUser     = "admin"
	adminPassword = "clave-admin-segura"
)

var (
	testSrv     *httptest.Server
	testDB      *storage.DB
	adminToken  string
	editorToken string
	viewerToken string
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt: %v\n", err)
		return 1
	}
	knowledgeSvc := knowledge.New(testDB, testutil.HashEmbedder{Dims: 64}, logger)
	searchSvc := search.NewService(testDB)
	pqrsSvc := pqrs.New(testDB, logger)
	chatSvc := chat.New(testDB, knowledgeSvc, llm.NoopCompleter{}, logger)

	mcpSrv := mcp.New(mcp.Deps{
		Search:    searchSvc,
		Catalog:   testDB,
		Assistant: chatSvc,
		PQRS:      pqrsSvc,
		Logger:    logger,
		Version:   "test",
	})

	srv := server.New(server.ServerConfig{
		DB:                testDB,
		JWTMgr:            jwtMgr,
		SearchSvc:         searchSvc,
		PQRSSvc:           pqrsSvc,
		ChatSvc:           chatSvc,
		KnowledgeSvc:      knowledgeSvc,
		TransferSvc:       transfer.New(testDB, logger),
		Logger:            logger,
		MCPServer:         mcpSrv.MCPServer(),
		Version:           "test",
		AuthRateLimit:     1000,
		PQRSRateLimit:     1000,
		ChatRateLimit:     1000,
		EmbeddingProvider: "hash",
		ChatProvider:      "noop",
		OpenAPISpec:       []byte("openapi: 3.1.0\n"),
	})

	if err := srv.Handlers().SeedAdmin(ctx, adminUser, adminPassword); err != nil {
		fmt.Fprintf(os.Stderr, "server test: seed admin: %v\n", err)
		return 1
	}

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	adminToken = mustToken(adminUser, adminPassword)
	editorToken = mustCreateUser("editora", model.RoleEditor)
	viewerToken = mustCreateUser("consulta", model.RoleViewer)

	return m.Run()
}

func mustToken(username, password string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Username: username, Password: password})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("token: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("token: status %d, body: %s", resp.StatusCode, data))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil || result.Data.Token == "" {
		panic(fmt.Sprintf("token: bad body: %s", data))
	}
	return result.Data.Token
}

func mustCreateUser(username string, role model.Role) string {
	password := "clave-" + username + "-segura"
	resp, err := authedRequest(http.MethodPost, "/v1/admin/users", adminToken, model.CreateUserRequest{
		Username: username, Name: username, Role: role, Password: password,
	})
	if err != nil {
		panic(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("create user %s: status %d", username, resp.StatusCode))
	}
	return mustToken(username, password)
}

func authedRequest(method, path, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// do sends a request and decodes the data member of the envelope into out.
func do(t *testing.T, method, path, token string, body any, wantStatus int, out any) {
	t.Helper()
	resp, err := authedRequest(method, path, token, body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, data)
	if out == nil {
		return
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestHealthEndpoint(t *testing.T) {
	var health model.HealthResponse
	do(t, http.MethodGet, "/health", "", nil, http.StatusOK, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "hash", health.Embeddings)
	assert.Equal(t, "test", health.Version)
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "openapi")
}

func TestAuthFlow(t *testing.T) {
	assert.NotEmpty(t, mustToken(adminUser, adminPassword))

	for name, req := range map[string]model.AuthTokenRequest{
		"wrong password": {Username: adminUser, Password: "incorrecta"},
		"unknown user":   {Username: "nadie", Password: "incorrecta"},
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := authedRequest(http.MethodPost, "/auth/token", "", req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	var me map[string]any
	do(t, http.MethodGet, "/v1/admin/me", editorToken, nil, http.StatusOK, &me)
	assert.Equal(t, "editora", me["username"])
	assert.Equal(t, "editor", me["role"])
}

func TestRoleEnforcement(t *testing.T) {
	dep := model.Dependencia{Code: testutil.UniqueCode("D"), Name: "Secretaría de Gobierno"}

	do(t, http.MethodPost, "/v1/dependencias", "", dep, http.StatusUnauthorized, nil)
	do(t, http.MethodPost, "/v1/dependencias", viewerToken, dep, http.StatusForbidden, nil)
	do(t, http.MethodPost, "/v1/admin/users", editorToken, model.CreateUserRequest{
		Username: "otro", Name: "Otro", Role: model.RoleViewer, Password: "clave-larga-otro",
	}, http.StatusForbidden, nil)
	do(t, http.MethodGet, "/v1/admin/pqrs", "", nil, http.StatusUnauthorized, nil)
	do(t, http.MethodGet, "/v1/admin/pqrs", viewerToken, nil, http.StatusOK, nil)

	resp, err := authedRequest(http.MethodGet, "/v1/tramites", "garbage", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "an invalid token is rejected even on public routes")
}

func TestCatalogCRUD(t *testing.T) {
	var dep model.Dependencia
	do(t, http.MethodPost, "/v1/dependencias", editorToken, model.Dependencia{
		Code: testutil.UniqueCode("D"), Name: "Secretaría de Movilidad", Active: true,
	}, http.StatusCreated, &dep)
	require.NotEqual(t, "", dep.ID.String())

	var sub model.Subdependencia
	do(t, http.MethodPost, "/v1/subdependencias", editorToken, model.Subdependencia{
		DependenciaID: dep.ID, Code: testutil.UniqueCode("S"), Name: "Licencias de conducción", Active: true,
	}, http.StatusCreated, &sub)

	var subs []model.Subdependencia
	do(t, http.MethodGet, "/v1/dependencias/"+dep.ID.String()+"/subdependencias", "", nil, http.StatusOK, &subs)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)

	cost := 250000.0
	var tr model.Tramite
	do(t, http.MethodPost, "/v1/tramites", editorToken, model.Tramite{
		Code: testutil.UniqueCode("T"), Name: "Renovación de licencia de conducción",
		Description:  "Renovación de la licencia por vencimiento.",
		Requirements: []string{"Cédula", "Certificado médico"},
		HasPayment:   true, Cost: &cost,
		DependenciaID: dep.ID, SubdependenciaID: &sub.ID, Active: true,
	}, http.StatusCreated, &tr)

	var got model.Tramite
	do(t, http.MethodGet, "/v1/tramites/"+tr.ID.String(), "", nil, http.StatusOK, &got)
	assert.Equal(t, tr.Name, got.Name)
	assert.Equal(t, []string{"Cédula", "Certificado médico"}, got.Requirements)

	// PUT is a full replacement; inactive rows disappear for the public.
	update := got
	update.Name = "Renovación de licencia"
	update.Active = false
	do(t, http.MethodPut, "/v1/tramites/"+tr.ID.String(), editorToken, update, http.StatusOK, &got)
	assert.Equal(t, "Renovación de licencia", got.Name)
	do(t, http.MethodGet, "/v1/tramites/"+tr.ID.String(), "", nil, http.StatusNotFound, nil)
	do(t, http.MethodGet, "/v1/tramites/"+tr.ID.String(), viewerToken, nil, http.StatusOK, nil)

	// A dependencia with dependents cannot be removed.
	do(t, http.MethodDelete, "/v1/dependencias/"+dep.ID.String(), editorToken, nil, http.StatusConflict, nil)

	do(t, http.MethodDelete, "/v1/tramites/"+tr.ID.String(), editorToken, nil, http.StatusNoContent, nil)
	do(t, http.MethodGet, "/v1/tramites/"+tr.ID.String(), editorToken, nil, http.StatusNotFound, nil)
}

func TestCatalogValidation(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Salud")
	code := testutil.UniqueCode("T")
	tr := model.Tramite{Code: code, Name: "Carné de vacunación", Description: "Expedición.", DependenciaID: dep.ID, Active: true}

	do(t, http.MethodPost, "/v1/tramites", editorToken, tr, http.StatusCreated, nil)
	do(t, http.MethodPost, "/v1/tramites", editorToken, tr, http.StatusConflict, nil)

	tr.Code = testutil.UniqueCode("T")
	tr.DependenciaID = testutil.SeedDependencia(t, testDB, "temporal").ID
	tr.Name = ""
	do(t, http.MethodPost, "/v1/tramites", editorToken, tr, http.StatusBadRequest, nil)

	do(t, http.MethodGet, "/v1/tramites/not-a-uuid", "", nil, http.StatusBadRequest, nil)

	resp, err := http.Post(testSrv.URL+"/v1/pqrs", "application/json", strings.NewReader(`{"kind":"queja","unknown":1}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCatalogListing(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Cultura")
	testutil.SeedTramite(t, testDB, dep, "Préstamo de auditorio", false)
	testutil.SeedTramite(t, testDB, dep, "Inscripción a talleres", false)
	testutil.SeedFAQ(t, testDB, dep, "¿Dónde queda la casa de la cultura?", "En el parque principal.")

	var tramites []model.Tramite
	resp, err := authedRequest(http.MethodGet, "/v1/tramites?dependencia_id="+dep.ID.String()+"&limit=1", "", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var list struct {
		Data    json.RawMessage `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NoError(t, json.Unmarshal(list.Data, &tramites))
	assert.Len(t, tramites, 1)
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.HasMore)

	var faqs []model.FAQ
	do(t, http.MethodGet, "/v1/faqs?dependencia_id="+dep.ID.String(), "", nil, http.StatusOK, &faqs)
	assert.Len(t, faqs, 1)
}

func TestFAQWithPaddedTextSurvivesReimport(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Hacienda")
	question := "¿Cómo pago el predial " + testutil.UniqueCode("Q") + "?"

	var f model.FAQ
	do(t, http.MethodPost, "/v1/faqs", editorToken, model.FAQ{
		Question: question + " ", Answer: " En cualquier banco aliado. ", DependenciaID: &dep.ID, Active: true,
	}, http.StatusCreated, &f)
	assert.Equal(t, question, f.Question)
	assert.Equal(t, "En cualquier banco aliado.", f.Answer)

	export, err := authedRequest(http.MethodGet, "/v1/admin/export/faqs?format=json", editorToken, nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(export.Body)
	_ = export.Body.Close()
	require.Equal(t, http.StatusOK, export.StatusCode)

	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/admin/import/faqs?format=json", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+editorToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env struct {
		Data transfer.Report `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Zero(t, env.Data.Created)
	assert.Zero(t, env.Data.Updated)
	assert.Equal(t, env.Data.Total, env.Data.Skipped)

	var faqs []model.FAQ
	do(t, http.MethodGet, "/v1/faqs?dependencia_id="+dep.ID.String(), "", nil, http.StatusOK, &faqs)
	assert.Len(t, faqs, 1)
}

func TestUnifiedServices(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Planeación Urbana")
	testutil.SeedTramite(t, testDB, dep, "Licencia de construcción urbanística", true)
	testutil.SeedTramite(t, testDB, dep, "Concepto de uso del suelo urbanístico", false)
	testutil.SeedFAQ(t, testDB, dep, "¿Qué es una licencia urbanística?", "Es la autorización previa para construir.")

	base := "/v1/servicios?dependencia_id=" + dep.ID.String()

	var page search.Page[model.ServiceItem]
	do(t, http.MethodGet, base+"&q=URBANISTICA", "", nil, http.StatusOK, &page)
	assert.Equal(t, 3, page.Total, "accent and case insensitive")

	do(t, http.MethodGet, base+"&q=urbanistica&type=tramite&has_payment=true", "", nil, http.StatusOK, &page)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Licencia de construcción urbanística", page.Items[0].Name)
	assert.Equal(t, dep.Name, page.Items[0].DependenciaName)

	do(t, http.MethodGet, base+"&page=2&page_size=2&sort=name", "", nil, http.StatusOK, &page)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.TotalPages)

	var far search.Page[model.ServiceItem]
	do(t, http.MethodGet, base+"&page=9223372036854775807", "", nil, http.StatusOK, &far)
	assert.Empty(t, far.Items)
	assert.Equal(t, 3, far.Total)

	var counts model.ServiceCounts
	do(t, http.MethodGet, "/v1/servicios/facets?dependencia_id="+dep.ID.String(), "", nil, http.StatusOK, &counts)
	assert.Equal(t, model.ServiceCounts{Tramite: 2, FAQ: 1, Total: 3}, counts)

	do(t, http.MethodGet, "/v1/servicios?type=licencia", "", nil, http.StatusBadRequest, nil)
	do(t, http.MethodGet, "/v1/servicios?sort=random", "", nil, http.StatusBadRequest, nil)
}

func TestPQRSIdempotentFiling(t *testing.T) {
	in := model.PQRSInput{
		Kind:           model.PQRSQueja,
		CitizenName:    "Luis Pérez",
		DocumentType:   "CC",
		DocumentNumber: "79111222",
		Email:          "luis.perez@example.com",
		Subject:        "Alumbrado público",
		Description:    "La luminaria de la esquina lleva una semana apagada.",
	}
	file := func(key string, body model.PQRSInput) *http.Response {
		data, _ := json.Marshal(body)
		req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/pqrs", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}
	filing := func(resp *http.Response) string {
		defer func() { _ = resp.Body.Close() }()
		var env struct {
			Data model.PQRSTracking `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		return env.Data.Filing
	}

	key := "envio-" + uuid.NewString()
	first := file(key, in)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Empty(t, first.Header.Get("Idempotent-Replayed"))
	original := filing(first)
	require.NotEmpty(t, original)

	again := file(key, in)
	require.Equal(t, http.StatusCreated, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, original, filing(again), "a resubmission returns the original filing")

	changed := in
	changed.Subject = "Otro asunto"
	mismatch := file(key, changed)
	_ = mismatch.Body.Close()
	assert.Equal(t, http.StatusConflict, mismatch.StatusCode)

	fresh := file("envio-"+uuid.NewString(), in)
	require.Equal(t, http.StatusCreated, fresh.StatusCode)
	assert.NotEqual(t, original, filing(fresh))
}

func TestPQRSFlow(t *testing.T) {
	var filed model.PQRSTracking
	do(t, http.MethodPost, "/v1/pqrs", "", model.PQRSInput{
		Kind:           model.PQRSPeticion,
		CitizenName:    "Ana María Rojas",
		DocumentType:   "CC",
		DocumentNumber: "1032456789",
		Email:          "ana.rojas@example.com",
		Subject:        "Poda de árbol",
		Description:    "Solicito la poda del árbol frente a mi casa.",
	}, http.StatusCreated, &filed)
	require.Regexp(t, `^PQRS-\d{4}-\d{6}$`, filed.Filing)
	assert.Equal(t, model.PQRSRadicada, filed.Status)

	var tracked model.PQRSTracking
	do(t, http.MethodGet, "/v1/pqrs/"+filed.Filing+"?document=1032456789", "", nil, http.StatusOK, &tracked)
	assert.Equal(t, filed.Filing, tracked.Filing)
	do(t, http.MethodGet, "/v1/pqrs/"+filed.Filing+"?document=999", "", nil, http.StatusNotFound, nil)
	do(t, http.MethodGet, "/v1/pqrs/"+filed.Filing, "", nil, http.StatusBadRequest, nil)

	var list []model.PQRS
	do(t, http.MethodGet, "/v1/admin/pqrs?status=radicada", viewerToken, nil, http.StatusOK, &list)
	var record model.PQRS
	for _, p := range list {
		if p.Filing == filed.Filing {
			record = p
		}
	}
	require.Equal(t, filed.Filing, record.Filing)
	id := record.ID.String()

	// Responding straight from radicada skips en_tramite.
	do(t, http.MethodPost, "/v1/admin/pqrs/"+id+"/respond", editorToken,
		model.PQRSRespondRequest{Response: "Programada."}, http.StatusConflict, nil)
	do(t, http.MethodPost, "/v1/admin/pqrs/"+id+"/status", viewerToken,
		model.PQRSStatusRequest{Status: model.PQRSEnTramite}, http.StatusForbidden, nil)
	do(t, http.MethodPost, "/v1/admin/pqrs/"+id+"/status", editorToken,
		model.PQRSStatusRequest{Status: model.PQRSEnTramite}, http.StatusOK, &record)
	assert.Equal(t, model.PQRSEnTramite, record.Status)
	do(t, http.MethodPost, "/v1/admin/pqrs/"+id+"/respond", editorToken,
		model.PQRSRespondRequest{Response: "La poda quedó programada para el lunes."}, http.StatusOK, &record)
	assert.Equal(t, model.PQRSRespondida, record.Status)
	assert.NotNil(t, record.RespondedAt)

	do(t, http.MethodGet, "/v1/pqrs/"+filed.Filing+"?document=1032456789", "", nil, http.StatusOK, &tracked)
	assert.Equal(t, "La poda quedó programada para el lunes.", tracked.Response)
}

func TestChatFlow(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Hacienda Municipal")
	testutil.SeedTramite(t, testDB, dep, "Pago del impuesto de industria y comercio", true)

	var report knowledge.SyncReport
	do(t, http.MethodPost, "/v1/admin/knowledge/sync?wait=true", editorToken, nil, http.StatusOK, &report)
	assert.Positive(t, report.Ingested+report.Unchanged)

	var answer model.AskResponse
	do(t, http.MethodPost, "/v1/chat", "", model.AskRequest{Question: "¿Cómo pago industria y comercio?"}, http.StatusOK, &answer)
	assert.NotEmpty(t, answer.Answer)
	assert.NotEmpty(t, answer.Sources)

	sid := answer.SessionID
	do(t, http.MethodPost, "/v1/chat", "", model.AskRequest{SessionID: &sid, Question: "¿Y dónde queda la oficina?"}, http.StatusOK, &answer)
	assert.Equal(t, sid, answer.SessionID)

	var history struct {
		Messages []model.ChatMessage `json:"messages"`
	}
	do(t, http.MethodGet, "/v1/chat/"+sid.String(), "", nil, http.StatusOK, &history)
	assert.Len(t, history.Messages, 4)

	do(t, http.MethodPost, "/v1/chat", "", model.AskRequest{Question: "   "}, http.StatusBadRequest, nil)
}

func TestKnowledgeDocuments(t *testing.T) {
	var doc model.KnowledgeDocument
	do(t, http.MethodPost, "/v1/admin/knowledge/documents", editorToken, model.CreateDocumentRequest{
		SourceID: "horarios-atencion",
		Title:    "Horarios de atención",
		Content:  "La alcaldía atiende de lunes a viernes de 8:00 a 17:00.",
	}, http.StatusCreated, &doc)
	assert.Equal(t, model.SourceManual, doc.SourceType)
	assert.Positive(t, doc.ChunkCount)

	var docs []model.KnowledgeDocument
	do(t, http.MethodGet, "/v1/admin/knowledge/documents?source_type=manual", viewerToken, nil, http.StatusOK, &docs)
	assert.NotEmpty(t, docs)
	do(t, http.MethodGet, "/v1/admin/knowledge/documents?source_type=otro", viewerToken, nil, http.StatusBadRequest, nil)

	var enqueued map[string]int64
	do(t, http.MethodPost, "/v1/admin/knowledge/sync", editorToken, nil, http.StatusAccepted, &enqueued)
	assert.Contains(t, enqueued, "enqueued")
}

func TestImportExport(t *testing.T) {
	depCode := testutil.UniqueCode("D")
	rows := fmt.Sprintf(`[{"code":%q,"name":"Secretaría de Ambiente"}]`, depCode)

	importReq := func(query, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/admin/import/dependencias"+query, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+editorToken)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}
	readReport := func(resp *http.Response) transfer.Report {
		defer func() { _ = resp.Body.Close() }()
		var env struct {
			Data transfer.Report `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		return env.Data
	}

	resp := importReq("?dry_run=true", rows)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	report := readReport(resp)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Created)

	resp = importReq("", rows)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, readReport(resp).Created)

	resp = importReq("?mode=create", rows)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, readReport(resp).Errors)

	resp = importReq("", "not json")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	export, err := authedRequest(http.MethodGet, "/v1/admin/export/dependencias?format=csv", editorToken, nil)
	require.NoError(t, err)
	defer func() { _ = export.Body.Close() }()
	assert.Equal(t, http.StatusOK, export.StatusCode)
	assert.Contains(t, export.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, export.Header.Get("Content-Disposition"), "civica-dependencias-")
	body, _ := io.ReadAll(export.Body)
	assert.Contains(t, string(body), depCode)

	nd, err := authedRequest(http.MethodGet, "/v1/admin/export/dependencias?format=ndjson", editorToken, nil)
	require.NoError(t, err)
	defer func() { _ = nd.Body.Close() }()
	assert.Equal(t, http.StatusOK, nd.StatusCode)
	assert.Equal(t, "application/x-ndjson", nd.Header.Get("Content-Type"))
	sc := bufio.NewScanner(nd.Body)
	lines := 0
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Positive(t, lines)

	do(t, http.MethodGet, "/v1/admin/export/dependencias", viewerToken, nil, http.StatusForbidden, nil)
	do(t, http.MethodGet, "/v1/admin/export/licencias", editorToken, nil, http.StatusBadRequest, nil)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

// newMCPClient creates an MCP client that connects to the test server's /mcp endpoint
// with the given bearer token for authentication.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func TestMCPToolsOverHTTP(t *testing.T) {
	dep := testutil.SeedDependencia(t, testDB, "Secretaría de Deportes")
	tr := testutil.SeedTramite(t, testDB, dep, "Reserva de cancha sintética", false)

	c := newMCPClient(t, viewerToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "civica", initResult.ServerInfo.Name)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"civica_search_services", "civica_get_tramite", "civica_ask", "civica_track_pqrs"} {
		assert.True(t, names[want], "expected %s tool", want)
	}

	var call mcplib.CallToolRequest
	call.Params.Name = "civica_get_tramite"
	call.Params.Arguments = map[string]any{"code": tr.Code}
	result, err := c.CallTool(ctx, call)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := result.Content[0].(mcplib.TextContent).Text
	assert.Contains(t, text, "Reserva de cancha sintética")
	assert.Contains(t, text, "Gratuito")
}

func TestMCPUnauthenticated(t *testing.T) {
	resp, err := http.Post(testSrv.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
