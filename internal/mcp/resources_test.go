package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	var req mcplib.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestDependenciasResource_ActiveOnly(t *testing.T) {
	f := newFixture(t)
	contents, err := f.server.handleDependencias(context.Background(), readRequest(dependenciasURI))
	require.NoError(t, err)

	var deps []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &deps))
	require.Len(t, deps, 1)
	assert.Equal(t, "Secretaría de Hacienda", deps[0]["name"])
	assert.Equal(t, "SH", deps[0]["acronym"])
}

func TestTramiteResource(t *testing.T) {
	f := newFixture(t)
	uri := "civica://tramites/T-0001"
	contents, err := f.server.handleTramiteResource(context.Background(), readRequest(uri))
	require.NoError(t, err)

	text := resourceText(t, contents)
	var tramite map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &tramite))
	assert.Equal(t, "Pago de impuesto predial", tramite["name"])
	assert.Equal(t, "Rentas", tramite["subdependencia"])
	assert.Equal(t, uri, contents[0].(mcplib.TextResourceContents).URI)
}

func TestTramiteResource_Errors(t *testing.T) {
	f := newFixture(t)
	for _, uri := range []string{
		"civica://tramites/",
		"civica://tramites/T-0001/extra",
		"civica://tramites/T-9999",
		"civica://tramites/T-0099", // inactive
		"civica://dependencias",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := f.server.handleTramiteResource(context.Background(), readRequest(uri))
			assert.Error(t, err)
		})
	}
}
