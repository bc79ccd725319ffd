package knowledge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/civica-gov/civica/internal/model"
)

func TestDocumentForTramite(t *testing.T) {
	cost := 45000.0
	tr := model.Tramite{
		ID:           uuid.New(),
		Code:         "T-010",
		Name:         "Licencia de construcción",
		Description:  "Autoriza obras nuevas y ampliaciones.",
		Requirements: []string{"Formulario único nacional", " ", "Planos arquitectónicos"},
		ResponseTime: "45 días hábiles",
		HasPayment:   true,
		Cost:         &cost,
		URL:          "https://www.alcaldia.gov.co/licencias",
	}
	dep := model.Dependencia{Name: "Secretaría de Planeación"}
	sub := &model.Subdependencia{Name: "Curaduría"}

	doc := DocumentForTramite(tr, dep, sub)
	assert.Equal(t, model.SourceTramite, doc.SourceType)
	assert.Equal(t, tr.ID.String(), doc.SourceID)
	assert.Equal(t, "Trámite: Licencia de construcción", doc.Title)
	assert.Equal(t, tr.URL, doc.URL)
	assert.Contains(t, doc.Content, "Trámite: Licencia de construcción (código T-010)")
	assert.Contains(t, doc.Content, "Dependencia responsable: Secretaría de Planeación - Curaduría")
	assert.Contains(t, doc.Content, "Requisitos:\n- Formulario único nacional\n- Planos arquitectónicos\n")
	assert.Contains(t, doc.Content, "Tiempo de respuesta: 45 días hábiles")
	assert.NotContains(t, doc.Content, "Fundamento legal", "empty fields are omitted")
}

func TestDocumentForOPAFree(t *testing.T) {
	doc := DocumentForOPA(model.OPA{ID: uuid.New(), Code: "O-1", Name: "Paz y salvo"}, model.Dependencia{Name: "Hacienda"}, nil)
	assert.Equal(t, "OPA: Paz y salvo", doc.Title)
	assert.Contains(t, doc.Content, "Costo: Gratuito")
	assert.Contains(t, doc.Content, "Dependencia responsable: Hacienda\n")
}

func TestDocumentForFAQ(t *testing.T) {
	f := model.FAQ{
		ID:       uuid.New(),
		Question: "¿Dónde pago el predial?",
		Answer:   "En cualquier banco autorizado.",
		Keywords: []string{"predial", "bancos"},
	}
	doc := DocumentForFAQ(f, nil, nil)
	assert.Equal(t, f.Question, doc.Title)
	assert.Contains(t, doc.Content, "En cualquier banco autorizado.")
	assert.Contains(t, doc.Content, "Palabras clave: predial, bancos")
	assert.NotContains(t, doc.Content, "Dependencia")
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "Gratuito", FormatCost(false, nil))
	assert.Contains(t, FormatCost(true, nil), "Tiene costo")
	cost := 45000.0
	assert.Regexp(t, `^\$ 45[.\s\x{00A0}\x{202F}]?000$`, FormatCost(true, &cost))
}

func TestContentHash(t *testing.T) {
	a := model.KnowledgeDocument{Title: "t", Content: "c"}
	b := a
	assert.Equal(t, ContentHash(a), ContentHash(b))
	b.Content = "c2"
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
	c := a
	c.URL = "https://x"
	assert.NotEqual(t, ContentHash(a), ContentHash(c))
}
