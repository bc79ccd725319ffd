package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/civica-gov/civica/internal/model"
)

var pesos = message.NewPrinter(language.Spanish)

// FormatCost renders a cost the way the portal shows it to citizens.
func FormatCost(hasPayment bool, cost *float64) string {
	switch {
	case !hasPayment:
		return "Gratuito"
	case cost == nil:
		return "Tiene costo (consulte la tarifa vigente)"
	default:
		return pesos.Sprintf("$ %v", number.Decimal(*cost, number.MaxFractionDigits(2)))
	}
}

type docWriter struct{ b strings.Builder }

func (w *docWriter) line(label, value string) {
	if value = strings.TrimSpace(value); value == "" {
		return
	}
	if label != "" {
		w.b.WriteString(label)
		w.b.WriteString(": ")
	}
	w.b.WriteString(value)
	w.b.WriteByte('\n')
}

func (w *docWriter) block(text string) {
	if text = strings.TrimSpace(text); text == "" {
		return
	}
	w.b.WriteByte('\n')
	w.b.WriteString(text)
	w.b.WriteString("\n\n")
}

func (w *docWriter) list(label string, items []string) {
	var kept []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return
	}
	w.b.WriteString(label)
	w.b.WriteString(":\n")
	for _, it := range kept {
		w.b.WriteString("- ")
		w.b.WriteString(it)
		w.b.WriteByte('\n')
	}
	w.b.WriteByte('\n')
}

func (w *docWriter) String() string { return strings.TrimSpace(w.b.String()) }

func owner(dep model.Dependencia, sub *model.Subdependencia) string {
	if sub != nil && sub.Name != "" {
		return dep.Name + " - " + sub.Name
	}
	return dep.Name
}

// DocumentForTramite renders a trámite as a knowledge document.
func DocumentForTramite(t model.Tramite, dep model.Dependencia, sub *model.Subdependencia) model.KnowledgeDocument {
	var w docWriter
	w.line("Trámite", t.Name+" (código "+t.Code+")")
	w.line("Dependencia responsable", owner(dep, sub))
	w.line("Categoría", t.Category)
	w.block(t.Description)
	w.list("Requisitos", t.Requirements)
	w.line("Tiempo de respuesta", t.ResponseTime)
	w.line("Costo", FormatCost(t.HasPayment, t.Cost))
	w.line("Canal de atención", t.Channel)
	w.line("Fundamento legal", t.LegalBasis)
	w.line("Más información", t.URL)

	return model.KnowledgeDocument{
		SourceType: model.SourceTramite,
		SourceID:   t.ID.String(),
		Title:      "Trámite: " + t.Name,
		Content:    w.String(),
		URL:        t.URL,
	}
}

// DocumentForOPA renders an OPA as a knowledge document.
func DocumentForOPA(o model.OPA, dep model.Dependencia, sub *model.Subdependencia) model.KnowledgeDocument {
	var w docWriter
	w.line("Otro procedimiento administrativo (OPA)", o.Name+" (código "+o.Code+")")
	w.line("Dependencia responsable", owner(dep, sub))
	w.block(o.Description)
	w.list("Requisitos", o.Requirements)
	w.line("Tiempo de respuesta", o.ResponseTime)
	w.line("Costo", FormatCost(o.HasPayment, o.Cost))

	return model.KnowledgeDocument{
		SourceType: model.SourceOPA,
		SourceID:   o.ID.String(),
		Title:      "OPA: " + o.Name,
		Content:    w.String(),
	}
}

// DocumentForFAQ renders an FAQ as a knowledge document. dep may be nil.
func DocumentForFAQ(f model.FAQ, dep *model.Dependencia, sub *model.Subdependencia) model.KnowledgeDocument {
	var w docWriter
	w.line("Pregunta frecuente", f.Question)
	if dep != nil {
		w.line("Dependencia", owner(*dep, sub))
	}
	w.line("Tema", f.Topic)
	w.block(f.Answer)
	if len(f.Keywords) > 0 {
		w.line("Palabras clave", strings.Join(f.Keywords, ", "))
	}

	return model.KnowledgeDocument{
		SourceType: model.SourceFAQ,
		SourceID:   f.ID.String(),
		Title:      f.Question,
		Content:    w.String(),
	}
}

// ContentHash fingerprints the parts of a document that affect its chunks.
func ContentHash(doc model.KnowledgeDocument) string {
	h := sha256.New()
	h.Write([]byte(doc.Title))
	h.Write([]byte{0})
	h.Write([]byte(doc.URL))
	h.Write([]byte{0})
	h.Write([]byte(doc.Content))
	return hex.EncodeToString(h.Sum(nil))
}
