package mcp

import (
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/service/knowledge"
)

const (
	maxCompactDescription = 280
	maxCompactRequirement = 200
)

// compactServiceItem returns a minimal representation of a search result.
// Drops bookkeeping (active, updated_at, keywords, ids of the hierarchy)
// that assistants don't act on; the names are kept instead.
func compactServiceItem(it model.ServiceItem) map[string]any {
	m := map[string]any{
		"type":        it.Type,
		"id":          it.ID,
		"name":        it.Name,
		"has_payment": it.HasPayment,
	}
	if it.Code != "" {
		m["code"] = it.Code
	}
	if it.Description != "" {
		m["description"] = truncate(it.Description, maxCompactDescription)
	}
	if it.DependenciaName != "" {
		m["dependencia"] = it.DependenciaName
	}
	if it.SubdependenciaName != "" {
		m["subdependencia"] = it.SubdependenciaName
	}
	if it.Score > 0 {
		m["score"] = it.Score
	}
	return m
}

// compactTramite returns the citizen-facing view of a trámite. Cost is
// rendered as display text rather than a raw number.
func compactTramite(t model.Tramite, dependencia, subdependencia string) map[string]any {
	reqs := make([]string, 0, len(t.Requirements))
	for _, r := range t.Requirements {
		reqs = append(reqs, truncate(r, maxCompactRequirement))
	}
	m := map[string]any{
		"id":           t.ID,
		"code":         t.Code,
		"name":         t.Name,
		"description":  t.Description,
		"requirements": reqs,
		"has_payment":  t.HasPayment,
		"cost":         knowledge.FormatCost(t.HasPayment, t.Cost),
	}
	optional := map[string]string{
		"response_time":  t.ResponseTime,
		"legal_basis":    t.LegalBasis,
		"channel":        t.Channel,
		"url":            t.URL,
		"category":       t.Category,
		"dependencia":    dependencia,
		"subdependencia": subdependencia,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// truncate shortens s to maxLen runes, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
