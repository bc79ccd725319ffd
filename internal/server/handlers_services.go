package server

import (
	"net/http"
	"strings"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
)

// parseServiceQuery reads the unified search parameters. type may be
// repeated or comma separated.
func parseServiceQuery(r *http.Request) (search.Query, error) {
	v := r.URL.Query()
	q := search.Query{
		Text:     strings.TrimSpace(v.Get("q")),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "page_size", search.DefaultPageSize),
		Sort:     v.Get("sort"),
	}
	for _, raw := range v["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, model.ServiceType(strings.ToLower(t)))
			}
		}
	}
	var err error
	if q.DependenciaID, err = queryUUID(r, "dependencia_id"); err != nil {
		return q, err
	}
	if q.SubdependenciaID, err = queryUUID(r, "subdependencia_id"); err != nil {
		return q, err
	}
	if q.HasPayment, err = queryBool(r, "has_payment"); err != nil {
		return q, err
	}
	if isEditor(r) && v.Get("include_inactive") == "true" {
		q.IncludeInactive = true
	}
	return q, nil
}

// HandleSearchServices handles GET /v1/servicios.
func (h *Handlers) HandleSearchServices(w http.ResponseWriter, r *http.Request) {
	q, err := parseServiceQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	page, err := h.searchSvc.Search(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, "failed to search services", err)
		return
	}
	if page.Items == nil {
		page.Items = []model.ServiceItem{}
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleServiceFacets handles GET /v1/servicios/facets.
func (h *Handlers) HandleServiceFacets(w http.ResponseWriter, r *http.Request) {
	q, err := parseServiceQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	counts, err := h.searchSvc.Counts(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, "failed to count services", err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}
