package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
)

// entityOps binds the generic catalog handlers to one entity type.
type entityOps[T any] struct {
	label     string
	fresh     func() T // zero value with defaults applied before decoding
	setID     func(*T, uuid.UUID)
	active    func(T) bool
	normalize func(T) T
	validate  func(T) error
	get       func(context.Context, uuid.UUID) (T, error)
	create    func(context.Context, T) (T, error)
	update    func(context.Context, T) (T, error)
	remove    func(context.Context, uuid.UUID) error
}

func handleGet[T any](h *Handlers, ops entityOps[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		v, err := ops.get(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, r, "failed to get "+ops.label, err)
			return
		}
		if !ops.active(v) && !isEditor(r) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, ops.label+" not found")
			return
		}
		writeJSON(w, r, http.StatusOK, v)
	}
}

func handleCreate[T any](h *Handlers, ops entityOps[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := ops.fresh()
		if err := decodeJSON(w, r, &v, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		ops.setID(&v, uuid.Nil)
		v = ops.normalize(v)
		if err := ops.validate(v); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		created, err := ops.create(r.Context(), v)
		if err != nil {
			h.writeServiceError(w, r, "failed to create "+ops.label, err)
			return
		}
		h.logger.Info(ops.label+" created", "user", claimsFrom(r).Username, "request_id", requestID(r))
		writeJSON(w, r, http.StatusCreated, created)
	}
}

// handleUpdate replaces the entity at {id}. PUT bodies are complete
// representations; omitted fields take their defaults.
func handleUpdate[T any](h *Handlers, ops entityOps[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		v := ops.fresh()
		if err := decodeJSON(w, r, &v, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		ops.setID(&v, id)
		v = ops.normalize(v)
		if err := ops.validate(v); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		updated, err := ops.update(r.Context(), v)
		if err != nil {
			h.writeServiceError(w, r, "failed to update "+ops.label, err)
			return
		}
		h.logger.Info(ops.label+" updated", "id", id, "user", claimsFrom(r).Username, "request_id", requestID(r))
		writeJSON(w, r, http.StatusOK, updated)
	}
}

func handleDelete[T any](h *Handlers, ops entityOps[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		if err := ops.remove(r.Context(), id); err != nil {
			h.writeServiceError(w, r, "failed to delete "+ops.label, err)
			return
		}
		h.logger.Info(ops.label+" deleted", "id", id, "user", claimsFrom(r).Username, "request_id", requestID(r))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) dependenciaOps() entityOps[model.Dependencia] {
	return entityOps[model.Dependencia]{
		label:     "dependencia",
		fresh:     func() model.Dependencia { return model.Dependencia{Active: true} },
		setID:     func(d *model.Dependencia, id uuid.UUID) { d.ID = id },
		active:    func(d model.Dependencia) bool { return d.Active },
		normalize: model.NormalizeDependencia,
		validate:  model.ValidateDependencia,
		get:       h.db.GetDependencia,
		create:    h.db.CreateDependencia,
		update:    h.db.UpdateDependencia,
		remove:    h.db.DeleteDependencia,
	}
}

func (h *Handlers) subdependenciaOps() entityOps[model.Subdependencia] {
	return entityOps[model.Subdependencia]{
		label:     "subdependencia",
		fresh:     func() model.Subdependencia { return model.Subdependencia{Active: true} },
		setID:     func(s *model.Subdependencia, id uuid.UUID) { s.ID = id },
		active:    func(s model.Subdependencia) bool { return s.Active },
		normalize: model.NormalizeSubdependencia,
		validate:  model.ValidateSubdependencia,
		get:       h.db.GetSubdependencia,
		create:    h.db.CreateSubdependencia,
		update:    h.db.UpdateSubdependencia,
		remove:    h.db.DeleteSubdependencia,
	}
}

func (h *Handlers) tramiteOps() entityOps[model.Tramite] {
	return entityOps[model.Tramite]{
		label:     "tramite",
		fresh:     func() model.Tramite { return model.Tramite{Active: true} },
		setID:     func(t *model.Tramite, id uuid.UUID) { t.ID = id },
		active:    func(t model.Tramite) bool { return t.Active },
		normalize: model.NormalizeTramite,
		validate:  model.ValidateTramite,
		get:       h.db.GetTramite,
		create:    h.db.CreateTramite,
		update:    h.db.UpdateTramite,
		remove:    h.db.DeleteTramite,
	}
}

func (h *Handlers) opaOps() entityOps[model.OPA] {
	return entityOps[model.OPA]{
		label:     "opa",
		fresh:     func() model.OPA { return model.OPA{Active: true} },
		setID:     func(o *model.OPA, id uuid.UUID) { o.ID = id },
		active:    func(o model.OPA) bool { return o.Active },
		normalize: model.NormalizeOPA,
		validate:  model.ValidateOPA,
		get:       h.db.GetOPA,
		create:    h.db.CreateOPA,
		update:    h.db.UpdateOPA,
		remove:    h.db.DeleteOPA,
	}
}

func (h *Handlers) faqOps() entityOps[model.FAQ] {
	return entityOps[model.FAQ]{
		label:     "faq",
		fresh:     func() model.FAQ { return model.FAQ{Active: true} },
		setID:     func(f *model.FAQ, id uuid.UUID) { f.ID = id },
		active:    func(f model.FAQ) bool { return f.Active },
		normalize: model.NormalizeFAQ,
		validate:  model.ValidateFAQ,
		get:       h.db.GetFAQ,
		create:    h.db.CreateFAQ,
		update:    h.db.UpdateFAQ,
		remove:    h.db.DeleteFAQ,
	}
}

// HandleListDependencias handles GET /v1/dependencias.
func (h *Handlers) HandleListDependencias(w http.ResponseWriter, r *http.Request) {
	activeOnly := !(isEditor(r) && r.URL.Query().Get("include_inactive") == "true")
	deps, err := h.db.ListDependencias(r.Context(), activeOnly)
	if err != nil {
		h.writeInternalError(w, r, "failed to list dependencias", err)
		return
	}
	if deps == nil {
		deps = []model.Dependencia{}
	}
	writeList(w, r, deps, len(deps), len(deps), 0, len(deps))
}

// HandleListSubdependencias handles GET /v1/dependencias/{id}/subdependencias.
func (h *Handlers) HandleListSubdependencias(w http.ResponseWriter, r *http.Request) {
	depID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	dep, err := h.db.GetDependencia(r.Context(), depID)
	if err != nil {
		h.writeServiceError(w, r, "failed to get dependencia", err)
		return
	}
	editor := isEditor(r)
	if !dep.Active && !editor {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "dependencia not found")
		return
	}
	activeOnly := !(editor && r.URL.Query().Get("include_inactive") == "true")
	subs, err := h.db.ListSubdependencias(r.Context(), &depID, activeOnly)
	if err != nil {
		h.writeInternalError(w, r, "failed to list subdependencias", err)
		return
	}
	if subs == nil {
		subs = []model.Subdependencia{}
	}
	writeList(w, r, subs, len(subs), len(subs), 0, len(subs))
}

// catalogFilter reads the shared list parameters of trámites, OPAs and
// FAQs. Only editors can see inactive rows.
func catalogFilter(r *http.Request) (model.CatalogFilter, error) {
	f := model.CatalogFilter{
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	var err error
	if f.DependenciaID, err = queryUUID(r, "dependencia_id"); err != nil {
		return f, err
	}
	if f.SubdependenciaID, err = queryUUID(r, "subdependencia_id"); err != nil {
		return f, err
	}
	if isEditor(r) {
		if f.Active, err = queryBool(r, "active"); err != nil {
			return f, err
		}
	} else {
		active := true
		f.Active = &active
	}
	return f, nil
}

func handleList[T any](h *Handlers, label string, list func(context.Context, model.CatalogFilter) ([]T, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := catalogFilter(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		items, total, err := list(r.Context(), f)
		if err != nil {
			h.writeInternalError(w, r, "failed to list "+label, err)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeList(w, r, items, total, f.Limit, f.Offset, len(items))
	}
}
