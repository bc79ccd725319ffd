package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/civica-gov/civica/internal/model"
)

// HandleFilePQRS handles POST /v1/pqrs. An Idempotency-Key header makes
// resubmissions return the original filing instead of creating a new one.
func (h *Handlers) HandleFilePQRS(w http.ResponseWriter, r *http.Request) {
	var in model.PQRSInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	idem, proceed := h.beginIdempotentWrite(w, r, "POST:/v1/pqrs", in)
	if !proceed {
		return
	}
	p, err := h.pqrsSvc.File(r.Context(), in)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeServiceError(w, r, "failed to file pqrs", err)
		return
	}
	// The citizen only gets the public projection back; the full record
	// carries staff-only fields.
	resp := p.Tracking(time.Now())
	h.completeIdempotentWrite(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleTrackPQRS handles GET /v1/pqrs/{filing}?document=...
func (h *Handlers) HandleTrackPQRS(w http.ResponseWriter, r *http.Request) {
	doc := strings.TrimSpace(r.URL.Query().Get("document"))
	if doc == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "document is required")
		return
	}
	t, err := h.pqrsSvc.Track(r.Context(), r.PathValue("filing"), doc)
	if err != nil {
		h.writeServiceError(w, r, "failed to track pqrs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

// HandleListPQRS handles GET /v1/admin/pqrs (viewer+).
func (h *Handlers) HandleListPQRS(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f := model.PQRSFilter{
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	if s := v.Get("status"); s != "" {
		st := model.PQRSStatus(s)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+s)
			return
		}
		f.Status = &st
	}
	if k := v.Get("kind"); k != "" {
		kind := model.PQRSKind(k)
		if !kind.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid kind: "+k)
			return
		}
		f.Kind = &kind
	}
	var err error
	if f.DependenciaID, err = queryUUID(r, "dependencia_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	overdue, err := queryBool(r, "overdue")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if overdue != nil && *overdue {
		now := time.Now().UTC()
		f.OverdueAt = &now
	}

	items, total, err := h.pqrsSvc.List(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to list pqrs", err)
		return
	}
	if items == nil {
		items = []model.PQRS{}
	}
	writeList(w, r, items, total, f.Limit, f.Offset, len(items))
}

// HandleGetPQRS handles GET /v1/admin/pqrs/{id} (viewer+).
func (h *Handlers) HandleGetPQRS(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	p, err := h.pqrsSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to get pqrs", err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleTransitionPQRS handles POST /v1/admin/pqrs/{id}/status (editor+).
func (h *Handlers) HandleTransitionPQRS(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.PQRSStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p, err := h.pqrsSvc.Transition(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(w, r, "failed to change pqrs status", err)
		return
	}
	h.logger.Info("pqrs status changed", "filing", p.Filing, "status", p.Status,
		"user", claimsFrom(r).Username, "request_id", requestID(r))
	writeJSON(w, r, http.StatusOK, p)
}

// HandleRespondPQRS handles POST /v1/admin/pqrs/{id}/respond (editor+).
func (h *Handlers) HandleRespondPQRS(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.PQRSRespondRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p, err := h.pqrsSvc.Respond(r.Context(), id, req.Response)
	if err != nil {
		h.writeServiceError(w, r, "failed to respond pqrs", err)
		return
	}
	h.logger.Info("pqrs responded", "filing", p.Filing, "user", claimsFrom(r).Username, "request_id", requestID(r))
	writeJSON(w, r, http.StatusOK, p)
}
