package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/civica-gov/civica/internal/ctxutil"
	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/search"
	"github.com/civica-gov/civica/internal/service/chat"
	"github.com/civica-gov/civica/internal/service/knowledge"
	"github.com/civica-gov/civica/internal/service/pqrs"
	"github.com/civica-gov/civica/internal/service/transfer"
	"github.com/civica-gov/civica/internal/storage"
)

// writeServiceError maps storage and service sentinels to HTTP responses.
// Anything unrecognized is logged and reported as a 500 without detail.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, pqrs.ErrNotFound), errors.Is(err, chat.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a record with the same key already exists")
	case errors.Is(err, storage.ErrReferenced):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "the record is still referenced by other records")
	case errors.Is(err, storage.ErrStaleStatus):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "the pqrs status changed concurrently; reload and retry")
	case errors.Is(err, pqrs.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, stripPrefix(err))
	case errors.Is(err, storage.ErrInvalidReference):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, stripPrefix(err))
	case errors.Is(err, pqrs.ErrInvalidInput), errors.Is(err, chat.ErrInvalidQuestion),
		errors.Is(err, search.ErrInvalidQuery), errors.Is(err, knowledge.ErrEmptyDocument),
		errors.Is(err, transfer.ErrUnsupported), errors.Is(err, transfer.ErrMalformed):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, stripPrefix(err))
	case errors.Is(err, chat.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"el asistente no está disponible en este momento, intente más tarde")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// stripPrefix drops the "pkg: " qualifiers of a wrapped error so the
// message reads cleanly to API clients.
func stripPrefix(err error) string {
	msg := err.Error()
	for {
		head, rest, ok := strings.Cut(msg, ": ")
		if !ok || strings.ContainsAny(head, " \"") {
			return msg
		}
		msg = rest
	}
}
