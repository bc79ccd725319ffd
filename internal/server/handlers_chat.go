package server

import (
	"net/http"

	"github.com/civica-gov/civica/internal/model"
)

// HandleAsk handles POST /v1/chat.
func (h *Handlers) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req model.AskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.chatSvc.Ask(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to answer question", err)
		return
	}
	if resp.Sources == nil {
		resp.Sources = []model.ChatSource{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleChatHistory handles GET /v1/chat/{session_id}.
func (h *Handlers) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	msgs, err := h.chatSvc.History(r.Context(), sessionID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load chat history", err)
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

// HandleListDocuments handles GET /v1/admin/knowledge/documents (viewer+).
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	var st *model.SourceType
	if v := r.URL.Query().Get("source_type"); v != "" {
		t := model.SourceType(v)
		switch t {
		case model.SourceTramite, model.SourceOPA, model.SourceFAQ, model.SourceManual:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid source_type: "+v)
			return
		}
		st = &t
	}
	limit, offset := queryLimit(r, 50), queryOffset(r)
	docs, total, err := h.db.ListDocuments(r.Context(), st, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list documents", err)
		return
	}
	if docs == nil {
		docs = []model.KnowledgeDocument{}
	}
	writeList(w, r, docs, total, limit, offset, len(docs))
}

// HandleCreateDocument handles POST /v1/admin/knowledge/documents (editor+).
// Manual documents are ingested synchronously so the chatbot can use them
// as soon as the call returns.
func (h *Handlers) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDocumentRequest
	if err := decodeJSON(w, r, &req, int64(model.MaxDocumentContentLen)+4096); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	doc, err := h.knowledgeSvc.CreateManual(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to ingest document", err)
		return
	}
	h.logger.Info("knowledge document ingested", "source_id", doc.SourceID, "chunks", doc.ChunkCount,
		"user", claimsFrom(r).Username, "request_id", requestID(r))
	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleSyncKnowledge handles POST /v1/admin/knowledge/sync (editor+).
// By default every catalog entity is queued for the outbox worker and 202
// is returned. With wait=true the sync runs inline and returns its report.
func (h *Handlers) HandleSyncKnowledge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		report, err := h.knowledgeSvc.SyncCatalog(r.Context())
		if err != nil {
			h.writeInternalError(w, r, "knowledge sync failed", err)
			return
		}
		h.logger.Info("knowledge sync completed", "ingested", report.Ingested, "removed", report.Removed,
			"failed", report.Failed, "user", claimsFrom(r).Username)
		writeJSON(w, r, http.StatusOK, report)
		return
	}
	n, err := h.db.EnqueueFullSync(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to enqueue knowledge sync", err)
		return
	}
	h.logger.Info("knowledge sync enqueued", "entries", n, "user", claimsFrom(r).Username)
	writeJSON(w, r, http.StatusAccepted, map[string]int64{"enqueued": n})
}
