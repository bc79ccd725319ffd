package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/civica-gov/civica/internal/model"
	"github.com/civica-gov/civica/internal/service/transfer"
)

// importFormat takes the format query parameter, falling back to the
// request's Content-Type.
func importFormat(r *http.Request) (transfer.Format, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		return transfer.ParseFormat(f)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "text/csv":
		return transfer.FormatCSV, nil
	case "application/json":
		return transfer.FormatJSON, nil
	case "application/x-ndjson", "application/ndjson":
		return transfer.FormatNDJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return transfer.FormatYAML, nil
	}
	return "", fmt.Errorf("%w: format is required (query parameter or Content-Type)", transfer.ErrUnsupported)
}

// HandleImport handles POST /v1/admin/import/{entity}?format=&dry_run=&mode= (editor+).
// A file with row errors is answered with 422 and the report; nothing is
// written in that case.
func (h *Handlers) HandleImport(w http.ResponseWriter, r *http.Request) {
	entity, err := transfer.ParseEntity(r.PathValue("entity"))
	if err != nil {
		h.writeServiceError(w, r, "invalid entity", err)
		return
	}
	format, err := importFormat(r)
	if err != nil {
		h.writeServiceError(w, r, "invalid format", err)
		return
	}
	mode, err := transfer.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeServiceError(w, r, "invalid mode", err)
		return
	}
	dryRun, err := queryBool(r, "dry_run")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	opts := transfer.Options{Mode: mode, DryRun: dryRun != nil && *dryRun}

	body := http.MaxBytesReader(w, r.Body, h.maxImportBytes)
	report, err := h.transferSvc.Import(r.Context(), entity, format, body, opts)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				fmt.Sprintf("import file exceeds %d bytes", h.maxImportBytes))
			return
		}
		h.writeServiceError(w, r, "import failed", err)
		return
	}

	h.logger.Info("import finished",
		"entity", entity, "format", format, "mode", mode, "dry_run", opts.DryRun,
		"total", report.Total, "created", report.Created, "updated", report.Updated,
		"skipped", report.Skipped, "errors", len(report.Errors),
		"user", claimsFrom(r).Username, "request_id", requestID(r))

	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, r, status, report)
}

// exportWriter commits the download headers on the first write, so an
// export that fails before producing output still gets a JSON error.
type exportWriter struct {
	w        http.ResponseWriter
	filename string
	format   transfer.Format
	started  bool
}

func (e *exportWriter) Write(p []byte) (int, error) {
	if !e.started {
		e.started = true
		h := e.w.Header()
		h.Set("Content-Type", e.format.ContentType())
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, e.filename))
		h.Set("Cache-Control", "no-cache")
		e.w.WriteHeader(http.StatusOK)
	}
	return e.w.Write(p)
}

// HandleExport handles GET /v1/admin/export/{entity}?format= (editor+).
// Rows are streamed as they are encoded. A failure after the first byte
// can only truncate the body, which is logged.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	entity, err := transfer.ParseEntity(r.PathValue("entity"))
	if err != nil {
		h.writeServiceError(w, r, "invalid entity", err)
		return
	}
	f := r.URL.Query().Get("format")
	if f == "" {
		f = string(transfer.FormatJSON)
	}
	format, err := transfer.ParseFormat(f)
	if err != nil {
		h.writeServiceError(w, r, "invalid format", err)
		return
	}

	ew := &exportWriter{
		w:        w,
		filename: fmt.Sprintf("civica-%s-%s.%s", entity, time.Now().UTC().Format("20060102-150405"), format),
		format:   format,
	}
	if err := h.transferSvc.Export(r.Context(), entity, format, ew); err != nil {
		if !ew.started {
			h.writeServiceError(w, r, "export failed", err)
			return
		}
		h.logger.Error("export aborted mid-stream", "entity", entity, "format", format,
			"error", err, "request_id", requestID(r))
	}
}
