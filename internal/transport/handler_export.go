package transport

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hrsuite/payrun/model"
)

// exportKinds are the report formats the collaborator can produce.
var exportKinds = map[string]bool{
	"detail":  true,
	"summary": true,
	"bank":    true,
}

// handleExport streams a payroll report straight from the collaborator. The
// body is not buffered: large reports pass through unchanged.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	kind := chi.URLParam(r, "kind")
	if !exportKinds[kind] {
		WriteError(w, model.NewBadRequestError("Unknown export kind: "+kind))
		return
	}

	body, contentType, err := s.orchestrator.ExportReport(r.Context(), runID, kind)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="payroll-`+runID+`-`+kind+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		s.logger.Warn("export stream interrupted",
			zap.String("run_id", runID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
