package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hrsuite/payrun/model"
)

// handleListPeriods serves the payroll period catalog.
func (s *Server) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.catalog.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"periods": periods})
}

// handleCheckPeriodData probes whether a period has payroll entries. No side
// effects: safe to call repeatedly from the UI.
func (s *Server) handleCheckPeriodData(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	check, err := s.orchestrator.CheckPeriodData(r.Context(), periodID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, check)
}

// handleStartWorkflow starts (or resumes) the payroll workflow for a period.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	result, err := s.orchestrator.StartWorkflow(r.Context(), periodID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

type copyPreviousRequest struct {
	SourcePeriodID string `json:"source_period_id"`
}

// handleCopyPrevious copies entries into a period from an earlier one. The
// request body may name the source period; when it doesn't, the nearest
// earlier period with data is used.
func (s *Server) handleCopyPrevious(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")

	var req copyPreviousRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	report, err := s.orchestrator.CopyPreviousPeriodData(r.Context(), periodID, req.SourcePeriodID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// decodeBody decodes an optional JSON request body into dst. An empty body
// leaves dst zero-valued.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return model.NewBadRequestError("Invalid JSON request body")
	}
	return nil
}
