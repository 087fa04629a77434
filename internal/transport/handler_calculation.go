package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hrsuite/payrun/model"
)

type startCalculationRequest struct {
	Modules []string `json:"modules"`
}

// handleStartCalculation kicks off payroll calculation for a run. The
// response names the task and whether the local fallback engine took over.
func (s *Server) handleStartCalculation(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req startCalculationRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	outcome, err := s.orchestrator.StartCalculation(r.Context(), runID, req.Modules)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, outcome)
}

// handleCalculationProgress returns the latest progress snapshot for the
// run's active calculation task.
func (s *Server) handleCalculationProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	progress, ok := s.hub.Latest(runID)
	if !ok {
		WriteError(w, model.NewNotFoundError("No calculation has been started for this run"))
		return
	}
	WriteJSON(w, http.StatusOK, progress)
}

// handleCalculationSummary returns the calculation summary for a run.
func (s *Server) handleCalculationSummary(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, err := s.orchestrator.Summary(r.Context(), runID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
