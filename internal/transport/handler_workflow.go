package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// workflowStatusResponse wraps a status with the persistence-lag flag so the
// UI can surface "saved locally" when the collaborator write is behind.
type workflowStatusResponse struct {
	Status        any  `json:"workflow_status"`
	PersistLagged bool `json:"persist_lagged,omitempty"`
}

// handleWorkflowStatus returns the workflow status for a run. A run that has
// never started a workflow gets a fresh all-pending status rather than a 404.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ws := s.orchestrator.Status(r.Context(), runID)
	WriteJSON(w, http.StatusOK, workflowStatusResponse{Status: ws})
}

type completeStepRequest struct {
	Data map[string]any `json:"data"`
}

// handleCompleteStep marks a workflow step completed. Prior steps must
// already be completed.
func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepKey := chi.URLParam(r, "stepKey")

	var req completeStepRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := s.orchestrator.CompleteStep(r.Context(), runID, stepKey, req.Data)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, workflowStatusResponse{
		Status:        result.Status,
		PersistLagged: result.PersistLagged,
	})
}

// handleRetryStep moves a failed workflow step back in progress.
func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stepKey := chi.URLParam(r, "stepKey")

	result, err := s.orchestrator.RetryStep(r.Context(), runID, stepKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, workflowStatusResponse{
		Status:        result.Status,
		PersistLagged: result.PersistLagged,
	})
}
