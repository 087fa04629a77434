// Package workflow holds the payroll workflow state machine: the status
// store that owns step transitions and the orchestrator that exposes the
// step-level operations consumed by the UI layer.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// Persistence is the slice of the backend client the status store uses.
type Persistence interface {
	GetWorkflowStatus(ctx context.Context, runID string) (model.WorkflowStatus, bool, error)
	PatchWorkflowStatus(ctx context.Context, runID string, ws model.WorkflowStatus) error
}

// StatusStore holds the canonical state of workflow instances. All mutation
// goes through Transition, which is serialized per run ID. When the
// collaborator write fails, the transition is still applied to an in-memory
// shadow copy so workflow progress is never silently lost; the shadow is
// reconciled back to the collaborator on later loads and transitions.
type StatusStore struct {
	persist Persistence
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	shadow map[string]model.WorkflowStatus
	lagged map[string]bool
}

// NewStatusStore creates a status store backed by the given persistence.
func NewStatusStore(persist Persistence, logger *zap.Logger, metrics *observability.Metrics) *StatusStore {
	return &StatusStore{
		persist: persist,
		logger:  logger,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
		shadow:  make(map[string]model.WorkflowStatus),
		lagged:  make(map[string]bool),
	}
}

// runLock returns the mutex serializing transitions for one run.
func (s *StatusStore) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// Load fetches the workflow status for a run. Absence of a persisted record
// is not an error: a freshly initialized status is returned. When a shadow
// copy is newer than the persisted record (a previous write lagged), the
// shadow wins and a reconciling write is attempted best-effort.
func (s *StatusStore) Load(ctx context.Context, runID string) model.WorkflowStatus {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(ctx, runID)
}

func (s *StatusStore) loadLocked(ctx context.Context, runID string) model.WorkflowStatus {
	s.mu.Lock()
	local, hasLocal := s.shadow[runID]
	wasLagged := s.lagged[runID]
	s.mu.Unlock()

	remote, found, err := s.persist.GetWorkflowStatus(ctx, runID)
	if err != nil {
		if hasLocal {
			return cloneStatus(local)
		}
		s.logger.Warn("workflow status load failed, starting fresh",
			zap.String("run_id", runID), zap.Error(err))
		return model.NewWorkflowStatus(runID)
	}
	if !found {
		if hasLocal {
			return cloneStatus(local)
		}
		return model.NewWorkflowStatus(runID)
	}

	// Collaborator documents are not trusted to carry all five steps.
	remote = remote.Normalized(runID)

	if hasLocal && wasLagged && local.UpdatedAt.After(remote.UpdatedAt) {
		// The shadow holds a transition the collaborator missed. Try to
		// reconcile; serve the shadow either way.
		if err := s.persist.PatchWorkflowStatus(ctx, runID, local); err == nil {
			s.mu.Lock()
			s.lagged[runID] = false
			s.mu.Unlock()
		}
		return cloneStatus(local)
	}

	s.mu.Lock()
	s.shadow[runID] = cloneStatus(remote)
	s.lagged[runID] = false
	s.mu.Unlock()
	return remote
}

// Transition merges a partial update into one step, stamps it, recomputes
// the current step and overall status, and persists the result. A failed
// collaborator write does not fail the transition: the new state is kept in
// the shadow and the result is flagged PersistLagged.
func (s *StatusStore) Transition(ctx context.Context, runID, stepKey string, upd model.StepUpdate) (model.TransitionResult, error) {
	if model.StepIndex(stepKey) < 0 {
		return model.TransitionResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "step_key",
			Code:    "unknown_step",
			Message: fmt.Sprintf("%q is not a workflow step", stepKey),
		}})
	}

	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	ws := s.loadLocked(ctx, runID)
	step := ws.Step(stepKey)

	// A completed step never regresses to pending.
	if step.Status == model.StepStatusCompleted && upd.Status == model.StepStatusPending {
		return model.TransitionResult{}, model.NewConflictError(
			fmt.Sprintf("step %q is completed and cannot return to pending", stepKey),
		)
	}

	if upd.Status != "" {
		step.Status = upd.Status
	}
	if len(upd.Data) > 0 {
		if step.Data == nil {
			step.Data = make(map[string]any, len(upd.Data))
		}
		for k, v := range upd.Data {
			step.Data[k] = v
		}
	}
	step.UpdatedAt = time.Now().UTC()
	ws.RecomputeAfter(stepKey)

	if s.metrics != nil {
		s.metrics.WorkflowTransitionsTotal.WithLabelValues(stepKey, step.Status).Inc()
	}

	result := model.TransitionResult{Status: ws}
	if err := s.persist.PatchWorkflowStatus(ctx, runID, ws); err != nil {
		s.logger.Warn("workflow status persist lagged, keeping shadow copy",
			zap.String("run_id", runID),
			zap.String("step", stepKey),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.WorkflowPersistLagTotal.Inc()
		}
		result.PersistLagged = true
	}

	s.mu.Lock()
	s.shadow[runID] = cloneStatus(ws)
	if result.PersistLagged {
		s.lagged[runID] = true
	} else {
		s.lagged[runID] = false
	}
	s.mu.Unlock()

	s.logger.Info("workflow transition",
		zap.String("run_id", runID),
		zap.String("step", stepKey),
		zap.String("step_status", step.Status),
		zap.String("overall_status", ws.OverallStatus),
		zap.Bool("persist_lagged", result.PersistLagged),
	)

	return result, nil
}

// cloneStatus deep-copies a workflow status so shadow entries never alias
// caller-held maps.
func cloneStatus(ws model.WorkflowStatus) model.WorkflowStatus {
	out := ws
	out.Steps = make([]model.WorkflowStepRecord, len(ws.Steps))
	for i, step := range ws.Steps {
		cp := step
		if step.Data != nil {
			cp.Data = make(map[string]any, len(step.Data))
			for k, v := range step.Data {
				cp.Data[k] = v
			}
		}
		out.Steps[i] = cp
	}
	return out
}
