package model

import "time"

// The five fixed workflow steps, in execution order.
const (
	StepDataReview          = "data_review"
	StepAutoCalculation     = "auto_calculation"
	StepPeriodReview        = "period_review"
	StepPeriodApproval      = "period_approval"
	StepPayrollDistribution = "payroll_distribution"
)

// StepKeys lists the workflow steps in the order they execute.
var StepKeys = []string{
	StepDataReview,
	StepAutoCalculation,
	StepPeriodReview,
	StepPeriodApproval,
	StepPayrollDistribution,
}

var stepNames = map[string]string{
	StepDataReview:          "Data Review",
	StepAutoCalculation:     "Automatic Calculation",
	StepPeriodReview:        "Period Review",
	StepPeriodApproval:      "Period Approval",
	StepPayrollDistribution: "Payroll Distribution",
}

// StepIndex returns the position of a step key in the fixed order, or -1 for
// an unknown key.
func StepIndex(key string) int {
	for i, k := range StepKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// StepName returns the human-readable name for a step key.
func StepName(key string) string {
	return stepNames[key]
}

// Per-step statuses.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// Overall workflow statuses.
const (
	WorkflowNotStarted = "not_started"
	WorkflowInProgress = "in_progress"
	WorkflowCompleted  = "completed"
	WorkflowFailed     = "failed"
)

// WorkflowStepRecord is the canonical state of a single step: its status and
// an opaque payload (started_at, error_message, calculation modules, ...).
type WorkflowStepRecord struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkflowStatus is the canonical state of one workflow instance for a
// payroll run.
type WorkflowStatus struct {
	RunID         string               `json:"payroll_run_id"`
	CurrentStep   string               `json:"current_step"`
	Steps         []WorkflowStepRecord `json:"steps"`
	OverallStatus string               `json:"overall_status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NewWorkflowStatus returns a freshly initialized status: all five steps
// pending, current step at data review, overall not started.
func NewWorkflowStatus(runID string) WorkflowStatus {
	now := time.Now().UTC()
	steps := make([]WorkflowStepRecord, 0, len(StepKeys))
	for _, key := range StepKeys {
		steps = append(steps, WorkflowStepRecord{
			Key:       key,
			Name:      stepNames[key],
			Status:    StepStatusPending,
			UpdatedAt: now,
		})
	}
	return WorkflowStatus{
		RunID:         runID,
		CurrentStep:   StepDataReview,
		Steps:         steps,
		OverallStatus: WorkflowNotStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns a pointer to the record for the given step key, or nil.
func (ws *WorkflowStatus) Step(key string) *WorkflowStepRecord {
	for i := range ws.Steps {
		if ws.Steps[i].Key == key {
			return &ws.Steps[i]
		}
	}
	return nil
}

// Normalized coerces a stored status document to the canonical five-step
// shape. Collaborator records can be sparse or partial; known steps are
// merged into a fresh status, unknown step keys are dropped, and the overall
// status is rederived from the merged steps.
func (ws WorkflowStatus) Normalized(runID string) WorkflowStatus {
	out := NewWorkflowStatus(runID)
	if !ws.CreatedAt.IsZero() {
		out.CreatedAt = ws.CreatedAt
	}
	if !ws.UpdatedAt.IsZero() {
		out.UpdatedAt = ws.UpdatedAt
	}
	for _, st := range ws.Steps {
		rec := out.Step(st.Key)
		if rec == nil {
			continue
		}
		if st.Status != "" {
			rec.Status = st.Status
		}
		rec.Data = st.Data
		if !st.UpdatedAt.IsZero() {
			rec.UpdatedAt = st.UpdatedAt
		}
	}
	if StepIndex(ws.CurrentStep) >= 0 {
		out.CurrentStep = ws.CurrentStep
	}
	out.OverallStatus = out.computeOverall()
	return out
}

// RecomputeAfter updates current_step and overall_status after the step with
// the given key changed. The current step advances to the next step only when
// the updated step completed, and regresses to the updated step when it went
// back in progress (retry of a failed step included).
func (ws *WorkflowStatus) RecomputeAfter(updatedKey string) {
	idx := StepIndex(updatedKey)
	if idx < 0 {
		return
	}
	switch ws.Steps[idx].Status {
	case StepStatusCompleted:
		if idx+1 < len(ws.Steps) {
			ws.CurrentStep = ws.Steps[idx+1].Key
		} else {
			ws.CurrentStep = ws.Steps[idx].Key
		}
	case StepStatusInProgress, StepStatusFailed:
		ws.CurrentStep = ws.Steps[idx].Key
	}
	ws.OverallStatus = ws.computeOverall()
	ws.UpdatedAt = time.Now().UTC()
}

// computeOverall applies the overall-status invariant: completed iff every
// step completed; failed if any step failed and no later step has progressed;
// not_started if nothing has moved; in_progress otherwise.
func (ws *WorkflowStatus) computeOverall() string {
	allCompleted := true
	allPending := true
	failedAt := -1
	for i, s := range ws.Steps {
		if s.Status != StepStatusCompleted {
			allCompleted = false
		}
		if s.Status != StepStatusPending {
			allPending = false
		}
		if s.Status == StepStatusFailed && failedAt < 0 {
			failedAt = i
		}
	}
	if allCompleted {
		return WorkflowCompleted
	}
	if allPending {
		return WorkflowNotStarted
	}
	if failedAt >= 0 {
		progressedLater := false
		for _, s := range ws.Steps[failedAt+1:] {
			if s.Status == StepStatusInProgress || s.Status == StepStatusCompleted {
				progressedLater = true
				break
			}
		}
		if !progressedLater {
			return WorkflowFailed
		}
	}
	return WorkflowInProgress
}

// StepUpdate is a partial update merged into a step record by a transition.
// An empty Status leaves the step's status unchanged.
type StepUpdate struct {
	Status string
	Data   map[string]any
}

// TransitionResult is the outcome of a status-store transition.
// PersistLagged is set when the collaborator write failed and the change is
// held only in the in-memory shadow: the transition succeeded from the
// caller's perspective but server persistence is behind.
type TransitionResult struct {
	Status        WorkflowStatus
	PersistLagged bool
}
