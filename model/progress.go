package model

// Calculation task statuses.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task ID prefixes. The prefix identifies which path produced a task and is
// used for diagnostics only; callers never branch on it.
const (
	TaskPrefixFallback = "local-"
)

// CalculationProgress is the uniform progress shape published for both the
// primary calculation backend and the local fallback engine. The percentage
// is monotonically non-decreasing while a task is processing.
type CalculationProgress struct {
	TaskID                    string `json:"task_id"`
	Status                    string `json:"status"`
	ProgressPercentage        int    `json:"progress_percentage"`
	TotalEmployees            int    `json:"total_employees"`
	ProcessedEmployees        int    `json:"processed_employees"`
	CurrentEmployee           string `json:"current_employee,omitempty"`
	EstimatedRemainingSeconds *int   `json:"estimated_remaining_seconds,omitempty"`
	ErrorMessage              string `json:"error_message,omitempty"`
}

// Terminal reports whether the task has finished, successfully or not.
func (p CalculationProgress) Terminal() bool {
	return p.Status == TaskStatusCompleted || p.Status == TaskStatusFailed
}

// Calculation dispatch routes.
const (
	RoutePrimary  = "primary"
	RouteFallback = "fallback"
)

// CalculationOutcome is the tagged result of a calculation dispatch: either
// the primary backend accepted the task, or the local fallback engine was
// started. Callers observe the same progress stream either way; the route is
// kept for auditing and tests.
type CalculationOutcome struct {
	Route  string `json:"route"`
	TaskID string `json:"task_id"`
}

// Dispatched marks a task accepted by the primary calculation backend.
func Dispatched(taskID string) CalculationOutcome {
	return CalculationOutcome{Route: RoutePrimary, TaskID: taskID}
}

// FallbackStarted marks a task running on the local fallback engine.
func FallbackStarted(taskID string) CalculationOutcome {
	return CalculationOutcome{Route: RouteFallback, TaskID: taskID}
}
