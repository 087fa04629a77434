package calculation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// EntrySource is the slice of the backend client the fallback engine uses.
type EntrySource interface {
	ListEntries(ctx context.Context, runID string, page, size int) (model.EntryPage, error)
	UpdateEntry(ctx context.Context, entry model.PayrollEntry) error
}

// StatusTransitioner applies workflow step transitions on the engine's
// behalf.
type StatusTransitioner interface {
	Transition(ctx context.Context, runID, stepKey string, upd model.StepUpdate) (model.TransitionResult, error)
}

// FallbackEngine recomputes entry totals locally when the primary
// calculation backend is unavailable. It only sums the itemized components
// already on each entry; it never derives new components, so results match
// what the primary engine would produce for plain summation.
type FallbackEngine struct {
	entries EntrySource
	status  StatusTransitioner
	hub     *Hub
	logger  *zap.Logger
	metrics *observability.Metrics

	pageSize  int
	maxErrors int
}

// NewFallbackEngine wires a fallback engine.
func NewFallbackEngine(entries EntrySource, status StatusTransitioner, hub *Hub, logger *zap.Logger, metrics *observability.Metrics, pageSize, maxErrors int) *FallbackEngine {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if maxErrors <= 0 {
		maxErrors = 5
	}
	return &FallbackEngine{
		entries:   entries,
		status:    status,
		hub:       hub,
		logger:    logger,
		metrics:   metrics,
		pageSize:  pageSize,
		maxErrors: maxErrors,
	}
}

// Run executes the full calculation for a run under the given task ID. It
// recomputes and writes back every entry, publishing progress after each
// one. Per-entry failures are non-fatal; only a failure to load the entry
// list at all fails the task. On completion the auto calculation step is
// marked completed and period review moves in progress.
func (e *FallbackEngine) Run(ctx context.Context, runID, taskID string, modules []string) {
	ctx, span := observability.StartSpan(ctx, "fallback.Run",
		observability.AttrRunID.String(runID),
		observability.AttrTaskID.String(taskID))
	defer span.End()

	e.logger.Info("fallback calculation started",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.Strings("modules", modules),
	)

	e.hub.Publish(runID, model.CalculationProgress{
		TaskID: taskID,
		Status: model.TaskStatusPending,
	})

	first, err := e.entries.ListEntries(ctx, runID, 1, e.pageSize)
	if err != nil {
		e.fail(ctx, runID, taskID, fmt.Sprintf("loading payroll entries: %s", err))
		observability.EndSpanWithError(span, err)
		return
	}

	total := first.Total
	if total == 0 {
		e.complete(ctx, runID, taskID, 0, 0, nil)
		return
	}

	var (
		processed int
		succeeded int
		errs      []string
		started   = time.Now()
		page      = first
		pageNum   = 1
	)

	for {
		for _, entry := range page.Entries {
			processed++
			if err := e.processEntry(ctx, entry); err != nil {
				errs = append(errs, fmt.Sprintf("employee %s: %s", entry.EmployeeID, err))
				if e.metrics != nil {
					e.metrics.FallbackEntriesTotal.WithLabelValues("error").Inc()
				}
				e.logger.Warn("fallback entry calculation failed",
					zap.String("run_id", runID),
					zap.String("entry_id", entry.ID),
					zap.String("employee_id", entry.EmployeeID),
					zap.Error(err),
				)
			} else {
				succeeded++
				if e.metrics != nil {
					e.metrics.FallbackEntriesTotal.WithLabelValues("ok").Inc()
				}
			}

			remaining := estimateRemaining(started, processed, total)
			e.hub.Publish(runID, model.CalculationProgress{
				TaskID:                    taskID,
				Status:                    model.TaskStatusProcessing,
				ProgressPercentage:        percentComplete(processed, total),
				TotalEmployees:            total,
				ProcessedEmployees:        processed,
				CurrentEmployee:           entry.EmployeeName,
				EstimatedRemainingSeconds: remaining,
			})
		}

		if processed >= total || len(page.Entries) == 0 {
			break
		}
		pageNum++
		page, err = e.entries.ListEntries(ctx, runID, pageNum, e.pageSize)
		if err != nil {
			// Entries already written stay written; the task itself fails.
			e.fail(ctx, runID, taskID, fmt.Sprintf("loading payroll entries page %d: %s", pageNum, err))
			observability.EndSpanWithError(span, err)
			return
		}
	}

	e.complete(ctx, runID, taskID, total, succeeded, errs)
}

// processEntry validates, recomputes, and writes back a single entry.
func (e *FallbackEngine) processEntry(ctx context.Context, entry model.PayrollEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	entry.Recompute()
	return e.entries.UpdateEntry(ctx, entry)
}

// complete marks the task done and advances the workflow. Partial per-entry
// failures do not fail the step; they are recorded on it.
func (e *FallbackEngine) complete(ctx context.Context, runID, taskID string, total, succeeded int, errs []string) {
	data := map[string]any{
		"engine":             "fallback",
		"task_id":            taskID,
		"total_entries":      total,
		"successful_entries": succeeded,
		"partial_failures":   len(errs),
		"completed_at":       time.Now().UTC().Format(time.RFC3339),
	}
	if len(errs) > 0 {
		reported := errs
		if len(reported) > e.maxErrors {
			reported = reported[:e.maxErrors]
		}
		data["errors"] = reported
	}

	if _, err := e.status.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Status: model.StepStatusCompleted,
		Data:   data,
	}); err != nil {
		e.logger.Error("fallback completion transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	if _, err := e.status.Transition(ctx, runID, model.StepPeriodReview, model.StepUpdate{
		Status: model.StepStatusInProgress,
		Data:   map[string]any{"started_at": time.Now().UTC().Format(time.RFC3339)},
	}); err != nil {
		e.logger.Error("period review transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}

	e.hub.Publish(runID, model.CalculationProgress{
		TaskID:             taskID,
		Status:             model.TaskStatusCompleted,
		ProgressPercentage: 100,
		TotalEmployees:     total,
		ProcessedEmployees: total,
	})

	e.logger.Info("fallback calculation completed",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.Int("total_entries", total),
		zap.Int("successful_entries", succeeded),
		zap.Int("partial_failures", len(errs)),
	)
}

// fail marks the task and the auto calculation step failed.
func (e *FallbackEngine) fail(ctx context.Context, runID, taskID, message string) {
	if _, err := e.status.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Status: model.StepStatusFailed,
		Data: map[string]any{
			"engine":        "fallback",
			"task_id":       taskID,
			"error_message": message,
		},
	}); err != nil {
		e.logger.Error("fallback failure transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}

	e.hub.Publish(runID, model.CalculationProgress{
		TaskID:       taskID,
		Status:       model.TaskStatusFailed,
		ErrorMessage: message,
	})

	e.logger.Error("fallback calculation failed",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.String("error", message),
	)
}

// percentComplete rounds 100*processed/total to the nearest whole percent.
func percentComplete(processed, total int) int {
	return (processed*100 + total/2) / total
}

// estimateRemaining projects the remaining seconds from throughput so far.
func estimateRemaining(started time.Time, processed, total int) *int {
	if processed <= 0 || processed >= total {
		return nil
	}
	elapsed := time.Since(started).Seconds()
	perEntry := elapsed / float64(processed)
	est := int(perEntry * float64(total-processed))
	return &est
}
