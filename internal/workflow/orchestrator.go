package workflow

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// Backend is the slice of the backend client the orchestrator uses.
type Backend interface {
	ListRuns(ctx context.Context, periodID string) ([]model.PayrollRun, error)
	CreateRun(ctx context.Context, run model.PayrollRun) (model.PayrollRun, error)
	ListEntries(ctx context.Context, runID string, page, size int) (model.EntryPage, error)
	CopyFromPeriod(ctx context.Context, targetPeriodID, sourcePeriodID string) (model.CopyResult, error)
	UpdatePeriodStatus(ctx context.Context, periodID, status string) error
	CalculationSummary(ctx context.Context, runID string) (map[string]any, error)
	Export(ctx context.Context, runID, kind string) (io.ReadCloser, string, error)
}

// PeriodCatalog is the slice of the period catalog the orchestrator uses.
type PeriodCatalog interface {
	Get(ctx context.Context, periodID string) (model.PayrollPeriod, error)
	Before(ctx context.Context, periodID string) ([]model.PayrollPeriod, error)
	Invalidate()
}

// Dispatcher hands a calculation off to the collaborator's engine or the
// local fallback.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, modules []string) (model.CalculationOutcome, error)
}

// StartResult is the outcome of starting (or re-entering) a workflow.
type StartResult struct {
	Run      model.PayrollRun     `json:"run"`
	Status   model.WorkflowStatus `json:"workflow_status"`
	RunReuse bool                 `json:"run_reused"`
}

// CopyReport is the outcome of copying entries from a previous period.
type CopyReport struct {
	SourcePeriodID string   `json:"source_period_id"`
	EntriesCreated int      `json:"entries_created"`
	Success        bool     `json:"success"`
	Errors         []string `json:"errors,omitempty"`
	TotalErrors    int      `json:"total_errors"`

	// Started is set when the copy succeeded and the workflow was
	// started on the target period as a follow-up.
	Started *StartResult `json:"workflow,omitempty"`
}

// Orchestrator implements the step-level workflow operations: starting a
// workflow on a period, probing and copying period data, kicking off
// calculation, and moving individual steps forward.
type Orchestrator struct {
	backend    Backend
	catalog    PeriodCatalog
	store      *StatusStore
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics

	maxReportedErrors int
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(backend Backend, catalog PeriodCatalog, store *StatusStore, dispatcher Dispatcher, logger *zap.Logger, metrics *observability.Metrics, maxReportedErrors int) *Orchestrator {
	if maxReportedErrors <= 0 {
		maxReportedErrors = 5
	}
	return &Orchestrator{
		backend:           backend,
		catalog:           catalog,
		store:             store,
		dispatcher:        dispatcher,
		logger:            logger,
		metrics:           metrics,
		maxReportedErrors: maxReportedErrors,
	}
}

// Status returns the workflow status for a run.
func (o *Orchestrator) Status(ctx context.Context, runID string) model.WorkflowStatus {
	return o.store.Load(ctx, runID)
}

// StartWorkflow begins (or resumes) the payroll workflow for a period. An
// existing run for the period is reused; otherwise a new run is created and
// the period is moved to active. Starting is idempotent: re-starting an
// already started workflow re-enters data review without losing step data.
func (o *Orchestrator) StartWorkflow(ctx context.Context, periodID string) (StartResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.StartWorkflow",
		observability.AttrPeriodID.String(periodID))
	defer span.End()

	period, err := o.catalog.Get(ctx, periodID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return StartResult{}, err
	}
	if period.Immutable() {
		err := model.NewConflictError(
			fmt.Sprintf("payroll period %q is %s and cannot enter a workflow", periodID, period.Status),
		)
		observability.EndSpanWithError(span, err)
		return StartResult{}, err
	}

	run, reused, err := o.resolveRun(ctx, periodID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return StartResult{}, err
	}

	if period.Status == model.PeriodStatusPlanned {
		if err := o.backend.UpdatePeriodStatus(ctx, periodID, model.PeriodStatusActive); err != nil {
			// Non-fatal: the workflow can proceed on a planned period,
			// the status catches up on the next start.
			o.logger.Warn("period activation failed",
				zap.String("period_id", periodID), zap.Error(err))
		} else {
			o.catalog.Invalidate()
		}
	}

	res, err := o.store.Transition(ctx, run.ID, model.StepDataReview, model.StepUpdate{
		Status: model.StepStatusInProgress,
		Data:   map[string]any{"started_at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		observability.EndSpanWithError(span, err)
		return StartResult{}, err
	}

	if o.metrics != nil {
		o.metrics.WorkflowStartsTotal.Inc()
	}
	o.logger.Info("workflow started",
		zap.String("period_id", periodID),
		zap.String("run_id", run.ID),
		zap.Bool("run_reused", reused),
	)
	return StartResult{Run: run, Status: res.Status, RunReuse: reused}, nil
}

// resolveRun returns the newest non-paid run for a period, creating one when
// none exists.
func (o *Orchestrator) resolveRun(ctx context.Context, periodID string) (model.PayrollRun, bool, error) {
	runs, err := o.backend.ListRuns(ctx, periodID)
	if err != nil {
		return model.PayrollRun{}, false, err
	}
	var newest *model.PayrollRun
	for i := range runs {
		if runs[i].Status == model.RunStatusPaid {
			continue
		}
		if newest == nil || runs[i].CreatedAt.After(newest.CreatedAt) {
			newest = &runs[i]
		}
	}
	if newest != nil {
		return *newest, true, nil
	}

	created, err := o.backend.CreateRun(ctx, model.PayrollRun{
		PayrollPeriodID: periodID,
		RunDate:         time.Now().UTC(),
		Status:          model.RunStatusNew,
	})
	if err != nil {
		return model.PayrollRun{}, false, err
	}
	return created, false, nil
}

// CheckPeriodData probes whether a period has payroll entries, without side
// effects. A period with no run at all has no data.
func (o *Orchestrator) CheckPeriodData(ctx context.Context, periodID string) (model.DataCheck, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.CheckPeriodData",
		observability.AttrPeriodID.String(periodID))
	defer span.End()

	if _, err := o.catalog.Get(ctx, periodID); err != nil {
		observability.EndSpanWithError(span, err)
		return model.DataCheck{}, err
	}

	runs, err := o.backend.ListRuns(ctx, periodID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.DataCheck{}, err
	}
	if len(runs) == 0 {
		return model.DataCheck{HasData: false, EntryCount: 0}, nil
	}

	newest := runs[0]
	for _, r := range runs[1:] {
		if r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}

	// A single-item page is enough: only the total matters.
	page, err := o.backend.ListEntries(ctx, newest.ID, 1, 1)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.DataCheck{}, err
	}
	return model.DataCheck{HasData: page.Total > 0, EntryCount: page.Total}, nil
}

// CopyPreviousPeriodData copies entries into the target period from a source
// period. When sourcePeriodID is empty, the nearest earlier period that has
// data is used. On success the workflow is started on the target period.
// Per-employee copy failures are non-fatal; the reported error list is
// bounded and the full count preserved.
func (o *Orchestrator) CopyPreviousPeriodData(ctx context.Context, targetPeriodID, sourcePeriodID string) (CopyReport, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.CopyPreviousPeriodData",
		observability.AttrPeriodID.String(targetPeriodID))
	defer span.End()

	target, err := o.catalog.Get(ctx, targetPeriodID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return CopyReport{}, err
	}
	if target.Immutable() {
		err := model.NewConflictError(
			fmt.Sprintf("payroll period %q is %s and cannot receive copied entries", targetPeriodID, target.Status),
		)
		observability.EndSpanWithError(span, err)
		return CopyReport{}, err
	}

	if sourcePeriodID == "" {
		sourcePeriodID, err = o.findCopySource(ctx, targetPeriodID)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return CopyReport{}, err
		}
	}

	result, err := o.backend.CopyFromPeriod(ctx, targetPeriodID, sourcePeriodID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return CopyReport{}, err
	}

	report := CopyReport{
		SourcePeriodID: sourcePeriodID,
		EntriesCreated: result.EntriesCreated,
		Success:        result.Success,
		Errors:         result.Errors,
		TotalErrors:    len(result.Errors),
	}
	if len(report.Errors) > o.maxReportedErrors {
		report.Errors = report.Errors[:o.maxReportedErrors]
	}

	o.logger.Info("previous period data copied",
		zap.String("target_period_id", targetPeriodID),
		zap.String("source_period_id", sourcePeriodID),
		zap.Int("entries_created", report.EntriesCreated),
		zap.Int("errors", report.TotalErrors),
		zap.Bool("success", report.Success),
	)

	if result.Success {
		started, err := o.StartWorkflow(ctx, targetPeriodID)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return report, err
		}
		report.Started = &started
	}
	return report, nil
}

// findCopySource walks earlier periods nearest-first and returns the first
// one holding payroll entries.
func (o *Orchestrator) findCopySource(ctx context.Context, targetPeriodID string) (string, error) {
	earlier, err := o.catalog.Before(ctx, targetPeriodID)
	if err != nil {
		return "", err
	}
	for _, p := range earlier {
		check, err := o.CheckPeriodData(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if check.HasData {
			return p.ID, nil
		}
	}
	return "", model.NewNotFoundError(
		fmt.Sprintf("no earlier period with payroll data before %q", targetPeriodID),
	)
}

// StartCalculation moves auto calculation in progress with the requested
// module list and hands the work to the dispatcher. The returned outcome
// carries the task ID and whether the local fallback engine took over.
func (o *Orchestrator) StartCalculation(ctx context.Context, runID string, modules []string) (model.CalculationOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.StartCalculation",
		observability.AttrRunID.String(runID))
	defer span.End()

	if _, err := o.store.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Status: model.StepStatusInProgress,
		Data: map[string]any{
			"modules":    modules,
			"started_at": time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		observability.EndSpanWithError(span, err)
		return model.CalculationOutcome{}, err
	}

	outcome, err := o.dispatcher.Dispatch(ctx, runID, modules)
	if err != nil {
		// The dispatcher only errors when even the fallback could not
		// start; reflect that on the step.
		_, _ = o.store.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
			Status: model.StepStatusFailed,
			Data:   map[string]any{"error_message": err.Error()},
		})
		observability.EndSpanWithError(span, err)
		return model.CalculationOutcome{}, err
	}

	span.SetAttributes(
		observability.AttrTaskID.String(outcome.TaskID),
		observability.AttrRoute.String(outcome.Route),
	)
	_, err = o.store.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Data: map[string]any{"task_id": outcome.TaskID, "route": outcome.Route},
	})
	if err != nil {
		observability.EndSpanWithError(span, err)
		return outcome, err
	}
	return outcome, nil
}

// Summary returns the calculation summary for a run.
func (o *Orchestrator) Summary(ctx context.Context, runID string) (map[string]any, error) {
	return o.backend.CalculationSummary(ctx, runID)
}

// ExportReport streams a payroll report from the collaborator. The caller
// owns the returned reader.
func (o *Orchestrator) ExportReport(ctx context.Context, runID, kind string) (io.ReadCloser, string, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.ExportReport",
		observability.AttrRunID.String(runID))
	defer span.End()

	body, contentType, err := o.backend.Export(ctx, runID, kind)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return nil, "", err
	}
	return body, contentType, nil
}

// CompleteStep marks a step completed. Every prior step must already be
// completed; out-of-order completion is a conflict.
func (o *Orchestrator) CompleteStep(ctx context.Context, runID, stepKey string, data map[string]any) (model.TransitionResult, error) {
	idx := model.StepIndex(stepKey)
	if idx < 0 {
		return model.TransitionResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "step_key",
			Code:    "unknown_step",
			Message: fmt.Sprintf("%q is not a workflow step", stepKey),
		}})
	}

	ws := o.store.Load(ctx, runID)
	for i := 0; i < idx; i++ {
		if ws.Steps[i].Status != model.StepStatusCompleted {
			return model.TransitionResult{}, model.NewConflictError(
				fmt.Sprintf("step %q cannot complete while %q is %s",
					stepKey, ws.Steps[i].Key, ws.Steps[i].Status),
			)
		}
	}

	if data == nil {
		data = map[string]any{}
	}
	data["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	return o.store.Transition(ctx, runID, stepKey, model.StepUpdate{
		Status: model.StepStatusCompleted,
		Data:   data,
	})
}

// RetryStep moves a failed step back in progress. Only failed steps can be
// retried.
func (o *Orchestrator) RetryStep(ctx context.Context, runID, stepKey string) (model.TransitionResult, error) {
	if model.StepIndex(stepKey) < 0 {
		return model.TransitionResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "step_key",
			Code:    "unknown_step",
			Message: fmt.Sprintf("%q is not a workflow step", stepKey),
		}})
	}

	ws := o.store.Load(ctx, runID)
	step := ws.Step(stepKey)
	if step.Status != model.StepStatusFailed {
		return model.TransitionResult{}, model.NewConflictError(
			fmt.Sprintf("step %q is %s, only failed steps can be retried", stepKey, step.Status),
		)
	}
	return o.store.Transition(ctx, runID, stepKey, model.StepUpdate{
		Status: model.StepStatusInProgress,
		Data:   map[string]any{"retried_at": time.Now().UTC().Format(time.RFC3339)},
	})
}
