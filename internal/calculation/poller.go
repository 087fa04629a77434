package calculation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// ProgressSource is the slice of the backend client the poller uses.
type ProgressSource interface {
	CalculationStatus(ctx context.Context, taskID string) (model.CalculationProgress, error)
}

// pollFailureLimit is how many consecutive status-check failures the poller
// tolerates before giving up on a task.
const pollFailureLimit = 5

// PollerManager follows primary calculation tasks: one polling loop per run,
// ticking on a fixed interval with at most one status check in flight at a
// time. Watching a new task for a run stops the loop following the previous
// one.
type PollerManager struct {
	backend  ProgressSource
	status   StatusTransitioner
	hub      *Hub
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration

	// onCompleted runs after a task finishes successfully, e.g. to warm
	// the calculation summary. Optional.
	onCompleted func(ctx context.Context, runID string)

	mu       sync.Mutex
	watchers map[string]*watchHandle
	wg       sync.WaitGroup
}

// watchHandle identifies one polling loop so a finished loop only
// deregisters itself, never a replacement that took over its run.
type watchHandle struct {
	cancel context.CancelFunc
}

// NewPollerManager wires a poller manager.
func NewPollerManager(backend ProgressSource, status StatusTransitioner, hub *Hub, logger *zap.Logger, metrics *observability.Metrics, interval time.Duration) *PollerManager {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollerManager{
		backend:  backend,
		status:   status,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		watchers: make(map[string]*watchHandle),
	}
}

// OnCompleted registers a hook invoked after a watched task completes.
func (m *PollerManager) OnCompleted(hook func(ctx context.Context, runID string)) {
	m.onCompleted = hook
}

// Watch starts following a task for a run, replacing any loop already
// following an earlier task for the same run.
func (m *PollerManager) Watch(runID, taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &watchHandle{cancel: cancel}

	m.mu.Lock()
	if prev, ok := m.watchers[runID]; ok {
		prev.cancel()
	}
	m.watchers[runID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.ActivePollers.Inc()
	}
	go func() {
		defer m.wg.Done()
		defer func() {
			if m.metrics != nil {
				m.metrics.ActivePollers.Dec()
			}
			m.mu.Lock()
			if m.watchers[runID] == handle {
				delete(m.watchers, runID)
			}
			m.mu.Unlock()
			cancel()
		}()
		m.poll(ctx, runID, taskID)
	}()
}

// Stop cancels every polling loop and waits for them to exit.
func (m *PollerManager) Stop() {
	m.mu.Lock()
	for _, h := range m.watchers {
		h.cancel()
	}
	m.watchers = make(map[string]*watchHandle)
	m.mu.Unlock()
	m.wg.Wait()
}

// poll is the per-task loop. The status check runs inline in the tick arm,
// so a slow check simply delays the next tick: checks never overlap.
func (m *PollerManager) poll(ctx context.Context, runID, taskID string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress, err := m.backend.CalculationStatus(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if m.metrics != nil {
					m.metrics.PollerTicksTotal.WithLabelValues("error").Inc()
				}
				m.logger.Warn("calculation status check failed",
					zap.String("run_id", runID),
					zap.String("task_id", taskID),
					zap.Int("consecutive_failures", failures),
					zap.Error(err),
				)
				if failures >= pollFailureLimit {
					m.onFailed(ctx, runID, taskID,
						"calculation progress could not be retrieved: "+err.Error())
					return
				}
				continue
			}
			failures = 0
			progress.TaskID = taskID

			if !m.hub.Publish(runID, progress) {
				// A newer task took over this run; this loop is stale.
				if m.metrics != nil {
					m.metrics.PollerTicksTotal.WithLabelValues("superseded").Inc()
				}
				m.logger.Info("dropping progress for superseded task",
					zap.String("run_id", runID),
					zap.String("task_id", taskID),
				)
				return
			}
			if m.metrics != nil {
				m.metrics.PollerTicksTotal.WithLabelValues("ok").Inc()
			}

			switch progress.Status {
			case model.TaskStatusCompleted:
				m.onCompletedTask(ctx, runID, taskID, progress)
				return
			case model.TaskStatusFailed:
				m.onFailed(ctx, runID, taskID, progress.ErrorMessage)
				return
			}
		}
	}
}

// onCompletedTask advances the workflow once the primary engine reports the
// task done: auto calculation completes and period review opens.
func (m *PollerManager) onCompletedTask(ctx context.Context, runID, taskID string, progress model.CalculationProgress) {
	if _, err := m.status.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Status: model.StepStatusCompleted,
		Data: map[string]any{
			"engine":          "primary",
			"task_id":         taskID,
			"total_entries":   progress.TotalEmployees,
			"processed":       progress.ProcessedEmployees,
			"completed_at":    time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		m.logger.Error("calculation completion transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	if _, err := m.status.Transition(ctx, runID, model.StepPeriodReview, model.StepUpdate{
		Status: model.StepStatusInProgress,
		Data:   map[string]any{"started_at": time.Now().UTC().Format(time.RFC3339)},
	}); err != nil {
		m.logger.Error("period review transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}

	m.logger.Info("calculation task completed",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
	)
	if m.onCompleted != nil {
		m.onCompleted(ctx, runID)
	}
}

// onFailed marks the auto calculation step failed, carrying the engine's
// error message through unchanged. Later steps are left untouched.
func (m *PollerManager) onFailed(ctx context.Context, runID, taskID, errorMessage string) {
	if _, err := m.status.Transition(ctx, runID, model.StepAutoCalculation, model.StepUpdate{
		Status: model.StepStatusFailed,
		Data: map[string]any{
			"engine":        "primary",
			"task_id":       taskID,
			"error_message": errorMessage,
		},
	}); err != nil {
		m.logger.Error("calculation failure transition failed",
			zap.String("run_id", runID), zap.Error(err))
	}
	m.logger.Error("calculation task failed",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.String("error", errorMessage),
	)
}
