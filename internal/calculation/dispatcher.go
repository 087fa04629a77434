package calculation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// Trigger is the slice of the backend client the dispatcher uses.
type Trigger interface {
	TriggerCalculation(ctx context.Context, runID string, modules []string) (string, error)
}

// FallbackRunner executes a calculation locally when the primary engine is
// unreachable.
type FallbackRunner interface {
	Run(ctx context.Context, runID, taskID string, modules []string)
}

// Watcher follows a primary task's progress until it finishes.
type Watcher interface {
	Watch(runID, taskID string)
}

// Dispatcher hands calculation work to the collaborator's engine and falls
// back to the local summation engine when the trigger fails for any reason.
// Fallback is deliberately broad: a period must never be blocked on the
// calculation backend being down.
type Dispatcher struct {
	backend  Trigger
	fallback FallbackRunner
	watcher  Watcher
	hub      *Hub
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(backend Trigger, fallback FallbackRunner, watcher Watcher, hub *Hub, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		backend:  backend,
		fallback: fallback,
		watcher:  watcher,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
	}
}

// Dispatch triggers a calculation for a run. On success the returned outcome
// names the primary task and a poller follows it; on any trigger failure a
// local task is started instead and the outcome carries its ID. The task
// registered last supersedes any earlier task for the same run.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, modules []string) (model.CalculationOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.Dispatch",
		observability.AttrRunID.String(runID))
	defer span.End()

	taskID, err := d.backend.TriggerCalculation(ctx, runID, modules)
	if err == nil {
		if superseded := d.hub.Activate(runID, taskID); superseded != "" {
			d.logger.Info("calculation task superseded",
				zap.String("run_id", runID),
				zap.String("task_id", taskID),
				zap.String("superseded_task_id", superseded),
			)
		}
		d.watcher.Watch(runID, taskID)
		if d.metrics != nil {
			d.metrics.CalculationDispatchesTotal.WithLabelValues(model.RoutePrimary).Inc()
		}
		span.SetAttributes(
			observability.AttrTaskID.String(taskID),
			observability.AttrRoute.String(model.RoutePrimary),
		)
		return model.Dispatched(taskID), nil
	}

	d.logger.Warn("primary calculation trigger failed, starting local fallback",
		zap.String("run_id", runID), zap.Error(err))

	taskID = model.TaskPrefixFallback + uuid.NewString()
	if superseded := d.hub.Activate(runID, taskID); superseded != "" {
		d.logger.Info("calculation task superseded",
			zap.String("run_id", runID),
			zap.String("task_id", taskID),
			zap.String("superseded_task_id", superseded),
		)
	}
	// The fallback run outlives the dispatching request.
	go d.fallback.Run(context.WithoutCancel(ctx), runID, taskID, modules)
	if d.metrics != nil {
		d.metrics.CalculationDispatchesTotal.WithLabelValues(model.RouteFallback).Inc()
	}
	span.SetAttributes(
		observability.AttrTaskID.String(taskID),
		observability.AttrRoute.String(model.RouteFallback),
	)
	return model.FallbackStarted(taskID), nil
}
