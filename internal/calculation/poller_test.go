package calculation

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/model"
)

// mockProgressSource serves a scripted sequence of progress snapshots and
// then repeats the last one.
type mockProgressSource struct {
	mu  sync.Mutex
	seq []progressStep
	idx int
}

type progressStep struct {
	progress model.CalculationProgress
	err      error
}

func (m *mockProgressSource) CalculationStatus(_ context.Context, _ string) (model.CalculationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step := m.seq[m.idx]
	if m.idx < len(m.seq)-1 {
		m.idx++
	}
	return step.progress, step.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestPoller(source *mockProgressSource, status *mockTransitioner, hub *Hub) *PollerManager {
	return NewPollerManager(source, status, hub, zap.NewNop(), nil, 10*time.Millisecond)
}

func TestPollerCompletedTaskAdvancesWorkflow(t *testing.T) {
	source := &mockProgressSource{seq: []progressStep{
		{progress: model.CalculationProgress{Status: model.TaskStatusProcessing, ProgressPercentage: 50, TotalEmployees: 4, ProcessedEmployees: 2}},
		{progress: model.CalculationProgress{Status: model.TaskStatusCompleted, ProgressPercentage: 100, TotalEmployees: 4, ProcessedEmployees: 4}},
	}}
	status := &mockTransitioner{}
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	var reloaded sync.WaitGroup
	reloaded.Add(1)
	m := newTestPoller(source, status, hub)
	m.OnCompleted(func(_ context.Context, runID string) {
		if runID == "run-1" {
			reloaded.Done()
		}
	})
	defer m.Stop()

	m.Watch("run-1", "task-1")

	waitFor(t, time.Second, func() bool {
		return status.find(model.StepAutoCalculation, model.StepStatusCompleted) != nil
	})
	if status.find(model.StepPeriodReview, model.StepStatusInProgress) == nil {
		t.Error("period_review should open after completion")
	}
	reloaded.Wait()

	progress, _ := hub.Latest("run-1")
	if progress.Status != model.TaskStatusCompleted {
		t.Errorf("final progress = %+v", progress)
	}
}

func TestPollerFailedTaskCarriesMessageVerbatim(t *testing.T) {
	source := &mockProgressSource{seq: []progressStep{
		{progress: model.CalculationProgress{
			Status:       model.TaskStatusFailed,
			ErrorMessage: "employee 42 has no salary structure",
		}},
	}}
	status := &mockTransitioner{}
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	m := newTestPoller(source, status, hub)
	defer m.Stop()
	m.Watch("run-1", "task-1")

	waitFor(t, time.Second, func() bool {
		return status.find(model.StepAutoCalculation, model.StepStatusFailed) != nil
	})

	failed := status.find(model.StepAutoCalculation, model.StepStatusFailed)
	if failed.Update.Data["error_message"] != "employee 42 has no salary structure" {
		t.Errorf("error_message = %v, want the engine's message unchanged", failed.Update.Data["error_message"])
	}
	if status.find(model.StepPeriodReview, model.StepStatusInProgress) != nil {
		t.Error("period_review must not start after a failure")
	}
}

func TestPollerStopsWhenTaskSuperseded(t *testing.T) {
	source := &mockProgressSource{seq: []progressStep{
		{progress: model.CalculationProgress{Status: model.TaskStatusProcessing, ProgressPercentage: 10}},
	}}
	status := &mockTransitioner{}
	hub := NewHub()
	hub.Activate("run-1", "task-old")

	m := newTestPoller(source, status, hub)
	defer m.Stop()
	m.Watch("run-1", "task-old")

	waitFor(t, time.Second, func() bool {
		p, ok := hub.Latest("run-1")
		return ok && p.ProgressPercentage == 10
	})

	// A new task takes over; the old loop's next publish is rejected and
	// the loop exits without touching the workflow.
	hub.Activate("run-1", "task-new")

	waitFor(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.watchers) == 0
	})
	if status.find(model.StepAutoCalculation, model.StepStatusFailed) != nil {
		t.Error("a superseded poller must not fail the step")
	}
}

func TestPollerToleratesTransientCheckFailures(t *testing.T) {
	source := &mockProgressSource{seq: []progressStep{
		{err: model.NewBackendUnavailableError()},
		{err: model.NewBackendTimeoutError()},
		{progress: model.CalculationProgress{Status: model.TaskStatusCompleted, ProgressPercentage: 100}},
	}}
	status := &mockTransitioner{}
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	m := newTestPoller(source, status, hub)
	defer m.Stop()
	m.Watch("run-1", "task-1")

	waitFor(t, time.Second, func() bool {
		return status.find(model.StepAutoCalculation, model.StepStatusCompleted) != nil
	})
}

func TestPollerGivesUpAfterConsecutiveFailures(t *testing.T) {
	source := &mockProgressSource{seq: []progressStep{
		{err: model.NewBackendUnavailableError()},
	}}
	status := &mockTransitioner{}
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	m := newTestPoller(source, status, hub)
	defer m.Stop()
	m.Watch("run-1", "task-1")

	waitFor(t, 2*time.Second, func() bool {
		return status.find(model.StepAutoCalculation, model.StepStatusFailed) != nil
	})
}
