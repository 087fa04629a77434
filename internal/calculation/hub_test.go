package calculation

import (
	"testing"

	"github.com/hrsuite/payrun/model"
)

func TestHubDiscardsSupersededTask(t *testing.T) {
	hub := NewHub()
	hub.Activate("run-1", "task-old")
	superseded := hub.Activate("run-1", "task-new")

	if superseded != "task-old" {
		t.Errorf("superseded = %q, want task-old", superseded)
	}
	if hub.Publish("run-1", model.CalculationProgress{TaskID: "task-old", Status: model.TaskStatusProcessing, ProgressPercentage: 50}) {
		t.Error("stale task update should be discarded")
	}
	if !hub.Publish("run-1", model.CalculationProgress{TaskID: "task-new", Status: model.TaskStatusProcessing, ProgressPercentage: 10}) {
		t.Error("active task update should be accepted")
	}

	progress, ok := hub.Latest("run-1")
	if !ok || progress.TaskID != "task-new" || progress.ProgressPercentage != 10 {
		t.Errorf("Latest = %+v", progress)
	}
}

func TestHubClampsRegressingPercentage(t *testing.T) {
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	hub.Publish("run-1", model.CalculationProgress{TaskID: "task-1", Status: model.TaskStatusProcessing, ProgressPercentage: 60})
	hub.Publish("run-1", model.CalculationProgress{TaskID: "task-1", Status: model.TaskStatusProcessing, ProgressPercentage: 40})

	progress, _ := hub.Latest("run-1")
	if progress.ProgressPercentage != 60 {
		t.Errorf("percentage = %d, want clamped to 60", progress.ProgressPercentage)
	}

	// Terminal updates are never clamped.
	hub.Publish("run-1", model.CalculationProgress{TaskID: "task-1", Status: model.TaskStatusFailed, ProgressPercentage: 0})
	progress, _ = hub.Latest("run-1")
	if progress.Status != model.TaskStatusFailed || progress.ProgressPercentage != 0 {
		t.Errorf("terminal progress = %+v", progress)
	}
}

func TestHubSubscribeReceivesUpdates(t *testing.T) {
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	ch := hub.Subscribe("run-1")
	defer hub.Unsubscribe("run-1", ch)

	hub.Publish("run-1", model.CalculationProgress{TaskID: "task-1", Status: model.TaskStatusProcessing, ProgressPercentage: 25})

	select {
	case p := <-ch:
		if p.ProgressPercentage != 25 {
			t.Errorf("received %+v", p)
		}
	default:
		t.Fatal("subscriber did not receive the update")
	}
}

func TestHubUnsubscribeDuringPublish(t *testing.T) {
	hub := NewHub()
	hub.Activate("run-1", "task-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish("run-1", model.CalculationProgress{
				TaskID:             "task-1",
				Status:             model.TaskStatusProcessing,
				ProgressPercentage: i % 100,
			})
		}
	}()

	// Subscribers churn while the publisher runs; closing a channel must
	// never race a send into it.
	for i := 0; i < 200; i++ {
		ch := hub.Subscribe("run-1")
		hub.Unsubscribe("run-1", ch)
	}
	<-done
}

func TestHubLatestUnknownRun(t *testing.T) {
	hub := NewHub()
	if _, ok := hub.Latest("run-unknown"); ok {
		t.Error("unknown run should have no progress")
	}
}
