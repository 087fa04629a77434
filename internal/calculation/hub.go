// Package calculation dispatches payroll calculation work to the
// collaborator's engine with a local fallback, polls primary task progress,
// and fans progress updates out to interested readers.
package calculation

import (
	"sync"

	"github.com/hrsuite/payrun/model"
)

// Hub tracks the active calculation task per run and holds the latest
// progress snapshot for it. Updates from superseded tasks are discarded, and
// the progress percentage of the active task never moves backwards while it
// is processing.
type Hub struct {
	mu     sync.Mutex
	active map[string]string                    // run ID -> active task ID
	latest map[string]model.CalculationProgress // run ID -> latest snapshot
	subs   map[string]map[chan model.CalculationProgress]struct{}
}

// NewHub creates an empty progress hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]string),
		latest: make(map[string]model.CalculationProgress),
		subs:   make(map[string]map[chan model.CalculationProgress]struct{}),
	}
}

// Activate records taskID as the active task for a run and returns the task
// it superseded, if any. Progress for the previous task is dropped from then
// on.
func (h *Hub) Activate(runID, taskID string) (superseded string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	superseded = h.active[runID]
	h.active[runID] = taskID
	h.latest[runID] = model.CalculationProgress{
		TaskID: taskID,
		Status: model.TaskStatusPending,
	}
	return superseded
}

// Publish records a progress snapshot for a run. It reports false when the
// update belongs to a task that is no longer active for the run. While the
// task is processing, a percentage lower than the last published one is
// clamped so readers never see progress move backwards.
func (h *Hub) Publish(runID string, p model.CalculationProgress) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active[runID] != p.TaskID {
		return false
	}
	if prev, ok := h.latest[runID]; ok && prev.TaskID == p.TaskID &&
		!p.Terminal() && p.ProgressPercentage < prev.ProgressPercentage {
		p.ProgressPercentage = prev.ProgressPercentage
	}
	h.latest[runID] = p

	// Sends stay under the lock: Unsubscribe closes channels under the same
	// lock, and the buffered channels keep the sends from blocking.
	for ch := range h.subs[runID] {
		select {
		case ch <- p:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return true
}

// Latest returns the newest progress snapshot for a run.
func (h *Hub) Latest(runID string) (model.CalculationProgress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.latest[runID]
	return p, ok
}

// ActiveTask returns the task currently active for a run.
func (h *Hub) ActiveTask(runID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.active[runID]
	return id, ok
}

// Subscribe returns a channel receiving progress snapshots for a run. The
// channel is buffered; updates are dropped for subscribers that fall behind.
func (h *Hub) Subscribe(runID string) chan model.CalculationProgress {
	ch := make(chan model.CalculationProgress, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan model.CalculationProgress]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(runID string, ch chan model.CalculationProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[runID]; ok {
		if _, member := set[ch]; member {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
}
