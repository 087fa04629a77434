package calculation

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hrsuite/payrun/model"
)

func TestPercentCompleteRoundsToNearest(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{3, 8, 38},
		{1, 1000, 0},
		{999, 1000, 100},
		{5, 5, 100},
	}
	for _, tc := range cases {
		if got := percentComplete(tc.processed, tc.total); got != tc.want {
			t.Errorf("percentComplete(%d, %d) = %d, want %d", tc.processed, tc.total, got, tc.want)
		}
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// mockEntrySource pages over a fixed entry list and records writes.
type mockEntrySource struct {
	mu        sync.Mutex
	entries   []model.PayrollEntry
	listErr   error
	updateErr map[string]error // entry ID -> error
	updated   []model.PayrollEntry
}

func (m *mockEntrySource) ListEntries(_ context.Context, _ string, page, size int) (model.EntryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return model.EntryPage{}, m.listErr
	}
	start := (page - 1) * size
	if start > len(m.entries) {
		start = len(m.entries)
	}
	end := start + size
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return model.EntryPage{
		Entries: m.entries[start:end],
		Total:   len(m.entries),
		Page:    page,
		Size:    size,
	}, nil
}

func (m *mockEntrySource) UpdateEntry(_ context.Context, entry model.PayrollEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr[entry.ID]; err != nil {
		return err
	}
	m.updated = append(m.updated, entry)
	return nil
}

// mockTransitioner records workflow transitions.
type mockTransitioner struct {
	mu          sync.Mutex
	transitions []recordedTransition
}

type recordedTransition struct {
	RunID   string
	StepKey string
	Update  model.StepUpdate
}

func (m *mockTransitioner) Transition(_ context.Context, runID, stepKey string, upd model.StepUpdate) (model.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, recordedTransition{RunID: runID, StepKey: stepKey, Update: upd})
	return model.TransitionResult{}, nil
}

func (m *mockTransitioner) find(stepKey, status string) *recordedTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transitions {
		tr := &m.transitions[i]
		if tr.StepKey == stepKey && tr.Update.Status == status {
			return tr
		}
	}
	return nil
}

func testEntry(id, employee string) model.PayrollEntry {
	return model.PayrollEntry{
		ID:           id,
		EmployeeID:   employee,
		EmployeeName: "Employee " + employee,
		Earnings: map[string]model.PayComponent{
			"base":  {Amount: dec("1000")},
			"bonus": {Amount: dec("500")},
		},
		Deductions: map[string]model.PayComponent{
			"tax": {Amount: dec("300")},
		},
	}
}

func runEngine(t *testing.T, source *mockEntrySource, pageSize int) (*mockTransitioner, *Hub, string) {
	t.Helper()
	status := &mockTransitioner{}
	hub := NewHub()
	engine := NewFallbackEngine(source, status, hub, zap.NewNop(), nil, pageSize, 5)

	taskID := model.TaskPrefixFallback + "test"
	hub.Activate("run-1", taskID)
	engine.Run(context.Background(), "run-1", taskID, []string{"gross", "net"})
	return status, hub, taskID
}

func TestEngineRecomputesAndWritesEntries(t *testing.T) {
	source := &mockEntrySource{entries: []model.PayrollEntry{
		testEntry("e-1", "emp-1"),
		testEntry("e-2", "emp-2"),
	}}

	status, hub, taskID := runEngine(t, source, 10)

	if len(source.updated) != 2 {
		t.Fatalf("updated %d entries, want 2", len(source.updated))
	}
	for _, entry := range source.updated {
		if got := entry.GrossPay.StringFixed(2); got != "1500.00" {
			t.Errorf("GrossPay = %s, want 1500.00", got)
		}
		if got := entry.TotalDeductions.StringFixed(2); got != "300.00" {
			t.Errorf("TotalDeductions = %s, want 300.00", got)
		}
		if got := entry.NetPay.StringFixed(2); got != "1200.00" {
			t.Errorf("NetPay = %s, want 1200.00", got)
		}
	}

	completed := status.find(model.StepAutoCalculation, model.StepStatusCompleted)
	if completed == nil {
		t.Fatal("auto_calculation was not completed")
	}
	if completed.Update.Data["total_entries"] != 2 || completed.Update.Data["successful_entries"] != 2 {
		t.Errorf("completion data = %+v", completed.Update.Data)
	}
	if status.find(model.StepPeriodReview, model.StepStatusInProgress) == nil {
		t.Error("period_review should auto-advance to in_progress")
	}

	progress, ok := hub.Latest("run-1")
	if !ok || progress.Status != model.TaskStatusCompleted || progress.ProgressPercentage != 100 {
		t.Errorf("final progress = %+v", progress)
	}
	if progress.TaskID != taskID {
		t.Errorf("TaskID = %q", progress.TaskID)
	}
}

func TestEnginePagesThroughEntries(t *testing.T) {
	entries := make([]model.PayrollEntry, 5)
	for i := range entries {
		entries[i] = testEntry("e-"+string(rune('a'+i)), "emp")
	}
	source := &mockEntrySource{entries: entries}

	_, hub, _ := runEngine(t, source, 2)

	if len(source.updated) != 5 {
		t.Errorf("updated %d entries across pages, want 5", len(source.updated))
	}
	progress, _ := hub.Latest("run-1")
	if progress.ProcessedEmployees != 5 || progress.TotalEmployees != 5 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestEnginePartialFailuresStillComplete(t *testing.T) {
	source := &mockEntrySource{
		entries: []model.PayrollEntry{
			testEntry("e-1", "emp-1"),
			testEntry("e-2", "emp-2"),
			testEntry("e-3", "emp-3"),
		},
		updateErr: map[string]error{"e-2": model.NewBackendUnavailableError()},
	}

	status, hub, _ := runEngine(t, source, 10)

	completed := status.find(model.StepAutoCalculation, model.StepStatusCompleted)
	if completed == nil {
		t.Fatal("partial failures must not fail the step")
	}
	if completed.Update.Data["partial_failures"] != 1 {
		t.Errorf("partial_failures = %v, want 1", completed.Update.Data["partial_failures"])
	}
	if completed.Update.Data["successful_entries"] != 2 {
		t.Errorf("successful_entries = %v, want 2", completed.Update.Data["successful_entries"])
	}

	progress, _ := hub.Latest("run-1")
	if progress.Status != model.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", progress.Status)
	}
}

func TestEngineInvalidEntryCountsAsFailure(t *testing.T) {
	bad := testEntry("e-bad", "emp-bad")
	bad.Earnings["base"] = model.PayComponent{Amount: dec("-5")}
	source := &mockEntrySource{entries: []model.PayrollEntry{bad}}

	status, _, _ := runEngine(t, source, 10)

	if len(source.updated) != 0 {
		t.Error("invalid entry must not be written back")
	}
	completed := status.find(model.StepAutoCalculation, model.StepStatusCompleted)
	if completed == nil || completed.Update.Data["partial_failures"] != 1 {
		t.Errorf("expected one partial failure, got %+v", completed)
	}
}

func TestEngineFailsWhenEntriesCannotLoad(t *testing.T) {
	source := &mockEntrySource{listErr: model.NewBackendUnavailableError()}

	status, hub, _ := runEngine(t, source, 10)

	failed := status.find(model.StepAutoCalculation, model.StepStatusFailed)
	if failed == nil {
		t.Fatal("auto_calculation should be failed")
	}
	if failed.Update.Data["error_message"] == "" {
		t.Error("failure should carry an error message")
	}
	if status.find(model.StepPeriodReview, model.StepStatusInProgress) != nil {
		t.Error("period_review must not start after a failure")
	}

	progress, _ := hub.Latest("run-1")
	if progress.Status != model.TaskStatusFailed {
		t.Errorf("task status = %q, want failed", progress.Status)
	}
}

func TestEngineEmptyRunCompletesImmediately(t *testing.T) {
	source := &mockEntrySource{}

	status, hub, _ := runEngine(t, source, 10)

	completed := status.find(model.StepAutoCalculation, model.StepStatusCompleted)
	if completed == nil || completed.Update.Data["total_entries"] != 0 {
		t.Errorf("empty run should complete with zero entries, got %+v", completed)
	}
	progress, _ := hub.Latest("run-1")
	if progress.Status != model.TaskStatusCompleted {
		t.Errorf("task status = %q", progress.Status)
	}
}
