package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/config"
	"github.com/hrsuite/payrun/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.BackendConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100, // keep the breaker out of these tests
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	return New(cfg, zap.NewNop(), nil)
}

func TestListPeriodsDecodesResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payroll-periods" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]model.PayrollPeriod{
			{ID: "p-1", Name: "January 2026", Status: model.PeriodStatusClosed},
			{ID: "p-2", Name: "February 2026", Status: model.PeriodStatusActive},
		})
	}))

	periods, err := c.ListPeriods(context.Background())
	if err != nil {
		t.Fatalf("ListPeriods() error: %v", err)
	}
	if len(periods) != 2 || periods[0].ID != "p-1" {
		t.Errorf("unexpected periods: %+v", periods)
	}
}

func TestRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]model.PayrollPeriod{})
	}))

	if _, err := c.ListPeriods(context.Background()); err != nil {
		t.Fatalf("ListPeriods() error after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestDoesNotRetryCreationByDefault(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.CreateRun(context.Background(), model.PayrollRun{PayrollPeriodID: "p-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("POST retried %d times; creation must not be blindly retried", got-1)
	}
}

func TestDoesNotRetryCallerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "period is closed"},
		})
	}))

	err := c.UpdatePeriodStatus(context.Background(), "p-1", model.PeriodStatusActive)
	if model.CodeOf(err) != model.ErrConflict {
		t.Fatalf("CodeOf = %q, want CONFLICT", model.CodeOf(err))
	}
	if err.Error() != "CONFLICT: period is closed" {
		t.Errorf("backend error message not carried through: %v", err)
	}
	if calls.Load() != 1 {
		t.Error("4xx responses must not be retried")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusNotFound, model.ErrNotFound},
		{http.StatusBadRequest, model.ErrBadRequest},
		{http.StatusUnprocessableEntity, model.ErrBadRequest},
		{http.StatusConflict, model.ErrConflict},
		{http.StatusGatewayTimeout, model.ErrBackendTimeout},
		{http.StatusInternalServerError, model.ErrBackendUnavailable},
	}
	for _, tc := range cases {
		status := tc.status
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := c.CalculationSummary(context.Background(), "run-1")
		if got := model.CodeOf(err); got != tc.code {
			t.Errorf("status %d mapped to %q, want %q", tc.status, got, tc.code)
		}
	}
}

func TestGetWorkflowStatusMissingIsNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, found, err := c.GetWorkflowStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetWorkflowStatus() error: %v", err)
	}
	if found {
		t.Error("found = true for a 404")
	}
}

func TestTriggerCalculationReturnsTaskID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["payroll_run_id"] != "run-1" {
			t.Errorf("payroll_run_id = %v", req["payroll_run_id"])
		}
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-42"})
	}))

	taskID, err := c.TriggerCalculation(context.Background(), "run-1", []string{"gross", "net"})
	if err != nil {
		t.Fatalf("TriggerCalculation() error: %v", err)
	}
	if taskID != "task-42" {
		t.Errorf("taskID = %q", taskID)
	}
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.BackendConfig{
		BaseURL: srv.URL,
		Retry:   config.RetryConfig{MaxAttempts: 1},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	c := New(cfg, zap.NewNop(), nil)

	ctx := context.Background()
	c.ListPeriods(ctx)
	c.ListPeriods(ctx)
	before := calls.Load()

	_, err := c.ListPeriods(ctx)
	if model.CodeOf(err) != model.ErrBackendUnavailable {
		t.Fatalf("CodeOf = %q, want BACKEND_UNAVAILABLE", model.CodeOf(err))
	}
	if calls.Load() != before {
		t.Error("open breaker should not let requests reach the backend")
	}
}
