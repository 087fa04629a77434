package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/config"
	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/model"
)

// maxResponseBytes bounds backend response bodies read into memory.
const maxResponseBytes = 10 << 20

// Client is the typed client for the persistence collaborator's REST API.
// All calls go through a shared circuit breaker and a retry policy that, by
// default, only retries idempotent methods; POST creation endpoints are
// never blindly retried.
type Client struct {
	baseURL string
	http    *http.Client
	retry   config.RetryConfig
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig, logger *zap.Logger, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		retry:   cfg.Retry,
		breaker: NewBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
			cfg.CircuitBreaker.ErrorRateThreshold,
			cfg.CircuitBreaker.ErrorRateWindow,
		),
		logger:  logger,
		metrics: metrics,
	}
}

// --- Period and run endpoints ---

// ListPeriods fetches all payroll periods.
func (c *Client) ListPeriods(ctx context.Context) ([]model.PayrollPeriod, error) {
	var periods []model.PayrollPeriod
	err := c.do(ctx, "list_periods", http.MethodGet, "/payroll-periods", nil, nil, &periods)
	return periods, err
}

// UpdatePeriodStatus sets the status of a period (e.g. marking it active
// when a workflow starts).
func (c *Client) UpdatePeriodStatus(ctx context.Context, periodID, status string) error {
	body := map[string]string{"status": status}
	return c.do(ctx, "update_period", http.MethodPatch, "/payroll-periods/"+url.PathEscape(periodID), nil, body, nil)
}

// ListRuns fetches the runs for a period, newest first.
func (c *Client) ListRuns(ctx context.Context, periodID string) ([]model.PayrollRun, error) {
	q := url.Values{"period_id": {periodID}}
	var runs []model.PayrollRun
	err := c.do(ctx, "list_runs", http.MethodGet, "/payroll-runs", q, nil, &runs)
	return runs, err
}

// CreateRun creates a new payroll run for a period. Creation is not retried
// on transient failure; callers must re-issue deliberately.
func (c *Client) CreateRun(ctx context.Context, run model.PayrollRun) (model.PayrollRun, error) {
	body := map[string]any{
		"payroll_period_id": run.PayrollPeriodID,
		"run_date":          run.RunDate,
		"status":            run.Status,
		"notes":             run.Notes,
	}
	var created model.PayrollRun
	err := c.do(ctx, "create_run", http.MethodPost, "/payroll-runs", nil, body, &created)
	return created, err
}

// --- Entry endpoints ---

// ListEntries fetches one page of payroll entries for a run.
func (c *Client) ListEntries(ctx context.Context, runID string, page, size int) (model.EntryPage, error) {
	q := url.Values{
		"payroll_run_id": {runID},
		"page":           {strconv.Itoa(page)},
		"size":           {strconv.Itoa(size)},
	}
	var result model.EntryPage
	err := c.do(ctx, "list_entries", http.MethodGet, "/payroll-entries", q, nil, &result)
	return result, err
}

// UpdateEntry persists an entry's derived totals and/or component maps.
func (c *Client) UpdateEntry(ctx context.Context, entry model.PayrollEntry) error {
	return c.do(ctx, "update_entry", http.MethodPut, "/payroll-entries/"+url.PathEscape(entry.ID), nil, entry, nil)
}

// CopyFromPeriod bulk-copies entries from a source period into the target
// period. Per-employee failures are non-fatal and come back in the result.
func (c *Client) CopyFromPeriod(ctx context.Context, targetPeriodID, sourcePeriodID string) (model.CopyResult, error) {
	body := map[string]string{"target_period_id": targetPeriodID}
	if sourcePeriodID != "" {
		body["source_period_id"] = sourcePeriodID
	}
	var result model.CopyResult
	err := c.do(ctx, "copy_from_period", http.MethodPost, "/payroll-entries/copy-from-period", nil, body, &result)
	return result, err
}

// --- Calculation endpoints ---

// TriggerCalculation asks the primary calculation engine to start a task.
func (c *Client) TriggerCalculation(ctx context.Context, runID string, modules []string) (string, error) {
	body := map[string]any{
		"payroll_run_id":     runID,
		"calculation_config": map[string]any{"modules": modules},
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, "trigger_calculation", http.MethodPost, "/payroll/calculation/trigger", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", model.NewBackendUnavailableError()
	}
	return resp.TaskID, nil
}

// CalculationStatus fetches the progress of a calculation task.
func (c *Client) CalculationStatus(ctx context.Context, taskID string) (model.CalculationProgress, error) {
	var progress model.CalculationProgress
	err := c.do(ctx, "calculation_status", http.MethodGet, "/payroll/calculation/status/"+url.PathEscape(taskID), nil, nil, &progress)
	return progress, err
}

// CalculationSummary fetches the aggregate totals for a run.
func (c *Client) CalculationSummary(ctx context.Context, runID string) (map[string]any, error) {
	var summary map[string]any
	err := c.do(ctx, "calculation_summary", http.MethodGet, "/payroll/calculation/summary/"+url.PathEscape(runID), nil, nil, &summary)
	return summary, err
}

// --- Workflow status endpoints ---

// GetWorkflowStatus fetches the persisted workflow status for a run.
// A missing record is not an error: found is false and the caller
// initializes a fresh status.
func (c *Client) GetWorkflowStatus(ctx context.Context, runID string) (model.WorkflowStatus, bool, error) {
	var ws model.WorkflowStatus
	err := c.do(ctx, "get_workflow_status", http.MethodGet, "/payroll-runs/"+url.PathEscape(runID)+"/workflow-status", nil, nil, &ws)
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			return model.WorkflowStatus{}, false, nil
		}
		return model.WorkflowStatus{}, false, err
	}
	return ws, true, nil
}

// PatchWorkflowStatus merges a workflow status into the persisted record.
func (c *Client) PatchWorkflowStatus(ctx context.Context, runID string, ws model.WorkflowStatus) error {
	return c.do(ctx, "patch_workflow_status", http.MethodPatch, "/payroll-runs/"+url.PathEscape(runID)+"/workflow-status", nil, ws, nil)
}

// --- Export endpoint ---

// Export streams a binary report artifact for a run. kind is one of
// detail, summary, or bank. The caller must close the returned reader.
func (c *Client) Export(ctx context.Context, runID, kind string) (io.ReadCloser, string, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, "", err
	}
	reqURL := c.baseURL + "/payroll-runs/" + url.PathEscape(runID) + "/export/" + url.PathEscape(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("backend: build export request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, "", classifyTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		c.recordOutcome(resp.StatusCode)
		return nil, "", statusError(resp.StatusCode, nil)
	}
	c.breaker.RecordSuccess()
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// HealthCheck probes the backend by listing periods.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListPeriods(ctx)
	return err
}

// --- request plumbing ---

// do executes one backend call with retry, backoff, and circuit breaker
// protection, decoding a JSON 2xx response into out when out is non-nil.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	start := time.Now()
	err := c.doWithRetry(ctx, method, path, query, body, out)
	if c.metrics != nil {
		c.metrics.BackendRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = model.CodeOf(err)
		}
		c.metrics.BackendRequestsTotal.WithLabelValues(operation, status).Inc()
		c.metrics.BackendCircuitBreakerState.Set(float64(c.breaker.State()))
	}
	return err
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal body: %w", err)
		}
	}

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnlyEnabled()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.BackendRetriesTotal.Inc()
			}
			delay := c.backoff(attempt)
			select {
			case <-ctx.Done():
				return model.NewBackendTimeoutError()
			case <-time.After(delay):
			}
		}

		err := c.executeOnce(ctx, method, path, query, bodyBytes, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !canRetry || !isRetryable(err) {
			return err
		}
		c.logger.Debug("backend: retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

func (c *Client) executeOnce(ctx context.Context, method, path string, query url.Values, bodyBytes []byte, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if bodyBytes != nil {
		reqBody = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("backend: read response: %w", err)
	}

	c.recordOutcome(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("backend: decode response: %w", err)
		}
	}
	return nil
}

// recordOutcome feeds the breaker: 5xx are infrastructure failures, 4xx are
// the caller's problem and leave the breaker alone, 2xx/3xx are successes.
func (c *Client) recordOutcome(statusCode int) {
	switch {
	case statusCode >= 500:
		c.breaker.RecordFailure()
	case statusCode < 400:
		c.breaker.RecordSuccess()
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	initial := c.retry.BackoffInitial
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	multiplier := c.retry.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2.0
	}
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	delay := time.Duration(d)
	if max := c.retry.BackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// --- error classification ---

// backendErrorBody is the error envelope shape the collaborator returns.
type backendErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(statusCode int, respBody []byte) error {
	msg := http.StatusText(statusCode)
	var parsed backendErrorBody
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch {
	case statusCode == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case statusCode == http.StatusConflict:
		return model.NewConflictError(msg)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return model.NewBadRequestError(msg)
	case statusCode == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case statusCode >= 500:
		return model.NewBackendUnavailableError()
	default:
		return &model.ErrorEnvelope{Code: model.ErrInternalError, Message: msg}
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewBackendTimeoutError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError()
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError()
	}
	return model.NewBackendUnavailableError()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func isRetryable(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrBackendUnavailable, model.ErrBackendTimeout:
		return true
	default:
		return false
	}
}
