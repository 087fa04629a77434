// Package backend is the typed HTTP client for the payroll persistence
// collaborator: the REST service that owns periods, runs, entries, workflow
// status, and calculation tasks.
package backend

import (
	"sync"
	"time"

	"github.com/hrsuite/payrun/model"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of requests in a window before
// the error rate threshold is evaluated. This prevents tripping on very
// few requests (e.g. 1 failure out of 1 total = 100% but not meaningful).
const minErrorRateSamples = 10

// Breaker is a circuit breaker with three states: Closed → Open → HalfOpen.
// It trips on either a run of consecutive failures or the error rate within
// a tumbling window, and closes again after enough consecutive probe
// successes. It is safe for concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	// Error rate tracking (tumbling window).
	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int
}

// NewBreaker creates a circuit breaker.
// failureThreshold: consecutive failures to trip from Closed to Open.
// successThreshold: consecutive successes in HalfOpen to return to Closed.
// timeout: duration to stay Open before transitioning to HalfOpen.
// errorRateThreshold: error rate (0.0-1.0) to trip; 0 disables rate-based tripping.
// errorRateWindow: time window for computing the error rate; 0 disables.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration,
	errorRateThreshold float64, errorRateWindow time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		state:              BreakerClosed,
		failureThreshold:   failureThreshold,
		successThreshold:   successThreshold,
		timeout:            timeout,
		errorRateThreshold: errorRateThreshold,
		errorRateWindow:    errorRateWindow,
		windowStart:        time.Now(),
	}
}

// Allow checks whether a request should be allowed through.
// Returns nil if allowed, or a BACKEND_UNAVAILABLE error if the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) > b.timeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return nil
		}
		return model.NewBackendUnavailableError()
	}
	return nil
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)

		// Trip on consecutive failure threshold OR error rate threshold.
		if b.failures >= b.failureThreshold || b.errorRateExceeded() {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.resetWindow()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// recordWindowCall tracks a call in the tumbling window. Must be called with lock held.
func (b *Breaker) recordWindowCall(isFailure bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if isFailure {
		b.windowFailures++
	}
}

// maybeResetWindow resets the tumbling window if it has expired. Must be called with lock held.
func (b *Breaker) maybeResetWindow() {
	if time.Since(b.windowStart) > b.errorRateWindow {
		b.windowStart = time.Now()
		b.windowTotal = 0
		b.windowFailures = 0
	}
}

// resetWindow clears the window counters. Must be called with lock held.
func (b *Breaker) resetWindow() {
	b.windowStart = time.Now()
	b.windowTotal = 0
	b.windowFailures = 0
}

// errorRateExceeded checks if the error rate in the current window exceeds
// the threshold. Requires at least minErrorRateSamples requests. Must be
// called with lock held.
func (b *Breaker) errorRateExceeded() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(b.windowFailures) / float64(b.windowTotal)
	return rate >= b.errorRateThreshold
}
