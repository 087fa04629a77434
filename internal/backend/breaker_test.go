package backend

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute, 0, 0)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatal("breaker tripped too early")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v while closed", err)
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() should reject while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute, 0, 0)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != BreakerClosed {
		t.Error("interleaved success should reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond, 0, 0)

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want probe allowed after timeout", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("State() = %v, want half-open", b.State())
	}

	// One success is not enough with successThreshold=2.
	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatal("breaker closed before success threshold")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatal("breaker should close after enough probe successes")
	}
}

func TestBreakerTripsOnErrorRate(t *testing.T) {
	// Consecutive threshold far out of reach; only the rate can trip.
	b := NewBreaker(100, 2, time.Minute, 0.5, time.Minute)

	// 6 failures / 12 calls = 50%, but successes interleave so the
	// consecutive count never passes 1.
	for i := 0; i < 6; i++ {
		b.RecordSuccess()
		b.RecordFailure()
	}

	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open at 50%% error rate", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() should reject while open")
	}
}

func TestBreakerErrorRateNeedsMinimumSamples(t *testing.T) {
	b := NewBreaker(100, 2, time.Minute, 0.5, time.Minute)

	// 100% failures but below the sample floor.
	for i := 0; i < minErrorRateSamples-1; i++ {
		b.RecordFailure()
	}

	if b.State() != BreakerClosed {
		t.Fatalf("State() = %v, want closed below %d samples", b.State(), minErrorRateSamples)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(1, 2, 10*time.Millisecond, 0, 0)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatal("probe should be allowed")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("State() = %v, want open after half-open failure", b.State())
	}
}
