package circuitbreaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Second}, zap.NewNop())
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: 5 * time.Second}, zap.NewNop())
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenProbeAfterTimeout(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond}, zap.NewNop())
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected open after failure")
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe allowed after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}

	// Only one probe in flight.
	if cb.Allow() {
		t.Fatal("expected second half-open request rejected")
	}
}

func TestCircuitBreaker_SuccessfulProbeCloses(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond}, zap.NewNop())
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("expected requests allowed after recovery")
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond}, zap.NewNop())
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, RecoveryTimeout: time.Second}, zap.NewNop())
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Fatalf("interleaved success must reset the count, got %s", cb.GetState())
	}
}
