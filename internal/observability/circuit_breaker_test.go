package observability

import (
	"testing"
	"time"
)

func Test_CircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond, 0.5)

	for i := 0; i < 3; i++ {
		if !cb.CanExecute() {
			t.Fatalf("expected closed circuit to allow execution on attempt %d", i)
		}
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected circuit to be open after max failures, got %s", cb.GetState())
	}
	if cb.CanExecute() {
		t.Fatal("expected open circuit to reject execution")
	}
}

func Test_CircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 0.5)
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected circuit open after single failure")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("expected circuit to allow a trial call after timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %s", cb.GetState())
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected a half-open failure to reopen the circuit")
	}
}

func Test_CircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second, 0.5)
	cb.RecordFailure()
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatal("expected closed state after reset")
	}
	stats := cb.GetStats()
	if stats["total_requests"].(int64) != 0 {
		t.Fatal("expected counters cleared after reset")
	}
}
