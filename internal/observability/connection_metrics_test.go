package observability

import (
	"errors"
	"testing"
	"time"
)

func Test_ConnectionMetrics_RecordSuccess(t *testing.T) {
	cm := NewConnectionMetrics(ConnectionTypeProvider, OperationTypeCreate, "provider.example")
	cm.RecordRequest()
	cm.RecordSuccess(50 * time.Millisecond)

	if !cm.IsHealthy() {
		t.Fatal("expected healthy metrics after a success")
	}
	stats := cm.GetStats()
	if stats["success_requests"].(int64) != 1 {
		t.Fatalf("expected 1 success, got %v", stats["success_requests"])
	}
}

func Test_ConnectionMetrics_UnhealthyAfterFailures(t *testing.T) {
	cm := NewConnectionMetrics(ConnectionTypeProvider, OperationTypeMigrate, "provider.example")
	for i := 0; i < 6; i++ {
		cm.RecordRequest()
		cm.RecordFailure(errors.New("boom"), 10*time.Millisecond)
	}
	if cm.IsHealthy() {
		t.Fatal("expected unhealthy metrics once the circuit state trips to open")
	}
	if cm.GetStats()["circuit_state"] != "open" {
		t.Fatalf("expected circuit_state open, got %v", cm.GetStats()["circuit_state"])
	}
}

func Test_ConnectionMetrics_Reset(t *testing.T) {
	cm := NewConnectionMetrics(ConnectionTypeRedis, OperationTypeRequest, "redis://localhost")
	cm.RecordRequest()
	cm.RecordFailure(errors.New("x"), time.Millisecond)
	cm.Reset()
	stats := cm.GetStats()
	if stats["total_requests"].(int64) != 0 {
		t.Fatal("expected total_requests cleared after reset")
	}
	if stats["circuit_state"] != "closed" {
		t.Fatal("expected circuit_state closed after reset")
	}
}
