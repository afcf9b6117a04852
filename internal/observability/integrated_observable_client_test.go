package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func Test_IntegratedObservableClient_Success(t *testing.T) {
	c := NewIntegratedObservableClient(
		ConnectionTypeProvider, OperationTypeCreate, "provider.example", "test-client",
		time.Second, 100*time.Millisecond, 5*time.Second,
	)

	err := c.ExecuteWithMetrics(context.Background(), "create_instance", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsHealthy() {
		t.Fatal("expected client to be healthy after a success")
	}
}

func Test_IntegratedObservableClient_CircuitOpensAfterFailures(t *testing.T) {
	c := NewIntegratedObservableClient(
		ConnectionTypeProvider, OperationTypeMigrate, "provider.example", "test-client",
		time.Second, 100*time.Millisecond, 5*time.Second,
	)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		err := c.ExecuteWithMetrics(context.Background(), "migrate", func(ctx context.Context) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom error, got %v", err)
		}
	}

	err := c.ExecuteWithMetrics(context.Background(), "migrate", func(ctx context.Context) error {
		t.Fatal("function should not run once circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if c.IsHealthy() {
		t.Fatal("expected client to be unhealthy once the circuit is open")
	}
}
