package observability

import (
	"testing"

	"github.com/ctrlplane/gpu-fleet/internal/config"
)

func Test_SetupLogger(t *testing.T) {
	cfg := config.Config{AppEnv: "dev", OTELServiceName: "gpu-fleet-worker"}
	lg := SetupLogger(cfg)
	if lg == nil {
		t.Fatal("expected non-nil logger")
	}
	if !lg.Enabled(nil, -4) { // slog.LevelDebug
		t.Fatal("expected debug level enabled in dev")
	}
}

func Test_SetupTracing_NoEndpoint(t *testing.T) {
	cfg := config.Config{AppEnv: "dev"}
	shutdown, err := SetupTracing(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shutdown != nil {
		t.Fatal("expected nil shutdown func when OTLP endpoint is unset")
	}
}
