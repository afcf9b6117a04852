package config

import "testing"

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.AppEnv != "dev" {
		t.Fatalf("expected default app env dev, got %q", cfg.AppEnv)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false")
	}
	if cfg.QueueMaxRetryAttempts != 5 {
		t.Fatalf("expected default max retry attempts 5, got %d", cfg.QueueMaxRetryAttempts)
	}
	if cfg.AutoStopInactivityThreshold.String() != "10m0s" {
		t.Fatalf("expected default inactivity threshold 10m, got %s", cfg.AutoStopInactivityThreshold)
	}
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MIGRATION_SCHEDULER_ENABLED", "false")
	t.Setenv("AUTO_STOP_INACTIVITY_THRESHOLD", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsProd() {
		t.Fatalf("expected IsProd true")
	}
	if cfg.MigrationSchedulerEnabled {
		t.Fatalf("expected migration scheduler disabled")
	}
	if cfg.AutoStopInactivityThreshold.String() != "5m0s" {
		t.Fatalf("expected overridden inactivity threshold 5m, got %s", cfg.AutoStopInactivityThreshold)
	}
}

func Test_GetRetryConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	rc := cfg.GetRetryConfig()
	if rc.MaxAttempts != cfg.QueueMaxRetryAttempts {
		t.Fatalf("expected retry config to mirror queue max retry attempts")
	}
	if rc.MaxDelay != cfg.QueueMaxRetryDelay {
		t.Fatalf("expected retry config to mirror queue max retry delay")
	}
}
