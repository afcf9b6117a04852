package observability

import (
	"log/slog"
	"os"

	"github.com/ctrlplane/gpu-fleet/internal/config"
)

// SetupLogger builds the process-wide structured logger. Output is always
// JSON so it composes with log shippers; verbosity is the only thing that
// varies with environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(os.Stdout, opts)

	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
