// Package observability provides logging, metrics, and tracing setup.
package observability

import (
	"os"

	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields and
// installs it as the default.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
