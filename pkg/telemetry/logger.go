package telemetry

import (
	"log/slog"
	"os"

	"github.com/coopernetes/github-event-router/pkg/config"
)

// NewLogger builds the process logger from the monitoring settings.
func NewLogger(cfg config.MonitoringSettings, serviceName string) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With(slog.String("service", serviceName))
}
