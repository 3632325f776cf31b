package logging

import (
	"log/slog"
	"os"
)

// SetupLogger configures the global slog logger. Logs go to stdout as text so
// a container log collector can stream them without buffering surprises.
func SetupLogger(serviceName string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
