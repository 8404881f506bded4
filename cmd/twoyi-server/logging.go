package main

import (
	"context"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/twoyi/twoyid/internal/telemetry"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogging installs a JSON slog handler. With --log-file set, output
// rotates through lumberjack instead of growing unbounded, so a
// long-lived daemon's log never outgrows disk.
func initLogging(logFile, level string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if logFile == "" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func initTelemetry(endpoint string) func() {
	_, shutdown, err := telemetry.Setup(context.Background(), "twoyi-server", endpoint)
	if err != nil {
		slog.Error("telemetry setup failed, continuing without tracing", "error", err)
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}
}
