package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// LogLevel читает LOG_LEVEL (DEBUG/INFO/WARN/ERROR, по умолчанию INFO).
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger собирает логгер по переменным окружения и делает его
// глобальным. LOG_FORMAT=text даёт человекочитаемый вывод для
// разработки, иначе JSON. На уровне DEBUG добавляется source.
func SetupLogger() *slog.Logger {
	level := LogLevel()
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch os.Getenv("LOG_FORMAT") {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

type ctxKey string

// CtxLogger — ключ логгера в контексте.
const CtxLogger ctxKey = "logger"

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext достаёт логгер из контекста, иначе глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithRunID добавляет run_id к атрибутам логгера.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithStage добавляет имя стадии к атрибутам логгера.
func WithStage(logger *slog.Logger, stage string) *slog.Logger {
	return logger.With("stage", stage)
}

// WithOwnerID добавляет owner_id к атрибутам логгера.
func WithOwnerID(logger *slog.Logger, ownerID string) *slog.Logger {
	return logger.With("owner_id", ownerID)
}
