package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger создаёт slog-логгер, пишущий в w.
//
// format: "text" — человекочитаемый вывод, иначе JSON.
// Уровень берётся из LOG_LEVEL (debug, info, warn, error; регистр не важен),
// по умолчанию INFO. На уровне DEBUG в записи добавляется source.
func NewLogger(w io.Writer, format string) *slog.Logger {
	level := logLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithTaskKey возвращает логгер с добавленным task_key.
func WithTaskKey(logger *slog.Logger, taskKey string) *slog.Logger {
	return logger.With("task_key", taskKey)
}

// WithDecisionRef возвращает логгер с добавленным decision_ref.
func WithDecisionRef(logger *slog.Logger, decisionRef string) *slog.Logger {
	return logger.With("decision_ref", decisionRef)
}
