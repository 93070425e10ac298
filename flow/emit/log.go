package emit

import (
	"context"
	"log/slog"
)

// LogEmitter writes events through a structured slog logger.
//
// Each event becomes one record whose message is the event name:
//
//	level=INFO msg=transition_committed run_id=run-1 step=2 block=summarize workflow_id=... transition=draft from=start to=review
//
// Events carrying an "error" meta key are logged at warn level.
type LogEmitter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogEmitter creates a LogEmitter. A nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger, level slog.Level) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger, level: level}
}

// Emit logs the event.
func (l *LogEmitter) Emit(event Event) {
	level := l.level
	if _, failed := event.Meta["error"]; failed && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	attrs := make([]slog.Attr, 0, 4+len(event.Meta))
	attrs = append(attrs,
		slog.String("run_id", event.RunID),
		slog.Int("step", event.Step),
		slog.String("block", event.BlockID),
	)
	if event.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", event.WorkflowID))
	}
	for _, key := range sortedKeys(event.Meta) {
		attrs = append(attrs, slog.Any(key, event.Meta[key]))
	}

	l.logger.LogAttrs(context.Background(), level, event.Msg, attrs...)
}
