package notify

import (
	"context"
	"log/slog"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

// LogNotifier writes notifications using structured logging. Abandoned
// transitions are logged at warn level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new log notifier.
// If logger is nil, a default logger is used.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify writes the event using structured logging.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Verdict == string(lifecycle.Abandon) {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "transition finished",
		slog.String("hook_token", event.HookToken),
		slog.String("node_id", event.NodeID),
		slog.String("group", event.GroupName),
		slog.String("role", event.Role),
		slog.String("verdict", event.Verdict),
		slog.String("message", event.Message),
	)
	return nil
}
