package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the log. It is the development default.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a LogNotifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyOffline logs the notification.
func (n *LogNotifier) NotifyOffline(ctx context.Context, recipientID string, note Notification) error {
	n.logger.InfoContext(ctx, "Offline notification",
		"recipient_id", recipientID,
		"title", note.Title,
		"body", note.Body,
		"conversation_id", note.Data["conversationId"],
		"message_id", note.Data["messageId"],
	)
	return nil
}
