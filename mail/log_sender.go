package mail

import (
	"context"
	"log/slog"
)

// LogSender logs messages instead of sending them. Useful for local
// runs where no relay is available.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("email send (log only)",
		"to", msg.To,
		"subject", msg.Subject,
		"hasHTML", msg.HTML != "",
		"hasText", msg.Text != "",
	)
	return nil
}
