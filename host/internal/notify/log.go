package notify

import (
	"context"

	"go.uber.org/zap"
)

type logSender struct {
	logger *zap.Logger
}

func newLogSender(logger *zap.Logger) *logSender {
	return &logSender{logger: logger.Named("notify")}
}

// send writes the notification to the structured log rather than delivering
// it anywhere, useful for dry-run workflow definitions and local testing.
func (s *logSender) send(_ context.Context, target, subject, body string) error {
	s.logger.Info("notification",
		zap.String("target", target),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
