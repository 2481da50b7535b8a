package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// WebhookConfig carries the default signing secret for outgoing webhook
// notifications, set once at process start from an ORBITMESH_WEBHOOK_SECRET
// environment variable.
type WebhookConfig struct {
	Secret string
}

// Service dispatches a notification to the Email, Webhook, or Log sender
// that matches the requested channel.
type Service struct {
	email   *emailSender
	webhook *webhookSender
	log     *logSender
}

// NewService builds a Service. smtpCfg may be nil to leave the email channel
// unconfigured (Send returns ErrChannelNotConfigured for it).
func NewService(smtpCfg *SMTPConfig, webhookCfg WebhookConfig, logger *zap.Logger) *Service {
	return &Service{
		email:   newEmailSender(smtpCfg),
		webhook: newWebhookSender(webhookCfg.Secret),
		log:     newLogSender(logger),
	}
}

func (s *Service) Send(ctx context.Context, channel domain.NotifyChannel, target, subject, body string) error {
	switch channel {
	case domain.NotifyEmail:
		return s.email.send(ctx, target, subject, body)
	case domain.NotifyWebhook:
		return s.webhook.send(ctx, target, subject, body)
	case domain.NotifyLog:
		return s.log.send(ctx, target, subject, body)
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrChannelNotConfigured, channel)
	}
}
