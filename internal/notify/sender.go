package notify

import (
	"context"
	"fmt"

	"reengagement-scheduler/internal/config"
)

// NewSender builds the transport named by NOTIFY_TRANSPORT.
func NewSender(ctx context.Context, cfg config.Config) (Sender, error) {
	switch cfg.NotifyTransport {
	case "", "spool":
		return NewSpool(ctx, cfg)
	case "webhook":
		return NewWebhook(cfg.WebhookURL, cfg.WebhookToken, cfg.WebhookTimeout)
	default:
		return nil, fmt.Errorf("unknown notify transport %q", cfg.NotifyTransport)
	}
}
