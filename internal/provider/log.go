package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

// LogProvider logs instead of delivering. Used in development and as a
// fallback when a channel's real gateway is not configured.
type LogProvider struct {
	channel notify.Channel
	logger  *zap.Logger
}

func NewLogProvider(channel notify.Channel, logger *zap.Logger) *LogProvider {
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Channel() notify.Channel { return p.channel }

func (p *LogProvider) Send(_ context.Context, rec *notify.NotificationRecord) error {
	p.logger.Info("delivery logged (development mode)",
		zap.String("notification_id", rec.ID.String()),
		zap.String("channel", string(p.channel)),
		zap.Int64("recipient", rec.Recipient),
		zap.String("title", rec.Title),
	)
	return nil
}
