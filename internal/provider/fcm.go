package provider

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/dmutua/safiri/internal/notify"
)

// fcmClient is the slice of the Firebase messaging client the provider uses.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMProvider delivers push notifications through Firebase Cloud Messaging,
// fanning out to every device token registered for the recipient.
type FCMProvider struct {
	client fcmClient
	tokens TokenStore
	logger *zap.Logger
}

type FCMConfig struct {
	// CredentialsFile is the path to the Firebase service account key.
	CredentialsFile string
}

// NewFCMProvider initializes the Firebase app and messaging client.
func NewFCMProvider(ctx context.Context, cfg FCMConfig, tokens TokenStore, logger *zap.Logger) (*FCMProvider, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsFile)

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create messaging client: %w", err)
	}

	return &FCMProvider{client: client, tokens: tokens, logger: logger}, nil
}

// newFCMProviderWithClient is used by tests to inject a fake client.
func newFCMProviderWithClient(client fcmClient, tokens TokenStore, logger *zap.Logger) *FCMProvider {
	return &FCMProvider{client: client, tokens: tokens, logger: logger}
}

func (p *FCMProvider) Channel() notify.Channel { return notify.ChannelPush }

// Send pushes to every registered device for the recipient. The send is
// accepted if at least one token succeeds; a recipient with no registered
// tokens is a rejection.
func (p *FCMProvider) Send(ctx context.Context, rec *notify.NotificationRecord) error {
	tokens, err := p.tokens.ListDeviceTokens(ctx, rec.Recipient)
	if err != nil {
		return fmt.Errorf("list device tokens for user %d: %w", rec.Recipient, err)
	}
	if len(tokens) == 0 {
		return fmt.Errorf("user %d has no registered device tokens", rec.Recipient)
	}

	data := map[string]string{
		"notification_id":   rec.ID.String(),
		"notification_type": string(rec.Type),
		"priority":          string(rec.Priority),
	}
	if rec.Student != nil {
		data["student"] = strconv.FormatInt(*rec.Student, 10)
	}
	if rec.Vehicle != nil {
		data["vehicle"] = strconv.FormatInt(*rec.Vehicle, 10)
	}
	if rec.Route != nil {
		data["route"] = strconv.FormatInt(*rec.Route, 10)
	}

	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: rec.Title,
			Body:  rec.Message,
		},
		Data: data,
	}
	if rec.Priority == notify.PriorityUrgent || rec.Priority == notify.PriorityHigh {
		msg.Android = &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority",
				Sound:     "default",
			},
		}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  "10",
				"apns-push-type": "alert",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		}
	}

	var delivered int
	var lastErr error
	for _, dt := range tokens {
		m := *msg
		m.Token = dt.Token
		msgID, err := p.client.Send(ctx, &m)
		if err != nil {
			lastErr = err
			p.logger.Warn("fcm send failed for device",
				zap.String("notification_id", rec.ID.String()),
				zap.String("device_id", dt.DeviceID),
				zap.Error(err),
			)
			continue
		}
		delivered++
		p.logger.Info("push sent via FCM",
			zap.String("notification_id", rec.ID.String()),
			zap.String("device_id", dt.DeviceID),
			zap.String("message_id", msgID),
		)
	}

	if delivered == 0 {
		return fmt.Errorf("fcm send failed for all %d devices: %w", len(tokens), lastErr)
	}
	return nil
}
