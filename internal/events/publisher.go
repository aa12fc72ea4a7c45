// Package events publishes delivery outcome events to SQS so downstream
// consumers (analytics, parent-facing feeds) can react without polling
// the gateway.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Event is the payload published for every finalized delivery attempt.
type Event struct {
	NotificationID string `json:"notification_id"`
	Recipient      int64  `json:"recipient"`
	Channel        string `json:"channel"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	OccurredAt     int64  `json:"occurred_at"`
}

// NewEvent builds an Event from a delivery attempt.
func NewEvent(rec *notify.NotificationRecord, att *notify.DeliveryAttempt, at time.Time) Event {
	ev := Event{
		NotificationID: att.NotificationID.String(),
		Channel:        string(att.Channel),
		Status:         string(att.Status),
		OccurredAt:     at.UnixNano(),
	}
	if rec != nil {
		ev.Recipient = rec.Recipient
	}
	if att.Reason != nil {
		ev.Reason = *att.Reason
	}
	return ev
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends delivery outcome events to SQS.
type Publisher struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates a new SQS publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func newPublisherWithClient(client sqsAPI, queueURL string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish sends one event. Failures are logged and returned but never
// block dispatch; the caller decides whether to retry.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to publish delivery event",
			zap.Error(err),
			zap.String("notification_id", ev.NotificationID),
			zap.String("channel", ev.Channel),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
