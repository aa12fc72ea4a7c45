package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

type snsClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider delivers the sms channel via AWS SNS.
type SNSProvider struct {
	client    snsClient
	directory Directory
	logger    *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSProvider(ctx context.Context, cfg SNSConfig, directory Directory, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	return &SNSProvider{
		client:    sns.NewFromConfig(awsCfg),
		directory: directory,
		logger:    logger,
	}, nil
}

func (p *SNSProvider) Channel() notify.Channel { return notify.ChannelSMS }

func (p *SNSProvider) Send(ctx context.Context, rec *notify.NotificationRecord) error {
	contact, err := p.directory.GetContact(ctx, rec.Recipient)
	if err != nil {
		return fmt.Errorf("resolve contact for user %d: %w", rec.Recipient, err)
	}
	if contact.Phone == "" {
		return fmt.Errorf("user %d has no phone number", rec.Recipient)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(contact.Phone),
		Message:     aws.String(fmt.Sprintf("%s: %s", rec.Title, rec.Message)),
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	p.logger.Info("SMS sent via SNS",
		zap.String("notification_id", rec.ID.String()),
		zap.String("phone_number", contact.Phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
