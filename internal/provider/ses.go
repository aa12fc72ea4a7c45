package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

type sesClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESProvider delivers the email channel via AWS SES, resolving the
// recipient's address through the contact directory.
type SESProvider struct {
	client    sesClient
	directory Directory
	from      string
	logger    *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESProvider(ctx context.Context, cfg SESConfig, directory Directory, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}
	return &SESProvider{
		client:    ses.NewFromConfig(awsCfg),
		directory: directory,
		from:      cfg.FromEmail,
		logger:    logger,
	}, nil
}

func (p *SESProvider) Channel() notify.Channel { return notify.ChannelEmail }

func (p *SESProvider) Send(ctx context.Context, rec *notify.NotificationRecord) error {
	contact, err := p.directory.GetContact(ctx, rec.Recipient)
	if err != nil {
		return fmt.Errorf("resolve contact for user %d: %w", rec.Recipient, err)
	}
	if contact.Email == "" {
		return fmt.Errorf("user %d has no email address", rec.Recipient)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{contact.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(rec.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(rec.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	p.logger.Info("email sent via SES",
		zap.String("notification_id", rec.ID.String()),
		zap.String("to", contact.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
