package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/db"
)

// sesAPI is the slice of the SES client the sender uses; narrowed for tests.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers email notifications via AWS SES.
type SESSender struct {
	client  sesAPI
	tenants ChannelConfigSource
	from    string
	logger  *zap.Logger
}

// SESConfig holds SES sender settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESSender creates an email sender backed by AWS SES.
func NewSESSender(ctx context.Context, cfg SESConfig, tenants ChannelConfigSource, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:  ses.NewFromConfig(awsCfg),
		tenants: tenants,
		from:    cfg.FromEmail,
		logger:  logger,
	}, nil
}

func (s *SESSender) Channel() string {
	return db.ChannelEmail
}

// Send delivers one alert email to the tenant's configured recipients.
func (s *SESSender) Send(ctx context.Context, d *Delivery) Outcome {
	cfg, err := s.tenants.ChannelConfig(ctx, d.TenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotConfigured) {
			return Permanent(fmt.Errorf("email channel not configured for tenant %s", d.TenantID))
		}
		return Retryable(fmt.Errorf("resolve tenant channel config: %w", err))
	}
	if len(cfg.EmailRecipients) == 0 {
		return Permanent(fmt.Errorf("tenant %s has no email recipients", d.TenantID))
	}

	body := fmt.Sprintf("%s\n\nRule: %s (%s)", d.Message, d.RuleName, d.TriggerType)
	if d.CDRID != nil {
		body += fmt.Sprintf("\nCall: %s", d.CDRID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: cfg.EmailRecipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(d.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if isSESPermanent(err) {
			return Permanent(fmt.Errorf("ses rejected email: %w", err))
		}
		return Retryable(fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", d.NotificationID.String()),
		zap.Int("recipients", len(cfg.EmailRecipients)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return Success()
}

// isSESPermanent reports whether an SES error cannot be fixed by retrying.
func isSESPermanent(err error) bool {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return true
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return true
	}
	// Address validation problems surface as InvalidParameterValue.
	return strings.Contains(err.Error(), "InvalidParameterValue")
}
