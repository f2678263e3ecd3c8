package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESReporter e-mails run reports through AWS SES
type SESReporter struct {
	client sesAPI
	from   string
	to     string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	ToEmail   string
}

func NewSESReporter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESReporter, error) {
	if cfg.ToEmail == "" {
		return nil, fmt.Errorf("ses reporter: recipient is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESReporter(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESReporter(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESReporter {
	return &SESReporter{
		client: client,
		from:   cfg.FromEmail,
		to:     cfg.ToEmail,
		logger: logger,
	}
}

// SendReport sends a plain-text report e-mail
func (s *SESReporter) SendReport(ctx context.Context, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{s.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
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
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("run report sent via SES",
		zap.String("to", s.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
