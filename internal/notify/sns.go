package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes operator alerts to an SNS topic. Subscribers filter
// on the kind and tenant_id message attributes.
type SNSAlerter struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

func NewSNSAlerter(ctx context.Context, region, topicARN string, logger *zap.Logger) (*SNSAlerter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newSNSAlerter(sns.NewFromConfig(cfg), topicARN, logger), nil
}

func newSNSAlerter(client snsAPI, topicARN string, logger *zap.Logger) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN, logger: logger}
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// Alert publishes a as JSON
func (p *SNSAlerter) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"kind": stringAttr(a.Kind),
	}
	// SNS rejects attributes with empty values.
	if a.TenantID != "" {
		attrs["tenant_id"] = stringAttr(a.TenantID)
	}

	subject := a.Subject
	if len(subject) > 100 {
		subject = subject[:100]
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Subject:           aws.String(subject),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("alert published",
		zap.String("kind", a.Kind),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
