// Package sns implements events.Publisher on Amazon SNS.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/3leaps/jobline/pkg/awsconfig"
	"github.com/3leaps/jobline/pkg/events"
)

// API is the subset of the SNS client used by Topic.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config configures one topic.
type Config struct {
	// TopicARN is the topic to publish to (required).
	TopicARN string

	AWS awsconfig.Config
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TopicARN) == "" {
		return fmt.Errorf("sns config: topic arn is required")
	}
	return c.AWS.Validate()
}

// Topic publishes payloads with MessageStructure=json, so every protocol
// receives the same default message.
type Topic struct {
	client API
	arn    string
}

var _ events.Publisher = (*Topic)(nil)

// New creates a Topic with its own client.
func New(ctx context.Context, cfg Config) (*Topic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if ep := cfg.AWS.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a Topic over an existing client.
func NewWithClient(client API, cfg Config) *Topic {
	return &Topic{client: client, arn: cfg.TopicARN}
}

// Publish sends payload as the default message.
func (t *Topic) Publish(ctx context.Context, payload []byte) error {
	msg, err := json.Marshal(map[string]string{"default": string(payload)})
	if err != nil {
		return fmt.Errorf("encode message structure: %w", err)
	}
	_, err = t.client.Publish(ctx, &sns.PublishInput{
		TopicArn:         aws.String(t.arn),
		Message:          aws.String(string(msg)),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return fmt.Errorf("sns publish %s: %w", t.arn, err)
	}
	return nil
}
