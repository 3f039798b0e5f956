// Package ses implements notify.Sender on Amazon SES (v2 API).
package ses

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/3leaps/jobline/pkg/awsconfig"
	"github.com/3leaps/jobline/pkg/notify"
)

const charset = "UTF-8"

// API is the subset of the SES client used by Sender.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config configures the sender.
type Config struct {
	// From is the verified sender address (required).
	From string

	AWS awsconfig.Config
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.From) == "" {
		return fmt.Errorf("ses config: sender address is required")
	}
	return c.AWS.Validate()
}

// Sender sends HTML email.
type Sender struct {
	client API
	from   string
}

var _ notify.Sender = (*Sender)(nil)

// New creates a Sender with its own client.
func New(ctx context.Context, cfg Config) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.Load(ctx, cfg.AWS)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if ep := cfg.AWS.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a Sender over an existing client.
func NewWithClient(client API, cfg Config) *Sender {
	return &Sender{client: client, from: cfg.From}
}

// Send delivers n as a simple HTML message.
func (s *Sender) Send(ctx context.Context, n notify.Notification) error {
	if strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("ses send: %w", notify.ErrNoAddress)
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{n.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(n.Subject), Charset: aws.String(charset)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(n.HTMLBody), Charset: aws.String(charset)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", n.To, err)
	}
	return nil
}
