// Package sqs implements queue.Source and queue.Sink on Amazon SQS.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/3leaps/jobline/pkg/awsconfig"
	"github.com/3leaps/jobline/pkg/queue"
)

const (
	// DefaultWaitSeconds is the long-poll wait. SQS caps it at 20.
	DefaultWaitSeconds = 20

	// DefaultMaxMessages is the receive batch size. SQS caps it at 10.
	DefaultMaxMessages = 1
)

// API is the subset of the SQS client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config configures one queue.
type Config struct {
	// URL is the queue URL (required).
	URL string

	// WaitSeconds is the long-poll wait, 1..20.
	WaitSeconds int

	// MaxMessages is the receive batch size, 1..10.
	MaxMessages int

	// VisibilityTimeout overrides the queue default when > 0.
	VisibilityTimeout int

	AWS awsconfig.Config
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("sqs config: queue url is required")
	}
	if c.WaitSeconds < 0 || c.WaitSeconds > 20 {
		return fmt.Errorf("sqs config: wait seconds must be 0..20, got %d", c.WaitSeconds)
	}
	if c.MaxMessages < 0 || c.MaxMessages > 10 {
		return fmt.Errorf("sqs config: max messages must be 0..10, got %d", c.MaxMessages)
	}
	return c.AWS.Validate()
}

// Queue wraps one SQS queue URL.
type Queue struct {
	client            API
	url               string
	waitSeconds       int32
	maxMessages       int32
	visibilityTimeout int32
}

var (
	_ queue.Source = (*Queue)(nil)
	_ queue.Sink   = (*Queue)(nil)
)

// NewClient builds an SQS client from shared AWS settings.
func NewClient(ctx context.Context, cfg awsconfig.Config) (*sqs.Client, error) {
	awsCfg, err := awsconfig.Load(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if ep := cfg.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
		}
	}), nil
}

// New creates a Queue with its own client.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a Queue over an existing client.
func NewWithClient(client API, cfg Config) *Queue {
	wait := cfg.WaitSeconds
	if wait <= 0 {
		wait = DefaultWaitSeconds
	}
	batch := cfg.MaxMessages
	if batch <= 0 {
		batch = DefaultMaxMessages
	}
	return &Queue{
		client:            client,
		url:               cfg.URL,
		waitSeconds:       int32(wait),
		maxMessages:       int32(batch),
		visibilityTimeout: int32(cfg.VisibilityTimeout),
	}
}

// URL returns the queue URL.
func (q *Queue) URL() string { return q.url }

// Receive long-polls for up to MaxMessages messages.
func (q *Queue) Receive(ctx context.Context) ([]queue.Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         q.maxMessages,
		WaitTimeSeconds:             q.waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if q.visibilityTimeout > 0 {
		in.VisibilityTimeout = q.visibilityTimeout
	}

	out, err := q.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("sqs receive %s: %w", q.url, err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, queue.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  receiveCount(m.Attributes),
		})
	}
	return msgs, nil
}

// Delete removes a delivery by receipt handle.
func (q *Queue) Delete(ctx context.Context, m queue.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s: %w", m.ID, err)
	}
	return nil
}

// Send enqueues body.
func (q *Queue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", q.url, err)
	}
	return nil
}

func receiveCount(attrs map[string]string) int {
	v, ok := attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
