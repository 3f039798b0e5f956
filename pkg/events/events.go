// Package events publishes job request and completion envelopes.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3leaps/jobline/pkg/queue"
)

// Publisher sends one JSON payload to subscribers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, p Publisher, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Publish(ctx, payload)
}

// QueuePublisher publishes straight onto a queue, wrapping the payload the
// way a topic subscription would.
type QueuePublisher struct {
	Sink queue.Sink
}

var _ Publisher = QueuePublisher{}

// Publish wraps payload and sends it to the sink.
func (p QueuePublisher) Publish(ctx context.Context, payload []byte) error {
	body, err := queue.Wrap(payload)
	if err != nil {
		return fmt.Errorf("wrap event: %w", err)
	}
	return p.Sink.Send(ctx, body)
}
