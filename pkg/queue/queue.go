// Package queue implements the long-polling consumer shared by the
// dispatcher and notifier stages.
//
// Delivery is at-least-once. A message is deleted only after its handler
// reports success; everything else is left for the transport to redeliver
// once its visibility timeout expires, bounded by the dead-letter policy.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrMalformedEnvelope indicates a body that could not be unwrapped or decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDeferred marks a handler failure that should not count toward the
	// dead-letter threshold, such as a saturated worker pool.
	ErrDeferred = errors.New("deferred")
)

// Message is one delivery from a Source.
type Message struct {
	// ID is the transport message id. Stable across redeliveries.
	ID string

	// ReceiptHandle identifies this delivery for Delete.
	ReceiptHandle string

	// Body is the raw transport body.
	Body string

	// ReceiveCount is the transport's delivery count, or 0 when unknown.
	ReceiveCount int
}

// Source is a message transport that supports long-poll receive.
type Source interface {
	// Receive blocks up to the transport's long-poll wait. An empty slice
	// with a nil error means no messages arrived.
	Receive(ctx context.Context) ([]Message, error)

	// Delete acknowledges a delivery.
	Delete(ctx context.Context, m Message) error
}

// Sink accepts raw bodies, e.g. a dead-letter queue.
type Sink interface {
	Send(ctx context.Context, body string) error
}
