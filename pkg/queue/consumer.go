package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxReceives is the dead-letter threshold used when none is configured.
const DefaultMaxReceives = 5

// DefaultErrorBackoff spaces out receive attempts after transport errors.
const DefaultErrorBackoff = time.Second

// Decoder turns an unwrapped payload into a typed envelope.
type Decoder[T any] func(payload []byte) (T, error)

// Handler processes one decoded envelope. Returning nil acknowledges the message.
type Handler[T any] func(ctx context.Context, m Message, v T) error

// Result is the per-delivery outcome of Process.
type Result int

const (
	// Deleted means the handler succeeded and the message was acknowledged.
	Deleted Result = iota
	// Retained means the message was left for redelivery.
	Retained
	// DeadLettered means the message exceeded MaxReceives and was removed.
	DeadLettered
)

func (r Result) String() string {
	switch r {
	case Deleted:
		return "deleted"
	case Retained:
		return "retained"
	case DeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Options configures a Consumer.
type Options[T any] struct {
	// Name labels log lines, e.g. "dispatch" or "notify".
	Name string

	Source Source
	Decode Decoder[T]
	Handle Handler[T]

	// DeadLetter receives bodies that hit MaxReceives. Nil drops them after logging.
	DeadLetter Sink

	// MaxReceives is the failed-delivery count at which a message is dead-lettered.
	// Zero disables the policy.
	MaxReceives int

	// ErrorBackoff is the minimum spacing between receives after transport errors.
	ErrorBackoff time.Duration

	Logger *zap.Logger
}

// Stats are cumulative counters for one consumer.
type Stats struct {
	Received     int64 `json:"received"`
	Deleted      int64 `json:"deleted"`
	Retained     int64 `json:"retained"`
	DeadLettered int64 `json:"dead_lettered"`
	Malformed    int64 `json:"malformed"`
}

// Consumer long-polls a Source and dispatches each message to a Handler.
//
// Messages within a batch are processed sequentially.
type Consumer[T any] struct {
	name        string
	source      Source
	decode      Decoder[T]
	handle      Handler[T]
	deadLetter  Sink
	maxReceives int
	limiter     *rate.Limiter
	logger      *zap.Logger

	mu       sync.Mutex
	failures map[string]int
	// deferred counts deliveries per message that the handler postponed.
	// They are subtracted from transport receive counts.
	deferred map[string]int

	received, deleted, retained, deadLettered, malformed atomic.Int64
}

// New validates opts and builds a Consumer.
func New[T any](opts Options[T]) (*Consumer[T], error) {
	if opts.Source == nil {
		return nil, errors.New("queue consumer: source is required")
	}
	if opts.Decode == nil || opts.Handle == nil {
		return nil, errors.New("queue consumer: decode and handle are required")
	}
	if opts.MaxReceives < 0 {
		return nil, fmt.Errorf("queue consumer: max receives must be >= 0, got %d", opts.MaxReceives)
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = "consumer"
	}

	return &Consumer[T]{
		name:        name,
		source:      opts.Source,
		decode:      opts.Decode,
		handle:      opts.Handle,
		deadLetter:  opts.DeadLetter,
		maxReceives: opts.MaxReceives,
		limiter:     rate.NewLimiter(rate.Every(backoff), 1),
		logger:      logger.With(zap.String("consumer", name)),
		failures:    make(map[string]int),
		deferred:    make(map[string]int),
	}, nil
}

// Run polls until ctx is cancelled. Empty receives loop immediately; the
// transport's long-poll wait is the only pacing.
func (c *Consumer[T]) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")
	defer c.logger.Info("Consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Receive failed", zap.Error(err))
			if werr := c.limiter.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		for _, m := range msgs {
			if ctx.Err() != nil {
				return nil
			}
			c.Process(ctx, m)
		}
	}
}

// Process handles a single delivery and reports what happened to it.
func (c *Consumer[T]) Process(ctx context.Context, m Message) Result {
	c.received.Add(1)
	log := c.logger.With(zap.String("message_id", m.ID))

	v, err := c.decodeBody(m.Body)
	if err != nil {
		c.malformed.Add(1)
		log.Warn("Malformed envelope", zap.Error(err))
		return c.count(c.fail(ctx, log, m, err))
	}

	if err := c.handle(ctx, m, v); err != nil {
		return c.count(c.fail(ctx, log, m, err))
	}

	if err := c.source.Delete(ctx, m); err != nil {
		log.Error("Delete failed", zap.Error(err))
		return c.count(Retained)
	}
	c.forget(m.ID)
	log.Debug("Message deleted")
	return c.count(Deleted)
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer[T]) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Deleted:      c.deleted.Load(),
		Retained:     c.retained.Load(),
		DeadLettered: c.deadLettered.Load(),
		Malformed:    c.malformed.Load(),
	}
}

// Name returns the consumer label.
func (c *Consumer[T]) Name() string { return c.name }

func (c *Consumer[T]) decodeBody(body string) (T, error) {
	var zero T
	payload, err := Unwrap(body)
	if err != nil {
		return zero, err
	}
	v, err := c.decode(payload)
	if err != nil {
		if !errors.Is(err, ErrMalformedEnvelope) {
			err = fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		return zero, err
	}
	return v, nil
}

func (c *Consumer[T]) fail(ctx context.Context, log *zap.Logger, m Message, cause error) Result {
	if errors.Is(cause, ErrDeferred) {
		c.mu.Lock()
		c.deferred[m.ID]++
		c.mu.Unlock()
		log.Info("Handler deferred message", zap.Error(cause))
		return Retained
	}

	attempts := c.attempts(m)
	log = log.With(zap.Int("receive_count", attempts))
	if c.maxReceives == 0 || attempts < c.maxReceives {
		if !errors.Is(cause, ErrMalformedEnvelope) {
			log.Warn("Handler failed; leaving message for redelivery", zap.Error(cause))
		}
		return Retained
	}

	if c.deadLetter != nil {
		if err := c.deadLetter.Send(ctx, m.Body); err != nil {
			log.Error("Dead-letter forward failed", zap.Error(err))
			return Retained
		}
	}
	if err := c.source.Delete(ctx, m); err != nil {
		log.Error("Delete after dead-letter failed", zap.Error(err))
		return Retained
	}
	c.forget(m.ID)
	log.Error("Message dead-lettered",
		zap.Int("max_receives", c.maxReceives),
		zap.Bool("forwarded", c.deadLetter != nil),
		zap.Error(cause),
	)
	return DeadLettered
}

// attempts returns the failed-delivery count: the transport receive count
// minus deferred deliveries, or a local tally when the transport does not
// report one.
func (c *Consumer[T]) attempts(m Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ReceiveCount > 0 {
		return max(m.ReceiveCount-c.deferred[m.ID], 1)
	}
	c.failures[m.ID]++
	return c.failures[m.ID]
}

func (c *Consumer[T]) forget(id string) {
	c.mu.Lock()
	delete(c.failures, id)
	delete(c.deferred, id)
	c.mu.Unlock()
}

func (c *Consumer[T]) count(r Result) Result {
	switch r {
	case Deleted:
		c.deleted.Add(1)
	case Retained:
		c.retained.Add(1)
	case DeadLettered:
		c.deadLettered.Add(1)
	}
	return r
}
