// Package queuetest provides an in-memory queue for consumer tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/jobline/pkg/queue"
)

// Memory is an in-memory queue.Source and queue.Sink.
//
// Received messages become invisible until Expire is called, which stands
// in for the visibility timeout elapsing.
type Memory struct {
	mu       sync.Mutex
	next     int
	messages map[string]*entry
	order    []string
	deletes  map[string]int
	sent     []string

	// ReceiveErr, when set, is returned by the next Receive call and then cleared.
	ReceiveErr error
	// DeleteErr, when set, is returned by every Delete call.
	DeleteErr error
	// SendErr, when set, is returned by every Send call.
	SendErr error
	// ReportCount controls whether receive counts are exposed to the consumer.
	ReportCount bool
}

type entry struct {
	msg      queue.Message
	inFlight bool
}

var (
	_ queue.Source = (*Memory)(nil)
	_ queue.Sink   = (*Memory)(nil)
)

// New returns an empty queue that reports receive counts.
func New() *Memory {
	return &Memory{
		messages:    make(map[string]*entry),
		deletes:     make(map[string]int),
		ReportCount: true,
	}
}

// Push enqueues body and returns its message id.
func (q *Memory) Push(body string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	id := fmt.Sprintf("m-%d", q.next)
	q.messages[id] = &entry{msg: queue.Message{ID: id, Body: body}}
	q.order = append(q.order, id)
	return id
}

// Receive returns every visible message and hides it.
func (q *Memory) Receive(ctx context.Context) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ReceiveErr; err != nil {
		q.ReceiveErr = nil
		return nil, err
	}

	var out []queue.Message
	for _, id := range q.order {
		e, ok := q.messages[id]
		if !ok || e.inFlight {
			continue
		}
		e.inFlight = true
		e.msg.ReceiveCount++
		e.msg.ReceiptHandle = fmt.Sprintf("%s-r%d", id, e.msg.ReceiveCount)
		m := e.msg
		if !q.ReportCount {
			m.ReceiveCount = 0
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes a message.
func (q *Memory) Delete(_ context.Context, m queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.DeleteErr != nil {
		return q.DeleteErr
	}
	if _, ok := q.messages[m.ID]; ok {
		q.deletes[m.ID]++
		delete(q.messages, m.ID)
	}
	return nil
}

// Send records a body, acting as a dead-letter sink.
func (q *Memory) Send(_ context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendErr != nil {
		return q.SendErr
	}
	q.sent = append(q.sent, body)
	return nil
}

// Expire makes every in-flight message visible again.
func (q *Memory) Expire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.messages {
		e.inFlight = false
	}
}

// Len returns the number of undeleted messages.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Deletes returns how many times id was deleted.
func (q *Memory) Deletes(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deletes[id]
}

// Sent returns bodies passed to Send.
func (q *Memory) Sent() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.sent...)
}

// Next receives and returns the first visible message, failing if none is visible.
func (q *Memory) Next(ctx context.Context) (queue.Message, error) {
	msgs, err := q.Receive(ctx)
	if err != nil {
		return queue.Message{}, err
	}
	if len(msgs) == 0 {
		return queue.Message{}, fmt.Errorf("queue empty")
	}
	return msgs[0], nil
}
