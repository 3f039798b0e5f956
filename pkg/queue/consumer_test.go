package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/queue/queuetest"
)

const requestJ1 = `{"job_id":"J1","user_id":"U1","input_file_name":"sample.vcf","s3_inputs_bucket":"in","s3_key_input_file":"P1/U1/J1~sample.vcf","submit_time":1000}`

func wrapped(t *testing.T, payload string) string {
	t.Helper()
	body, err := queue.Wrap([]byte(payload))
	require.NoError(t, err)
	return body
}

type recorder struct {
	calls atomic.Int32
	err   error
	got   []job.Request
}

func (r *recorder) handle(_ context.Context, _ queue.Message, req job.Request) error {
	r.calls.Add(1)
	r.got = append(r.got, req)
	return r.err
}

func newConsumer(t *testing.T, q *queuetest.Memory, r *recorder, maxReceives int, dlq queue.Sink) *queue.Consumer[job.Request] {
	t.Helper()
	c, err := queue.New(queue.Options[job.Request]{
		Name:        "dispatch",
		Source:      q,
		Decode:      job.DecodeRequest,
		Handle:      r.handle,
		DeadLetter:  dlq,
		MaxReceives: maxReceives,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := queue.New(queue.Options[job.Request]{})
	require.Error(t, err)

	_, err = queue.New(queue.Options[job.Request]{
		Source:      queuetest.New(),
		Decode:      job.DecodeRequest,
		Handle:      (&recorder{}).handle,
		MaxReceives: -1,
	})
	require.Error(t, err)
}

func TestProcessSuccessDeletes(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	id := q.Push(wrapped(t, requestJ1))
	r := &recorder{}
	c := newConsumer(t, q, r, 5, nil)

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Deleted, c.Process(ctx, m))

	require.Len(t, r.got, 1)
	assert.Equal(t, "J1", r.got[0].JobID)
	assert.Equal(t, "P1/U1/J1~sample.vcf", r.got[0].InputKey)
	assert.Equal(t, 1, q.Deletes(id))
	assert.Equal(t, 0, q.Len())
}

func TestProcessMalformedIsRetained(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	q.Push(`{"Message":"not json at all"}`)
	q.Push(wrapped(t, `{"job_id":"J1"}`))
	r := &recorder{}
	c := newConsumer(t, q, r, 0, nil)

	msgs, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, queue.Retained, c.Process(ctx, m))
	}

	assert.Zero(t, r.calls.Load(), "handler must not run")
	assert.Equal(t, 2, q.Len(), "messages stay undeleted")
	assert.Equal(t, int64(2), c.Stats().Malformed)
}

func TestProcessHandlerFailureRetained(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	q.Push(wrapped(t, requestJ1))
	r := &recorder{err: errors.New("fetch failed")}
	c := newConsumer(t, q, r, 5, nil)

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Retained, c.Process(ctx, m))
	assert.Equal(t, 1, q.Len())
}

func TestDeadLetterAfterMaxReceives(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	dlq := queuetest.New()
	body := `{"Message":"garbage"}`
	id := q.Push(body)
	c := newConsumer(t, q, &recorder{}, 3, dlq)

	for attempt := 1; attempt <= 2; attempt++ {
		m, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Retained, c.Process(ctx, m), "attempt %d", attempt)
		q.Expire()
	}

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.ReceiveCount)
	assert.Equal(t, queue.DeadLettered, c.Process(ctx, m))

	assert.Equal(t, []string{body}, dlq.Sent())
	assert.Equal(t, 1, q.Deletes(id))
	assert.Equal(t, int64(1), c.Stats().DeadLettered)
}

func TestDeadLetterLocalCounter(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	q.ReportCount = false
	q.Push(wrapped(t, requestJ1))
	c := newConsumer(t, q, &recorder{err: errors.New("boom")}, 2, nil)

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.ReceiveCount)
	assert.Equal(t, queue.Retained, c.Process(ctx, m))

	q.Expire()
	m, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.DeadLettered, c.Process(ctx, m), "no sink: dropped after logging")
	assert.Equal(t, 0, q.Len())
}

func TestDeadLetterForwardFailureRetains(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	dlq := queuetest.New()
	dlq.SendErr = errors.New("dlq unreachable")
	q.Push(`nope`)
	c := newConsumer(t, q, &recorder{}, 1, dlq)

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Retained, c.Process(ctx, m))
	assert.Equal(t, 1, q.Len())
}

func TestDeferredDoesNotDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	q.Push(wrapped(t, requestJ1))
	c := newConsumer(t, q, &recorder{err: fmt.Errorf("pool full: %w", queue.ErrDeferred)}, 1, nil)

	for i := 0; i < 3; i++ {
		m, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Retained, c.Process(ctx, m))
		q.Expire()
	}
	assert.Equal(t, 1, q.Len())
}

func TestDeferralsExcludedFromReceiveCount(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	dlq := queuetest.New()
	q.Push(wrapped(t, requestJ1))
	r := &recorder{err: fmt.Errorf("pool full: %w", queue.ErrDeferred)}
	c := newConsumer(t, q, r, 5, dlq)

	for i := 0; i < 5; i++ {
		m, err := q.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.Retained, c.Process(ctx, m))
		q.Expire()
	}

	r.err = errors.New("store timeout")
	for attempt := 1; attempt <= 4; attempt++ {
		m, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5+attempt, m.ReceiveCount)
		assert.Equal(t, queue.Retained, c.Process(ctx, m), "failure %d", attempt)
		q.Expire()
	}

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.DeadLettered, c.Process(ctx, m), "fifth counted failure")
	assert.Len(t, dlq.Sent(), 1)
}

func TestDeleteFailureRetains(t *testing.T) {
	ctx := context.Background()
	q := queuetest.New()
	q.Push(wrapped(t, requestJ1))
	q.DeleteErr = errors.New("transport down")
	c := newConsumer(t, q, &recorder{}, 5, nil)

	m, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Retained, c.Process(ctx, m))
}

func TestRunStopsOnCancel(t *testing.T) {
	q := queuetest.New()
	q.Push(wrapped(t, requestJ1))
	q.ReceiveErr = errors.New("connection refused")
	r := &recorder{}
	c := newConsumer(t, q, r, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "deleted", queue.Deleted.String())
	assert.Equal(t, "retained", queue.Retained.String())
	assert.Equal(t, "dead_lettered", queue.DeadLettered.String())
}
