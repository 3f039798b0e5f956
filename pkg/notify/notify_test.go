package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/queue/queuetest"
)

const completionJ1 = `{"job_id":"J1","user_id":"U1","input_file_name":"sample.vcf","s3_inputs_bucket":"in","complete_time":1700000000}`

type mapResolver map[string]Profile

func (r mapResolver) Resolve(_ context.Context, userID string) (Profile, error) {
	p, ok := r[userID]
	if !ok {
		return Profile{}, ErrUnknownUser
	}
	return p, nil
}

type captureSender struct {
	sent []Notification
	err  error
}

func (s *captureSender) Send(_ context.Context, n Notification) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func newConsumer(t *testing.T, n *Notifier, q *queuetest.Memory) *queue.Consumer[job.Completion] {
	t.Helper()
	c, err := queue.New(queue.Options[job.Completion]{
		Name:   "notify",
		Source: q,
		Decode: job.DecodeCompletion,
		Handle: n.Handle,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func deliver(t *testing.T, c *queue.Consumer[job.Completion], q *queuetest.Memory, payload string) (string, queue.Result) {
	t.Helper()
	body, err := queue.Wrap([]byte(payload))
	require.NoError(t, err)
	id := q.Push(body)
	m, err := q.Next(context.Background())
	require.NoError(t, err)
	return id, c.Process(context.Background(), m)
}

func TestNotifyJ1(t *testing.T) {
	sender := &captureSender{}
	n, err := New(Config{
		Resolver:    mapResolver{"U1": {UserID: "U1", Email: "u1@example.com"}},
		Sender:      sender,
		WebEndpoint: "https://jobs.example.com/annotations/",
		Location:    time.UTC,
	})
	require.NoError(t, err)
	q := queuetest.New()

	id, res := deliver(t, newConsumer(t, n, q), q, completionJ1)
	assert.Equal(t, queue.Deleted, res)
	assert.Equal(t, 1, q.Deletes(id))

	require.Len(t, sender.sent, 1)
	got := sender.sent[0]
	assert.Equal(t, "u1@example.com", got.To)
	assert.Equal(t, "Results available for job J1", got.Subject)
	assert.Contains(t, got.HTMLBody, "2023-11-14 22:13")
	assert.Contains(t, got.HTMLBody, `href="https://jobs.example.com/annotations/J1"`)
}

func TestNotifyFailuresLeaveMessage(t *testing.T) {
	tests := []struct {
		name     string
		resolver Resolver
		sender   *captureSender
	}{
		{name: "unknown user", resolver: mapResolver{}, sender: &captureSender{}},
		{name: "no address", resolver: mapResolver{"U1": {UserID: "U1"}}, sender: &captureSender{}},
		{name: "send fails", resolver: mapResolver{"U1": {Email: "u1@example.com"}}, sender: &captureSender{err: errors.New("throttled")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(Config{Resolver: tt.resolver, Sender: tt.sender})
			require.NoError(t, err)
			q := queuetest.New()

			id, res := deliver(t, newConsumer(t, n, q), q, completionJ1)
			assert.Equal(t, queue.Retained, res)
			assert.Equal(t, 0, q.Deletes(id))
			assert.Empty(t, tt.sender.sent)
		})
	}
}

func TestNotifyMalformedEvent(t *testing.T) {
	sender := &captureSender{}
	n, err := New(Config{Resolver: mapResolver{}, Sender: sender})
	require.NoError(t, err)
	q := queuetest.New()

	id, res := deliver(t, newConsumer(t, n, q), q, `{"job_id":"J1"}`)
	assert.Equal(t, queue.Retained, res)
	assert.Equal(t, 0, q.Deletes(id))
	assert.Empty(t, sender.sent)
}

func TestFormatUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	n, err := New(Config{Resolver: mapResolver{}, Sender: &captureSender{}, Location: tokyo})
	require.NoError(t, err)

	got := n.Format(job.Completion{JobID: "J9", CompleteTime: 1700000000})
	assert.Contains(t, got.HTMLBody, "2023-11-15 07:13")
	assert.Empty(t, got.To)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Sender: &captureSender{}})
	require.Error(t, err)
	_, err = New(Config{Resolver: mapResolver{}})
	require.Error(t, err)
}
