package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/jobstore/jobstoretest"
	"github.com/3leaps/jobline/pkg/jobstore/sqlite"
)

func seed(t *testing.T, store jobstore.Store, id string, startTime int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, jobstoretest.PendingRecord(id, "U1")))
	if startTime > 0 {
		out, err := store.Transition(ctx, id, jobstore.Transition{From: job.StatusPending, To: job.StatusRunning, Fields: job.Fields{StartTime: startTime}})
		require.NoError(t, err)
		require.Equal(t, jobstore.OutcomeApplied, out)
	}
}

func seedPending(t *testing.T, store jobstore.Store, id string, submitTime int64) {
	t.Helper()
	rec := jobstoretest.PendingRecord(id, "U1")
	rec.SubmitTime = submitTime
	require.NoError(t, store.Create(context.Background(), rec))
}

func newStore(t *testing.T) jobstore.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOnceFailsStaleRunning(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, "old", 1000)
	seed(t, store, "fresh", 4000)
	seed(t, store, "pending", 0)

	r, err := New(Config{Store: store, StaleAfter: time.Hour, Now: func() time.Time { return time.Unix(5000, 0) }})
	require.NoError(t, err)

	report, err := r.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{"old"}, report.Stale)
	assert.Equal(t, []string{"old"}, report.Failed)

	rec, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, TimedOutReason, rec.FailureReason)

	rec, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, rec.Status)

	rec, err = store.Get(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status)
}

func TestOnceDryRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, "old", 1000)

	r, err := New(Config{Store: store, StaleAfter: time.Minute, DryRun: true, Now: func() time.Time { return time.Unix(5000, 0) }})
	require.NoError(t, err)

	report, err := r.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, report.Stale)
	assert.Empty(t, report.Failed)

	rec, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, rec.Status)
}

func TestOnceFailsOldPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, "stale-running", 1000)
	seedPending(t, store, "old-pending", 1000)
	seedPending(t, store, "new-pending", 4500)

	r, err := New(Config{
		Store:        store,
		StaleAfter:   time.Hour,
		PendingAfter: 30 * time.Minute,
		Now:          func() time.Time { return time.Unix(5000, 0) },
	})
	require.NoError(t, err)

	report, err := r.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.ElementsMatch(t, []string{"stale-running", "old-pending"}, report.Failed)

	tests := []struct {
		id         string
		wantStatus job.Status
		wantReason string
	}{
		{"stale-running", job.StatusFailed, TimedOutReason},
		{"old-pending", job.StatusFailed, NeverDispatchedReason},
		{"new-pending", job.StatusPending, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec, err := store.Get(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantReason, rec.FailureReason)
		})
	}
}

func TestOncePendingDispatchedConcurrently(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedPending(t, store, "J1", 1000)

	// The dispatcher claims the job between the listing and the write.
	racing := &claimOnTransition{Store: store}
	r, err := New(Config{
		Store:        racing,
		StaleAfter:   time.Hour,
		PendingAfter: time.Minute,
		Now:          func() time.Time { return time.Unix(5000, 0) },
	})
	require.NoError(t, err)

	report, err := r.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, report.Skipped)
	assert.Empty(t, report.Failed)

	rec, err := store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, rec.Status)
}

type claimOnTransition struct {
	jobstore.Store
}

func (s *claimOnTransition) Transition(ctx context.Context, jobID string, t jobstore.Transition) (jobstore.Outcome, error) {
	if t.To == job.StatusFailed {
		_, _ = s.Store.Transition(ctx, jobID, jobstore.Transition{From: job.StatusPending, To: job.StatusRunning, Fields: job.Fields{StartTime: 4999}})
	}
	return s.Store.Transition(ctx, jobID, t)
}

func TestStale(t *testing.T) {
	r, err := New(Config{Store: newStore(t), StaleAfter: 100 * time.Second, Now: func() time.Time { return time.Unix(1000, 0) }})
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  job.Record
		want bool
	}{
		{"old running", job.Record{Status: job.StatusRunning, StartTime: 800}, true},
		{"recent running", job.Record{Status: job.StatusRunning, StartTime: 950}, false},
		{"falls back to submit", job.Record{Status: job.StatusRunning, SubmitTime: 100}, true},
		{"no timestamps", job.Record{Status: job.StatusRunning}, false},
		{"completed", job.Record{Status: job.StatusCompleted, StartTime: 1}, false},
		{"pending without threshold", job.Record{Status: job.StatusPending, SubmitTime: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Stale(tt.rec))
		})
	}
}

func TestStalePending(t *testing.T) {
	r, err := New(Config{
		Store:        newStore(t),
		StaleAfter:   time.Hour,
		PendingAfter: 100 * time.Second,
		Now:          func() time.Time { return time.Unix(1000, 0) },
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  job.Record
		want bool
	}{
		{"old pending", job.Record{Status: job.StatusPending, SubmitTime: 800}, true},
		{"recent pending", job.Record{Status: job.StatusPending, SubmitTime: 950}, false},
		{"pending without submit time", job.Record{Status: job.StatusPending}, false},
		{"running uses stale-after", job.Record{Status: job.StatusRunning, StartTime: 800}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Stale(tt.rec))
		})
	}
}

func TestEveryStopsOnCancel(t *testing.T) {
	r, err := New(Config{Store: newStore(t), StaleAfter: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Every(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Every did not return")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{StaleAfter: time.Minute})
	require.Error(t, err)
	_, err = New(Config{Store: newStore(t)})
	require.Error(t, err)
	_, err = New(Config{Store: newStore(t), StaleAfter: time.Minute, PendingAfter: -time.Second})
	require.Error(t, err)
}
