// Package jobstoretest provides a behavioral test suite shared by every
// jobstore backend.
//
// Usage:
//
//	func TestConformance(t *testing.T) {
//	    jobstoretest.Run(t, func(t *testing.T) jobstore.Store { return newStore(t) })
//	}
package jobstoretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) jobstore.Store

// PendingRecord returns a PENDING record for jobID owned by userID.
func PendingRecord(jobID, userID string) *job.Record {
	return &job.Record{
		JobID:         jobID,
		UserID:        userID,
		Partition:     "P1",
		InputFileName: "sample.vcf",
		InputsBucket:  "in",
		InputKey:      fmt.Sprintf("P1/%s/%s~sample.vcf", userID, jobID),
		SubmitTime:    1000,
		Status:        job.StatusPending,
	}
}

var (
	toRunning   = jobstore.Transition{From: job.StatusPending, To: job.StatusRunning, Fields: job.Fields{StartTime: 1100}}
	toCompleted = jobstore.Transition{From: job.StatusRunning, To: job.StatusCompleted, Fields: job.Fields{
		CompleteTime:  1200,
		ResultsBucket: "out",
		ResultKey:     "P1/U1/J1/sample.result.vcf",
		LogKey:        "P1/U1/J1/sample.vcf.count.log",
	}}
)

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))

		got, err := s.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, PendingRecord("J1", "U1"), got)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))
		err := s.Create(ctx, PendingRecord("J1", "U1"))
		assert.True(t, jobstore.IsAlreadyExists(err), "got %v", err)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.True(t, jobstore.IsNotFound(err), "got %v", err)
	})

	t.Run("LifecycleWritesFields", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))

		out, err := s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeApplied, out)

		out, err = s.Transition(ctx, "J1", toCompleted)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeApplied, out)

		got, err := s.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
		assert.Equal(t, int64(1100), got.StartTime)
		assert.Equal(t, int64(1200), got.CompleteTime)
		assert.Equal(t, "out", got.ResultsBucket)
		assert.Equal(t, "P1/U1/J1/sample.result.vcf", got.ResultKey)
		assert.Equal(t, "P1/U1/J1/sample.vcf.count.log", got.LogKey)
	})

	t.Run("RunningRequiresPending", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))
		_, err := s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)

		out, err := s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, out)

		_, err = s.Transition(ctx, "J1", toCompleted)
		require.NoError(t, err)

		out, err = s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, out)
	})

	t.Run("CompletedRequiresRunning", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))

		out, err := s.Transition(ctx, "J1", toCompleted)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, out)

		got, err := s.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.Zero(t, got.CompleteTime)

		_, err = s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)
		_, err = s.Transition(ctx, "J1", toCompleted)
		require.NoError(t, err)

		out, err = s.Transition(ctx, "J1", toCompleted)
		require.NoError(t, err)
		assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, out)
	})

	t.Run("NoRegression", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))
		_, _ = s.Transition(ctx, "J1", toRunning)
		_, _ = s.Transition(ctx, "J1", toCompleted)

		for _, tr := range []jobstore.Transition{
			{From: job.StatusCompleted, To: job.StatusRunning},
			{From: job.StatusCompleted, To: job.StatusPending},
			{From: job.StatusRunning, To: job.StatusPending},
		} {
			out, err := s.Transition(ctx, "J1", tr)
			require.ErrorIs(t, err, jobstore.ErrInvalidTransition)
			assert.Equal(t, jobstore.OutcomeInvalid, out)
		}
		for _, tr := range []jobstore.Transition{toRunning, toCompleted, {From: job.StatusRunning, To: job.StatusFailed}} {
			out, err := s.Transition(ctx, "J1", tr)
			require.NoError(t, err)
			assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, out)
		}

		got, err := s.Get(ctx, "J1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, got.Status)
	})

	t.Run("TransitionMissing", func(t *testing.T) {
		s := newStore(t)
		out, err := s.Transition(ctx, "ghost", toRunning)
		assert.Equal(t, jobstore.OutcomeNotFound, out)
		assert.True(t, jobstore.IsNotFound(err), "got %v", err)
	})

	t.Run("ConcurrentCompletionSingleWinner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, PendingRecord("J1", "U1")))
		_, err := s.Transition(ctx, "J1", toRunning)
		require.NoError(t, err)

		var applied atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := s.Transition(ctx, "J1", toCompleted)
				if err == nil && out == jobstore.OutcomeApplied {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), applied.Load())
	})

	t.Run("ListByUserAndStatus", func(t *testing.T) {
		s := newStore(t)
		a := PendingRecord("J1", "U1")
		b := PendingRecord("J2", "U1")
		b.SubmitTime = 2000
		c := PendingRecord("J3", "U2")
		for _, r := range []*job.Record{a, b, c} {
			require.NoError(t, s.Create(ctx, r))
		}
		_, err := s.Transition(ctx, "J3", toRunning)
		require.NoError(t, err)

		mine, err := s.ListByUser(ctx, "U1")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "J2", mine[0].JobID, "newest submission first")
		assert.Equal(t, "J1", mine[1].JobID)

		running, err := s.ListByStatus(ctx, job.StatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "J3", running[0].JobID)

		none, err := s.ListByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
