package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/jobstore/jobstoretest"
	"github.com/3leaps/jobline/pkg/jobstore/sqlite"
	"github.com/3leaps/jobline/pkg/provider"
	"github.com/3leaps/jobline/pkg/provider/file"
)

type capturePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (p *capturePublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

type failingComputer struct{}

func (failingComputer) Compute(context.Context, Computation) error { return errors.New("segfault") }

// brokenOpener fails every upload.
type brokenOpener struct{}

func (brokenOpener) Open(context.Context, string) (provider.Provider, error) {
	return nil, &provider.ProviderError{Op: "Open", Provider: provider.ProviderS3, Err: provider.ErrAccessDenied}
}

type harness struct {
	store     jobstore.Store
	results   *file.Opener
	publisher *capturePublisher
	staging   string
	staged    string
}

func newHarness(t *testing.T, status job.Status) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Create(ctx, jobstoretest.PendingRecord("J1", "U1")))
	if status == job.StatusRunning {
		_, err := store.Transition(ctx, "J1", jobstore.Transition{From: job.StatusPending, To: job.StatusRunning, Fields: job.Fields{StartTime: 1100}})
		require.NoError(t, err)
	}

	results, err := file.NewOpener(file.Config{Root: t.TempDir()})
	require.NoError(t, err)

	staging := t.TempDir()
	staged := filepath.Join(staging, "P1", "U1", "J1", "sample.vcf")
	require.NoError(t, os.MkdirAll(filepath.Dir(staged), 0o755))
	require.NoError(t, os.WriteFile(staged, []byte("#CHROM\tPOS\n1\t100\n2\t200\n"), 0o644))

	return &harness{store: store, results: results, publisher: &capturePublisher{}, staging: staging, staged: staged}
}

func (h *harness) worker(t *testing.T, mutate func(*Config)) *Worker {
	t.Helper()
	cfg := Config{
		Store:          h.store,
		Results:        h.results,
		Publisher:      h.publisher,
		StagingDir:     h.staging,
		ResultsBucket:  "out",
		PendingBackoff: time.Millisecond,
		Logger:         zap.NewNop(),
		Now:            func() time.Time { return time.Unix(1200, 0) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	return w
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRunCompletesJ1(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusRunning)

	report, err := h.worker(t, nil).Run(ctx, h.staged)
	require.NoError(t, err)
	assert.True(t, report.ResultUploaded)
	assert.True(t, report.LogUploaded)
	assert.True(t, report.Published)
	assert.Equal(t, jobstore.OutcomeApplied, report.Outcome)

	rec, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, rec.Status)
	assert.Equal(t, int64(1200), rec.CompleteTime)
	assert.Equal(t, "out", rec.ResultsBucket)
	assert.Equal(t, "P1/U1/J1/sample.result.vcf", rec.ResultKey)
	assert.Equal(t, "P1/U1/J1/sample.vcf.count.log", rec.LogKey)

	// Artifacts are retrievable at exactly the recorded keys.
	out, err := h.results.Open(ctx, rec.ResultsBucket)
	require.NoError(t, err)
	for _, key := range []string{rec.ResultKey, rec.LogKey} {
		body, _, err := out.GetObject(ctx, key)
		require.NoError(t, err, key)
		data, _ := io.ReadAll(body)
		_ = body.Close()
		assert.NotEmpty(t, data, key)
	}

	assert.NoDirExists(t, filepath.Dir(h.staged), "staging removed")

	require.Len(t, h.publisher.payloads, 1)
	event, err := job.DecodeCompletion(h.publisher.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, job.Completion{JobID: "J1", UserID: "U1", InputFileName: "sample.vcf", InputsBucket: "in", CompleteTime: 1200}, event)
}

func TestRunTwiceDoesNotDoubleComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusRunning)
	w := h.worker(t, nil)

	_, err := w.Run(ctx, h.staged)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(h.staged), 0o755))
	require.NoError(t, os.WriteFile(h.staged, []byte("x\n"), 0o644))
	report, err := w.Run(ctx, h.staged)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, jobstore.OutcomeAlreadyAdvanced, report.Outcome)
	assert.Len(t, h.publisher.payloads, 1, "no second completion event")
}

func TestRunComputationFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusRunning)

	_, err := h.worker(t, func(c *Config) { c.Computer = failingComputer{} }).Run(ctx, h.staged)
	require.ErrorIs(t, err, ErrComputation)

	rec, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "segfault")
	assert.Empty(t, h.publisher.payloads)
	assert.NoDirExists(t, filepath.Dir(h.staged))
}

func TestRunUploadFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusRunning)

	report, err := h.worker(t, func(c *Config) { c.Results = brokenOpener{} }).Run(ctx, h.staged)
	require.ErrorIs(t, err, ErrResultUpload)
	assert.False(t, report.ResultUploaded)
	assert.False(t, report.LogUploaded)

	rec, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.NoDirExists(t, filepath.Dir(h.staged), "cleanup still runs")
}

func TestRunPublishFailureEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusRunning)
	h.publisher.err = errors.New("topic gone")

	report, err := h.worker(t, nil).Run(ctx, h.staged)
	require.Error(t, err)
	assert.False(t, report.Published)

	rec, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, rec.Status, "completion stays recorded")
}

func TestRunWaitsForRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, job.StatusPending)

	var once sync.Once
	w := h.worker(t, func(c *Config) {
		c.PendingRetries = 3
		c.Computer = computerFunc(func(ctx context.Context, comp Computation) error {
			// Dispatcher writes RUNNING while the worker is still computing.
			once.Do(func() {
				go func() {
					time.Sleep(2 * time.Millisecond)
					_, _ = h.store.Transition(context.Background(), "J1", jobstore.Transition{From: job.StatusPending, To: job.StatusRunning})
				}()
			})
			return CountComputer{}.Compute(ctx, comp)
		})
		c.PendingBackoff = 20 * time.Millisecond
	})

	_, err := w.Run(ctx, h.staged)
	require.NoError(t, err)

	rec, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, rec.Status)
}

func TestRunGivesUpWhenStillPending(t *testing.T) {
	h := newHarness(t, job.StatusPending)
	_, err := h.worker(t, func(c *Config) { c.PendingRetries = 2 }).Run(context.Background(), h.staged)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRunRejectsPathOutsideStaging(t *testing.T) {
	h := newHarness(t, job.StatusRunning)
	_, err := h.worker(t, nil).Run(context.Background(), "/tmp/elsewhere/sample.vcf")
	require.Error(t, err)
}

type computerFunc func(ctx context.Context, c Computation) error

func (f computerFunc) Compute(ctx context.Context, c Computation) error { return f(ctx, c) }
