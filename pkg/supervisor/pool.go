package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers is used when Config.MaxWorkers is not positive.
const DefaultMaxWorkers = 4

// DefaultHistory is how many finished tasks Snapshot retains.
const DefaultHistory = 100

// Config configures a Pool.
type Config struct {
	// MaxWorkers bounds concurrently running tasks.
	MaxWorkers int

	// Timeout kills a task that runs longer. Zero disables the limit.
	Timeout time.Duration

	// History is the number of finished tasks kept for Snapshot.
	History int

	// OnExit is called after every task finishes, before its slot is released.
	OnExit func(ctx context.Context, e Exit)

	Logger *zap.Logger
}

// Pool supervises worker processes.
type Pool struct {
	launcher Launcher
	sem      *semaphore.Weighted
	timeout  time.Duration
	history  int
	onExit   func(context.Context, Exit)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	running  map[string]*Status
	finished []Status
}

// NewPool creates a pool that starts tasks through launcher.
func NewPool(launcher Launcher, cfg Config) *Pool {
	limit := cfg.MaxWorkers
	if limit <= 0 {
		limit = DefaultMaxWorkers
	}
	history := cfg.History
	if history <= 0 {
		history = DefaultHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		launcher: launcher,
		sem:      semaphore.NewWeighted(int64(limit)),
		timeout:  cfg.Timeout,
		history:  history,
		onExit:   cfg.OnExit,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*Status),
	}
}

// Start launches t if a slot is free. It returns once the process has
// started; the task's lifetime is bound to the pool, not to ctx.
func (p *Pool) Start(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.running[t.JobID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, t.JobID)
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return ErrPoolFull
	}
	status := &Status{JobID: t.JobID, StagedPath: t.StagedPath, State: StateRunning, StartedAt: time.Now().UTC()}
	p.running[t.JobID] = status
	p.wg.Add(1)
	p.mu.Unlock()

	runCtx, cancel := p.taskContext()
	proc, err := p.launcher.Launch(runCtx, t)
	if err != nil {
		cancel()
		p.mu.Lock()
		delete(p.running, t.JobID)
		p.mu.Unlock()
		p.sem.Release(1)
		p.wg.Done()
		return fmt.Errorf("launch worker for %s: %w", t.JobID, err)
	}

	p.mu.Lock()
	status.PID = proc.PID()
	p.mu.Unlock()

	p.logger.Info("Worker started",
		zap.String("job_id", t.JobID),
		zap.Int("pid", proc.PID()),
		zap.String("staged_path", t.StagedPath),
	)

	go p.supervise(runCtx, cancel, t, proc, status.StartedAt)
	return nil
}

func (p *Pool) taskContext() (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(p.ctx, p.timeout)
	}
	return context.WithCancel(p.ctx)
}

func (p *Pool) supervise(runCtx context.Context, cancel context.CancelFunc, t Task, proc Process, started time.Time) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	err := proc.Wait()
	exit := Exit{Task: t, Err: err, StartedAt: started, EndedAt: time.Now().UTC()}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exit.State = StateTimedOut
	case runCtx.Err() != nil:
		exit.State = StateCancelled
	case err != nil:
		exit.State = StateFailed
	default:
		exit.State = StateSucceeded
	}
	cancel()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exit.ExitCode = exitErr.ExitCode()
	}

	log := p.logger.With(
		zap.String("job_id", t.JobID),
		zap.String("state", string(exit.State)),
		zap.Duration("duration", exit.EndedAt.Sub(started)),
	)
	if exit.State == StateSucceeded {
		log.Info("Worker finished")
	} else {
		log.Warn("Worker did not succeed", zap.Int("exit_code", exit.ExitCode), zap.Error(err))
	}

	p.record(exit)

	if p.onExit != nil {
		// Exit hooks run even during shutdown so failures are still recorded.
		hookCtx, hookCancel := context.WithTimeout(context.Background(), 30*time.Second)
		p.onExit(hookCtx, exit)
		hookCancel()
	}
}

func (p *Pool) record(e Exit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.running[e.Task.JobID]
	if !ok {
		return
	}
	delete(p.running, e.Task.JobID)

	done := *st
	done.State = e.State
	done.ExitCode = e.ExitCode
	if e.Err != nil {
		done.Error = e.Err.Error()
	}
	ended := e.EndedAt
	done.EndedAt = &ended

	p.finished = append(p.finished, done)
	if len(p.finished) > p.history {
		p.finished = p.finished[len(p.finished)-p.history:]
	}
}

// Snapshot returns running tasks followed by finished ones, newest first within each group.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.running)+len(p.finished))
	for _, st := range p.running {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	for i := len(p.finished) - 1; i >= 0; i-- {
		out = append(out, p.finished[i])
	}
	return out
}

// Running returns the number of tasks in flight.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Wait blocks until every task has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks and cancels every running one.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// Close rejects new tasks without cancelling running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
