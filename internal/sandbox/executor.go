package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

// ExecutorStats is a snapshot of pool activity.
type ExecutorStats struct {
	Workers   int   `json:"workers"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Executor runs guest work on a fixed set of goroutines so a burst of slow
// guests cannot grow without bound.
type Executor struct {
	jobs         chan *job
	quit         chan struct{}
	queueTimeout time.Duration
	workers      int
	wg           sync.WaitGroup
	closeOnce    sync.Once

	queued    atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewExecutor starts workers goroutines; zero means GOMAXPROCS. A Submit
// waits at most queueTimeout for a free worker.
func NewExecutor(workers int, queueTimeout time.Duration) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueTimeout <= 0 {
		queueTimeout = time.Second
	}
	e := &Executor{
		jobs:         make(chan *job),
		quit:         make(chan struct{}),
		queueTimeout: queueTimeout,
		workers:      workers,
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			e.running.Add(1)
			err := run(j)
			e.running.Add(-1)
			e.completed.Add(1)
			j.done <- err
		}
	}
}

func run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("panic in guest job", zap.Any("panic", r), zap.Stack("stack"))
			err = gwerrors.Errorf(gwerrors.KindInternal, "panic: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Submit runs fn on a worker and returns its error. It fails with
// KindExecutorSaturated when no worker frees up in time.
func (e *Executor) Submit(ctx context.Context, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	e.queued.Add(1)
	timer := time.NewTimer(e.queueTimeout)
	select {
	case e.jobs <- j:
		timer.Stop()
		e.queued.Add(-1)
	case <-timer.C:
		e.queued.Add(-1)
		e.rejected.Add(1)
		return gwerrors.Errorf(gwerrors.KindExecutorSaturated, "no worker free after %s", e.queueTimeout).
			WithStage(gwerrors.StageExecuting)
	case <-e.quit:
		timer.Stop()
		e.queued.Add(-1)
		e.rejected.Add(1)
		return gwerrors.Errorf(gwerrors.KindExecutorSaturated, "executor closed").
			WithStage(gwerrors.StageExecuting)
	case <-ctx.Done():
		timer.Stop()
		e.queued.Add(-1)
		return gwerrors.E(gwerrors.KindGuestExecutionFailed, fmt.Errorf("waiting for worker: %w", ctx.Err())).
			WithStage(gwerrors.StageExecuting)
	}
	return <-j.done
}

// Stats returns a snapshot of pool activity.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Workers:   e.workers,
		Queued:    e.queued.Load(),
		Running:   e.running.Load(),
		Completed: e.completed.Load(),
		Rejected:  e.rejected.Load(),
	}
}

// Close stops the workers after their current jobs finish.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}
