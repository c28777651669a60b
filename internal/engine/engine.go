package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kafq/kafq/internal/domain"
)

// Engine executes job handlers. Jobs without an effective timeout run
// inline in the caller's goroutine with no bound. Jobs with one are handed
// to a persistent pool of execution slots (capacity 1 unless configured
// otherwise) and the caller waits on the slot's result for up to the
// timeout. An in-process call cannot be preempted, so the slot is the only
// way to bound wall-clock time; a timed-out handler keeps its slot until
// it returns on its own, which can starve later timeout-bound jobs.
type Engine struct {
	capacity int
	tasks    chan task
	quit     chan struct{}
	start    sync.Once
	logger   *slog.Logger
}

type task struct {
	ctx    context.Context
	job    domain.Job
	result chan domain.Outcome
}

type Option func(*Engine)

// WithCapacity sets the number of execution slots. More than one slot
// weakens head-of-line blocking but still serializes nothing else.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		capacity: 1,
		tasks:    make(chan task),
		quit:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start spins up the execution slots. Execute calls it lazily; calling it
// again is a no-op.
func (e *Engine) Start() {
	e.start.Do(func() {
		e.logger.Info("execution slots started", "capacity", e.capacity)
		for i := 0; i < e.capacity; i++ {
			go e.slot()
		}
	})
}

// Close releases idle slots. A slot stuck in a hung handler is abandoned;
// whole-worker shutdown is the only reclamation.
func (e *Engine) Close() {
	close(e.quit)
}

func (e *Engine) slot() {
	for {
		select {
		case <-e.quit:
			return
		case t := <-e.tasks:
			t.result <- run(t.ctx, t.job)
		}
	}
}

// Execute runs job and classifies the result. workerTimeout, when positive,
// overrides the job's own timeout; with neither set the handler runs
// unbounded in the calling goroutine.
func (e *Engine) Execute(ctx context.Context, job domain.Job, workerTimeout time.Duration) domain.Outcome {
	timeout := workerTimeout
	if timeout <= 0 {
		timeout = job.Timeout
	}
	if timeout <= 0 {
		return run(ctx, job)
	}

	e.Start()

	t := task{ctx: ctx, job: job, result: make(chan domain.Outcome, 1)}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return domain.Outcome{Status: domain.StatusFailure, Job: job, Err: ctx.Err()}
	}

	// The clock starts once a slot has accepted the job, so time queued
	// behind an earlier hung handler does not count against this job.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-t.result:
		return out
	case <-timer.C:
		e.logger.Error("job timed out", "job_id", job.ID, "func", job.Func, "timeout", timeout)
		return domain.Outcome{Status: domain.StatusTimeout, Job: job}
	case <-ctx.Done():
		return domain.Outcome{Status: domain.StatusFailure, Job: job, Err: ctx.Err()}
	}
}

func run(ctx context.Context, job domain.Job) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.Outcome{
				Status: domain.StatusFailure,
				Job:    job,
				Err:    fmt.Errorf("handler panic: %v", r),
				Trace:  string(debug.Stack()),
			}
		}
	}()

	result, err := job.Fn(ctx, job.Args, job.Kwargs)
	if err != nil {
		return domain.Outcome{
			Status: domain.StatusFailure,
			Job:    job,
			Err:    err,
			Trace:  string(debug.Stack()),
		}
	}
	return domain.Outcome{Status: domain.StatusSuccess, Job: job, Result: result}
}
