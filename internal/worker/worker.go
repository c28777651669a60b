package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kafq/kafq/internal/codec"
	"github.com/kafq/kafq/internal/deadletter"
	"github.com/kafq/kafq/internal/dispatch"
	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/engine"
	"github.com/kafq/kafq/internal/metrics"
	"github.com/kafq/kafq/internal/telemetry"
)

// ErrSourceClosed signals that the record source has shut down and the
// consumption loop should exit cleanly.
var ErrSourceClosed = errors.New("source closed")

// RecordSource yields one record at a time and commits offsets on demand.
// Fetch blocks until a record arrives or ctx is done; that idle wait is
// unbounded on purpose.
type RecordSource interface {
	Fetch(ctx context.Context) (domain.Record, error)
	Commit(ctx context.Context, rec domain.Record) error
	Close()
}

// Worker drives the consume→decode→execute→classify→commit state machine.
// It processes records strictly sequentially: the commit cursor is owned by
// this loop alone, and for a given partition offsets advance in order, each
// at most once, only after a decisive outcome.
type Worker struct {
	source     RecordSource
	codec      *codec.Codec
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	forwarder  deadletter.Forwarder
	timeout    time.Duration
	maxRetries int
	observer   metrics.WorkerObserver
	logger     *slog.Logger
	lastRecord atomic.Int64
}

type Option func(*Worker)

// WithTimeout sets the worker-level execution timeout, overriding each
// job's own declared timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.timeout = d
	}
}

// WithMaxRetries bounds how many retry decisions a single record may
// accumulate before being coerced to dead-letter. Zero keeps the faithful
// default: a callback that always signals retry re-executes the same
// record forever without advancing the offset.
func WithMaxRetries(n int) Option {
	return func(w *Worker) {
		w.maxRetries = n
	}
}

func WithObserver(obs metrics.WorkerObserver) Option {
	return func(w *Worker) {
		w.observer = obs
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func New(source RecordSource, c *codec.Codec, eng *engine.Engine, disp *dispatch.Dispatcher, fwd deadletter.Forwarder, opts ...Option) *Worker {
	w := &Worker{
		source:     source,
		codec:      c,
		engine:     eng,
		dispatcher: disp,
		forwarder:  fwd,
		observer:   metrics.NoopObserver{},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// LastRecordTime reports when the loop last picked up a record, for
// liveness checks.
func (w *Worker) LastRecordTime() time.Time {
	n := w.lastRecord.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run consumes records until ctx is cancelled or the source closes.
// Per-record failures never escape this loop; only the external stop
// terminates it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rec, err := w.source.Fetch(ctx)
		if errors.Is(err, ErrSourceClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		w.lastRecord.Store(time.Now().UnixNano())

		w.processRecord(ctx, rec)
	}
}

// processRecord runs the attempt loop for one record and settles its
// offset. Decode→execute→dispatch is one atomic attempt; the loop repeats
// while the decision is retry.
func (w *Worker) processRecord(ctx context.Context, rec domain.Record) {
	recCtx, recSpan := telemetry.StartRecordSpan(ctx, rec)
	defer recSpan.End()

	start := time.Now()
	tryCount := 0
	var key []byte
	decision := domain.DecisionRetry

	for decision == domain.DecisionRetry {
		if ctx.Err() != nil {
			return
		}
		decision, key = w.attempt(recCtx, rec, tryCount)
		tryCount++
		if w.maxRetries > 0 && decision == domain.DecisionRetry && tryCount >= w.maxRetries {
			w.logger.Error("retry bound reached, dead-lettering",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
				"attempts", tryCount)
			decision = domain.DecisionDeadLetter
		}
	}
	w.observer.RecordAttempts(tryCount)

	if decision == domain.DecisionDeadLetter {
		fwdCtx, fwdSpan := telemetry.StartForwardSpan(recCtx, rec)
		err := w.forwarder.Forward(fwdCtx, rec, key)
		fwdSpan.End()
		if err != nil {
			// Commit withheld: the broker redelivers this record.
			w.observer.RecordRecordDuration(time.Since(start).Seconds())
			return
		}
	}

	commitCtx, commitSpan := telemetry.StartCommitSpan(recCtx)
	err := w.source.Commit(commitCtx, rec)
	commitSpan.End()
	if err != nil {
		w.logger.Error("offset commit failed",
			"error", err, "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
	} else {
		w.observer.RecordOffsetCommit()
	}
	w.observer.RecordRecordDuration(time.Since(start).Seconds())
}

// attempt decodes and executes the record once. The returned key is the
// partition key recovered from a successful decode, carried forward so the
// dead-letter path never re-parses the payload.
func (w *Worker) attempt(ctx context.Context, rec domain.Record, tryCount int) (domain.Decision, []byte) {
	job, err := w.codec.Decode(rec.Value)
	if err != nil {
		w.logger.Warn("record undecodable, dead-lettering",
			"error", err, "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
		return domain.DecisionDeadLetter, nil
	}

	execCtx, execSpan := telemetry.StartExecuteSpan(ctx, job, tryCount)
	out := w.engine.Execute(execCtx, job, w.timeout)
	execSpan.End()

	out.TryCount = tryCount
	return w.dispatcher.Dispatch(out), job.Key
}
