package dispatch

import (
	"log/slog"

	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/metrics"
)

// Callback receives every classified outcome and returns the commit
// decision for that attempt. It runs on the worker's consumption goroutine;
// a slow callback stalls the partition.
type Callback func(status domain.Status, job domain.Job, result any, err error, trace string, tryCount int) domain.Decision

// Dispatcher classifies execution outcomes and turns them into commit
// decisions. Without a callback every outcome commits, including failures
// and timeouts: an unconfigured worker discards bad jobs rather than
// retrying or dead-lettering them.
type Dispatcher struct {
	callback Callback
	observer metrics.WorkerObserver
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithCallback(cb Callback) Option {
	return func(d *Dispatcher) {
		d.callback = cb
	}
}

func WithObserver(obs metrics.WorkerObserver) Option {
	return func(d *Dispatcher) {
		d.observer = obs
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		observer: metrics.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch records the outcome and resolves the commit decision. A panic
// inside the callback is logged and suppressed, and counts as no decision.
func (d *Dispatcher) Dispatch(out domain.Outcome) domain.Decision {
	d.observer.RecordJobProcessed(string(out.Status))

	switch out.Status {
	case domain.StatusSuccess:
		d.logger.Info("job succeeded", "job_id", out.Job.ID, "func", out.Job.Func, "try_count", out.TryCount)
	case domain.StatusTimeout:
		d.logger.Error("job timed out", "job_id", out.Job.ID, "func", out.Job.Func, "try_count", out.TryCount)
	case domain.StatusFailure:
		d.logger.Error("job failed", "job_id", out.Job.ID, "func", out.Job.Func,
			"error", out.Err, "try_count", out.TryCount)
	}

	if d.callback == nil {
		return domain.DecisionCommit
	}

	decision, ok := d.invoke(out)
	if !ok {
		return domain.DecisionCommit
	}
	return decision
}

func (d *Dispatcher) invoke(out domain.Outcome) (decision domain.Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "job_id", out.Job.ID, "panic", r)
			ok = false
		}
	}()
	return d.callback(out.Status, out.Job, out.Result, out.Err, out.Trace, out.TryCount), true
}
