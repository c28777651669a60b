package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	jobsProcessed  *prometheus.CounterVec
	attempts       prometheus.Histogram
	recordDuration prometheus.Histogram
	offsetCommits  prometheus.Counter
	deadLettered   prometheus.Counter
	forwardErrors  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	jobsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kafq_jobs_processed_total",
		Help: "Total number of execution attempts by outcome",
	}, []string{"outcome"})

	attempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kafq_record_attempts",
		Help:    "Number of attempts per record before a decisive outcome",
		Buckets: []float64{1, 2, 3, 5, 10, 25, 100},
	})

	recordDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kafq_record_duration_seconds",
		Help:    "Wall-clock time spent on a record from fetch to decision",
		Buckets: prometheus.DefBuckets,
	})

	offsetCommits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafq_offset_commits_total",
		Help: "Total number of committed record offsets",
	})

	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafq_dead_lettered_total",
		Help: "Total number of records forwarded to the dead-letter topic",
	})

	forwardErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafq_forward_errors_total",
		Help: "Total number of dead-letter forward failures",
	})

	reg.MustRegister(jobsProcessed, attempts, recordDuration, offsetCommits, deadLettered, forwardErrors)

	return &Metrics{
		registry:       reg,
		jobsProcessed:  jobsProcessed,
		attempts:       attempts,
		recordDuration: recordDuration,
		offsetCommits:  offsetCommits,
		deadLettered:   deadLettered,
		forwardErrors:  forwardErrors,
	}
}

func (m *Metrics) RecordJobProcessed(outcome string) {
	m.jobsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAttempts(n int) {
	m.attempts.Observe(float64(n))
}

func (m *Metrics) RecordRecordDuration(seconds float64) {
	m.recordDuration.Observe(seconds)
}

func (m *Metrics) RecordOffsetCommit() {
	m.offsetCommits.Inc()
}

func (m *Metrics) RecordDeadLettered() {
	m.deadLettered.Inc()
}

func (m *Metrics) RecordForwardError() {
	m.forwardErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
