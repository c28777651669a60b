package domain

import (
	"context"
	"time"
)

// Handler is the executable a job's Func field resolves to. Args and kwargs
// arrive exactly as they were decoded from the payload; the handler is
// responsible for coercing them to its expected shapes.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Job is a decoded job descriptor. Read-only once decoded; never persisted.
type Job struct {
	ID      string
	Func    string
	Args    []any
	Kwargs  map[string]any
	Timeout time.Duration
	Key     []byte

	// Fn is the registry resolution of Func, attached at decode time.
	Fn Handler
}

// Record is the broker-owned envelope a job descriptor arrives in.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Outcome is the classified result of one execution attempt.
type Outcome struct {
	Status   Status
	Job      Job
	Result   any
	Err      error
	Trace    string
	TryCount int
}

// Decision is the per-attempt commit signal. Retry and DeadLetter are
// sentinels; every other value commits, so a callback returning any
// ordinary value advances the offset.
type Decision int

const (
	DecisionRetry      Decision = 0
	DecisionCommit     Decision = 1
	DecisionDeadLetter Decision = -1
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dead-letter"
	default:
		return "commit"
	}
}
