package deadletter

import (
	"context"
	"log/slog"

	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/metrics"
)

// TopicSuffix is appended to the source topic to derive the dead-letter
// topic. The name is a fixed convention, not configuration.
const TopicSuffix = ".failed"

// Topic returns the dead-letter topic for a source topic.
func Topic(topic string) string {
	return topic + TopicSuffix
}

// Sink publishes a raw record to a dead-letter destination. The payload
// bytes go out verbatim; key is the partition key recovered from the
// record's first successful decode, nil when the record never decoded.
type Sink interface {
	Publish(ctx context.Context, rec domain.Record, key []byte) error
}

// Forwarder is what the commit controller gates offset commits on.
type Forwarder interface {
	Forward(ctx context.Context, rec domain.Record, key []byte) error
}

// Publisher forwards failed records through a primary sink, optionally
// falling back to a secondary one. A successful fallback write counts as a
// successful forward: the record is durably captured either way.
type Publisher struct {
	sink     Sink
	fallback Sink
	observer metrics.WorkerObserver
	logger   *slog.Logger
}

type Option func(*Publisher)

func WithFallback(sink Sink) Option {
	return func(p *Publisher) {
		p.fallback = sink
	}
}

func WithObserver(obs metrics.WorkerObserver) Option {
	return func(p *Publisher) {
		p.observer = obs
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:     sink,
		observer: metrics.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) Forward(ctx context.Context, rec domain.Record, key []byte) error {
	err := p.sink.Publish(ctx, rec, key)
	if err == nil {
		p.observer.RecordDeadLettered()
		return nil
	}

	p.logger.Error("dead-letter publish failed",
		"error", err,
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
	)
	p.observer.RecordForwardError()

	if p.fallback == nil {
		return err
	}
	if fbErr := p.fallback.Publish(ctx, rec, key); fbErr != nil {
		p.logger.Error("dead-letter fallback failed",
			"error", fbErr,
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
		)
		return err
	}
	p.observer.RecordDeadLettered()
	return nil
}
