package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafq/kafq/internal/config"
	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/worker"
)

// KafkaRecordSource adapts a franz-go consumer-group client to the
// worker's one-record-at-a-time source. The group is named after the
// topic, auto-commit is disabled, and per-partition fetches are sized to
// twice the maximum accepted job payload.
type KafkaRecordSource struct {
	client *kgo.Client
	buf    []domain.Record
}

func NewKafkaRecordSource(cfg config.Config, tlsCfg *tls.Config) (*KafkaRecordSource, error) {
	seeds := strings.Split(cfg.Broker.Brokers, ",")
	opts := []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.ConsumerGroup(cfg.Broker.Topic),
		kgo.ConsumeTopics(cfg.Broker.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxPartitionBytes(partitionFetchBytes(cfg.Broker.MaxJobSize)),
		kgo.DialTimeout(cfg.Broker.ConnectTimeout),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	// An unreachable broker at construction time is fatal.
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}

	return &KafkaRecordSource{client: client}, nil
}

// partitionFetchBytes doubles the accepted job size so a payload at the
// limit still fits in one fetch, saturating at the protocol's int32 bound.
func partitionFetchBytes(maxJobSize int) int32 {
	n := maxJobSize * 2
	if n < 0 || n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

// Fetch blocks until a record is available. Batches from the broker are
// buffered and handed out one at a time so the worker commits in strict
// offset order.
func (s *KafkaRecordSource) Fetch(ctx context.Context) (domain.Record, error) {
	for len(s.buf) == 0 {
		if err := s.ingest(ctx, s.client.PollFetches(ctx)); err != nil {
			return domain.Record{}, err
		}
	}

	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

// ingest buffers every record a poll delivered before inspecting its
// errors. The client has already advanced its consumed position past those
// records, so dropping them would let a later commit on the same partition
// mark them processed without a single execution.
func (s *KafkaRecordSource) ingest(ctx context.Context, fetches kgo.Fetches) error {
	if fetches.IsClientClosed() {
		return worker.ErrSourceClosed
	}

	fetches.EachRecord(func(r *kgo.Record) {
		headers := make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
		s.buf = append(s.buf, domain.Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   headers,
			Timestamp: r.Timestamp,
		})
	})

	for _, e := range fetches.Errors() {
		if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
			if len(s.buf) == 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return e.Err
			}
			continue
		}
		// Partition errors are transient: the surrounding records were
		// kept and the next poll retries the partition.
		slog.Error("kafka poll error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
	}
	return nil
}

func (s *KafkaRecordSource) Commit(ctx context.Context, rec domain.Record) error {
	r := &kgo.Record{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset}
	if err := s.client.CommitRecords(ctx, r); err != nil {
		return fmt.Errorf("commit offset %d on %s/%d: %w", rec.Offset, rec.Topic, rec.Partition, err)
	}
	return nil
}

func (s *KafkaRecordSource) Close() {
	s.client.Close()
}
