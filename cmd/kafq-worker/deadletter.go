package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafq/kafq/internal/config"
	"github.com/kafq/kafq/internal/deadletter"
	"github.com/kafq/kafq/internal/domain"
)

const producerRetries = 5

// KafkaDeadLetterSink is the long-lived producer for <topic>.failed. It is
// created once at startup and survives for the worker's lifetime; per
// convention it waits for all in-sync replicas to acknowledge.
type KafkaDeadLetterSink struct {
	client     *kgo.Client
	topic      string
	ackTimeout time.Duration
}

func deadLetterProducerOpts(cfg config.Config, topic string, tlsCfg *tls.Config) []kgo.Opt {
	seeds := strings.Split(cfg.Broker.Brokers, ",")
	opts := []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(producerRetries),
		kgo.RecordDeliveryTimeout(30 * time.Second),
		kgo.DialTimeout(cfg.Broker.ConnectTimeout),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts
}

func NewKafkaDeadLetterSink(cfg config.Config, tlsCfg *tls.Config) (*KafkaDeadLetterSink, error) {
	topic := deadletter.Topic(cfg.Broker.Topic)
	client, err := kgo.NewClient(deadLetterProducerOpts(cfg, topic, tlsCfg)...)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter producer: %w", err)
	}
	return &KafkaDeadLetterSink{
		client:     client,
		topic:      topic,
		ackTimeout: cfg.ResolvedForwardTimeout(),
	}, nil
}

// buildDeadLetterRecord wraps the raw payload verbatim; provenance travels
// in headers only.
func buildDeadLetterRecord(rec domain.Record, key []byte) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: "source_topic", Value: []byte(rec.Topic)},
		{Key: "source_partition", Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
		{Key: "source_offset", Value: []byte(strconv.FormatInt(rec.Offset, 10))},
		{Key: "failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	}
	return &kgo.Record{
		Key:     key,
		Value:   rec.Value,
		Headers: headers,
	}
}

func (k *KafkaDeadLetterSink) Publish(ctx context.Context, rec domain.Record, key []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, k.ackTimeout)
	defer cancel()

	record := buildDeadLetterRecord(rec, key)
	result := k.client.ProduceSync(pubCtx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("dead-letter produce to %s: %w", k.topic, err)
	}
	slog.Info("dead-lettered record",
		"dead_letter_topic", k.topic,
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
	)
	return nil
}

func (k *KafkaDeadLetterSink) Close() {
	k.client.Close()
}
