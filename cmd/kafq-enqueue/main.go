// Command kafq-enqueue publishes a single job descriptor to a topic. It is
// the producer-side counterpart of kafq-worker, mainly useful for smoke
// tests and operational requeueing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kafq/kafq/internal/codec"
	"github.com/kafq/kafq/internal/config"
	"github.com/kafq/kafq/internal/domain"
	"github.com/kafq/kafq/internal/registry"
)

func main() {
	var (
		brokers    = flag.String("brokers", "", "comma-separated broker seed list (default from config/env)")
		topic      = flag.String("topic", "", "target topic (default from config/env)")
		funcName   = flag.String("func", "", "handler name the consuming worker resolves")
		argsJSON   = flag.String("args", "[]", "positional arguments as a JSON array")
		kwargsJSON = flag.String("kwargs", "{}", "keyword arguments as a JSON object")
		timeout    = flag.Duration("timeout", 0, "per-job execution timeout, e.g. 30s (0 = none)")
		key        = flag.String("key", "", "partition key")
	)
	flag.Parse()

	if *funcName == "" {
		fmt.Fprintln(os.Stderr, "kafq-enqueue: -func is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("KAFQ_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *brokers != "" {
		cfg.Broker.Brokers = *brokers
	}
	if *topic != "" {
		cfg.Broker.Topic = *topic
	}

	var args []any
	if err := json.Unmarshal([]byte(*argsJSON), &args); err != nil {
		log.Fatalf("parse -args: %v", err)
	}
	var kwargs map[string]any
	if err := json.Unmarshal([]byte(*kwargsJSON), &kwargs); err != nil {
		log.Fatalf("parse -kwargs: %v", err)
	}

	job := domain.Job{
		ID:      uuid.NewString(),
		Func:    *funcName,
		Args:    args,
		Kwargs:  kwargs,
		Timeout: *timeout,
	}
	if *key != "" {
		job.Key = []byte(*key)
	}

	payload, err := codec.New(registry.New()).Encode(job)
	if err != nil {
		log.Fatalf("encode job: %v", err)
	}
	if len(payload) > cfg.Broker.MaxJobSize {
		log.Fatalf("job payload is %d bytes, exceeds max_job_size %d", len(payload), cfg.Broker.MaxJobSize)
	}

	tlsCfg, err := cfg.BuildTLS()
	if err != nil {
		log.Fatalf("build tls config: %v", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(cfg.Broker.Brokers, ",")...),
		kgo.DefaultProduceTopic(cfg.Broker.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DialTimeout(cfg.Broker.ConnectTimeout),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		log.Fatalf("create producer: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	record := &kgo.Record{Key: job.Key, Value: payload}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		log.Fatalf("produce job: %v", err)
	}

	fmt.Printf("enqueued job %s (func=%s) to %s\n", job.ID, job.Func, cfg.Broker.Topic)
}
