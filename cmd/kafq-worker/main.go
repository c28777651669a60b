package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kafq/kafq/internal/codec"
	"github.com/kafq/kafq/internal/config"
	"github.com/kafq/kafq/internal/deadletter"
	"github.com/kafq/kafq/internal/dispatch"
	"github.com/kafq/kafq/internal/engine"
	"github.com/kafq/kafq/internal/healthz"
	"github.com/kafq/kafq/internal/metrics"
	"github.com/kafq/kafq/internal/registry"
	"github.com/kafq/kafq/internal/telemetry"
	"github.com/kafq/kafq/internal/worker"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	cfg, err := config.Load(os.Getenv("KAFQ_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting kafq worker",
		"brokers", cfg.Broker.Brokers,
		"topic", cfg.Broker.Topic,
		"group", cfg.Broker.Topic,
		"dead_letter_topic", deadletter.Topic(cfg.Broker.Topic),
		"timeout", cfg.Worker.Timeout,
	)

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tp, err := telemetry.Init()
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	tlsCfg, err := cfg.BuildTLS()
	if err != nil {
		log.Fatalf("build tls config: %v", err)
	}

	reg := registry.New()
	registerBuiltinHandlers(reg)
	cdc := codec.New(reg)

	m := metrics.New()

	eng := engine.New(
		engine.WithCapacity(cfg.Worker.SlotCapacity),
		engine.WithLogger(logger),
	)
	eng.Start()
	defer eng.Close()

	source, err := NewKafkaRecordSource(cfg, tlsCfg)
	if err != nil {
		log.Fatalf("create record source: %v", err)
	}
	defer source.Close()

	sink, err := NewKafkaDeadLetterSink(cfg, tlsCfg)
	if err != nil {
		log.Fatalf("create dead-letter sink: %v", err)
	}
	defer sink.Close()

	fwdOpts := []deadletter.Option{
		deadletter.WithObserver(m),
		deadletter.WithLogger(logger),
	}
	if path := cfg.Worker.DeadLetterFallbackPath; path != "" {
		fileSink, err := deadletter.NewFileSink(path)
		if err != nil {
			log.Fatalf("create dead-letter fallback: %v", err)
		}
		fwdOpts = append(fwdOpts, deadletter.WithFallback(fileSink))
		logger.Info("dead-letter fallback enabled", "path", path)
	}
	fwd := deadletter.NewPublisher(sink, fwdOpts...)

	dispOpts := []dispatch.Option{
		dispatch.WithObserver(m),
		dispatch.WithLogger(logger),
	}
	if cb := policyCallback(cfg.Worker.FailurePolicy); cb != nil {
		dispOpts = append(dispOpts, dispatch.WithCallback(cb))
		logger.Info("failure policy callback enabled", "policy", cfg.Worker.FailurePolicy)
	}
	disp := dispatch.New(dispOpts...)

	w := worker.New(source, cdc, eng, disp, fwd,
		worker.WithTimeout(cfg.Worker.Timeout),
		worker.WithMaxRetries(cfg.Worker.MaxRetries),
		worker.WithObserver(m),
		worker.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", healthz.NewChecker(w, healthz.WithThreshold(cfg.HTTP.HealthThreshold)))
	srv := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.HTTP.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}

	logger.Info("shutting down")
	_ = srv.Close()
	logger.Info("shutdown complete")
}
