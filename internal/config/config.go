package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker's full configuration surface. Values load from an
// optional YAML file and may be overridden per-field by environment
// variables. The dead-letter topic is not configurable: it is always
// derived as <topic>.failed.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Worker WorkerConfig `yaml:"worker"`
	TLS    TLSConfig    `yaml:"tls"`
	HTTP   HTTPConfig   `yaml:"http"`
	Log    LogConfig    `yaml:"log"`
}

type BrokerConfig struct {
	// Brokers is a comma-separated seed list, e.g. "host:9092,host:9093".
	Brokers        string        `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxJobSize bounds accepted job payloads in bytes; fetches are sized
	// at twice this value.
	MaxJobSize int `yaml:"max_job_size"`
}

type WorkerConfig struct {
	// Timeout, when positive, overrides every job's declared timeout.
	Timeout time.Duration `yaml:"timeout"`
	// SlotCapacity is the execution-slot pool size used for timeout
	// isolation. One slot preserves strict head-of-line semantics.
	SlotCapacity int `yaml:"slot_capacity"`
	// MaxRetries caps retry decisions per record; zero means unlimited.
	MaxRetries int `yaml:"max_retries"`
	// ForwardTimeout bounds the wait for dead-letter acknowledgment.
	// Zero falls back to the worker timeout, then to a short default.
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	// DeadLetterFallbackPath, when set, appends records to a local JSONL
	// file if the dead-letter topic itself is unreachable.
	DeadLetterFallbackPath string `yaml:"dead_letter_fallback_path"`
	// FailurePolicy selects the built-in callback: "" (none, default
	// commit), "retry", or "deadletter" for failed and timed-out jobs.
	FailurePolicy string `yaml:"failure_policy"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CRLFile  string `yaml:"crl_file"`
}

type HTTPConfig struct {
	MetricsAddr     string        `yaml:"metrics_addr"`
	HealthThreshold time.Duration `yaml:"health_threshold"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Brokers:        "127.0.0.1:9092",
			Topic:          "default",
			ConnectTimeout: 5 * time.Second,
			MaxJobSize:     1048576,
		},
		Worker: WorkerConfig{
			SlotCapacity:   1,
			ForwardTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			MetricsAddr:     ":9090",
			HealthThreshold: 45 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("KAFQ_BROKERS", &c.Broker.Brokers)
	envString("KAFQ_TOPIC", &c.Broker.Topic)
	envDuration("KAFQ_CONNECT_TIMEOUT", &c.Broker.ConnectTimeout)
	envInt("KAFQ_MAX_JOB_SIZE", &c.Broker.MaxJobSize)
	envDuration("KAFQ_TIMEOUT", &c.Worker.Timeout)
	envInt("KAFQ_SLOT_CAPACITY", &c.Worker.SlotCapacity)
	envInt("KAFQ_MAX_RETRIES", &c.Worker.MaxRetries)
	envDuration("KAFQ_FORWARD_TIMEOUT", &c.Worker.ForwardTimeout)
	envString("KAFQ_DLQ_FALLBACK_PATH", &c.Worker.DeadLetterFallbackPath)
	envString("KAFQ_FAILURE_POLICY", &c.Worker.FailurePolicy)
	envBool("KAFQ_TLS_ENABLED", &c.TLS.Enabled)
	envString("KAFQ_TLS_CA_FILE", &c.TLS.CAFile)
	envString("KAFQ_TLS_CERT_FILE", &c.TLS.CertFile)
	envString("KAFQ_TLS_KEY_FILE", &c.TLS.KeyFile)
	envString("KAFQ_TLS_CRL_FILE", &c.TLS.CRLFile)
	envString("KAFQ_METRICS_ADDR", &c.HTTP.MetricsAddr)
	envDuration("KAFQ_HEALTH_THRESHOLD", &c.HTTP.HealthThreshold)
	envString("KAFQ_LOG_LEVEL", &c.Log.Level)
	envString("KAFQ_LOG_FORMAT", &c.Log.Format)
}

func (c *Config) Validate() error {
	if c.Broker.Brokers == "" {
		return fmt.Errorf("config: brokers must not be empty")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("config: topic must not be empty")
	}
	if c.Broker.MaxJobSize <= 0 {
		return fmt.Errorf("config: max_job_size must be positive, got %d", c.Broker.MaxJobSize)
	}
	if c.Worker.SlotCapacity <= 0 {
		return fmt.Errorf("config: slot_capacity must be positive, got %d", c.Worker.SlotCapacity)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative, got %d", c.Worker.MaxRetries)
	}
	switch c.Worker.FailurePolicy {
	case "", "retry", "deadletter":
	default:
		return fmt.Errorf("config: unknown failure_policy %q", c.Worker.FailurePolicy)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls cert_file and key_file must be set together")
	}
	return nil
}

// ResolvedForwardTimeout is the dead-letter acknowledgment wait: the
// configured value, else the worker timeout, else five seconds.
func (c *Config) ResolvedForwardTimeout() time.Duration {
	if c.Worker.ForwardTimeout > 0 {
		return c.Worker.ForwardTimeout
	}
	if c.Worker.Timeout > 0 {
		return c.Worker.Timeout
	}
	return 5 * time.Second
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
