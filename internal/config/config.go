// Package config loads and validates the process-wide configuration for a
// snapgraph service binary (the edda indexer, the change-set engine, or the
// ops/metrics sidecar): connection settings for NATS/Postgres/Redis, the
// split-graph partitioning policy, the edda quiescence/build-concurrency
// knobs, the adaptive rate limiter, and logging. Loaded from YAML with an
// environment-variable overlay, the same two-pass shape the teacher's own
// config loader uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/si-workspace/snapgraph/pkg/shared/errors"
)

// ServerConfig controls the ops/metrics HTTP surface (pkg/infrastructure/metrics).
type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
}

// NATSConfig controls the JetStream connection used by the change-set
// engine's outbox publish and the edda indexer's consumer.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// PostgresConfig controls the snapshot store / Frigg index store's
// Postgres connection.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig controls the memory-cache layer fronting the snapshot store
// and Frigg index store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// EddaConfig controls the materialized-view indexer's per-change-set
// processor tasks.
type EddaConfig struct {
	QuiescentPeriod    time.Duration `yaml:"quiescent_period"`
	ParallelBuildLimit int           `yaml:"parallel_build_limit"`
}

// SplitGraphConfig controls the content-addressed graph store's
// partitioning policy.
type SplitGraphConfig struct {
	PartitionThreshold int `yaml:"partition_threshold"`
}

// RateLimiterConfig controls the adaptive backoff applied to throttled
// downstreams (e.g. the artifact store).
type RateLimiterConfig struct {
	MinDelayMs                int64   `yaml:"min_delay_ms"`
	MaxDelayMs                int64   `yaml:"max_delay_ms"`
	InitialBackoffMs          int64   `yaml:"initial_backoff_ms"`
	AdjustmentSizeMs          int64   `yaml:"adjustment_size_ms"`
	InitialLearningRate       float64 `yaml:"initial_learning_rate"`
	MinLearningRate           float64 `yaml:"min_learning_rate"`
	MaxLearningRate           float64 `yaml:"max_learning_rate"`
	LearningRateGrowth        float64 `yaml:"learning_rate_growth"`
	LearningRateShrink        float64 `yaml:"learning_rate_shrink"`
	SuccessesBeforeReduction  uint32  `yaml:"successes_before_reduction"`
	ZenoThresholdMs           int64   `yaml:"zeno_threshold_ms"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	NATS        NATSConfig        `yaml:"nats"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Edda        EddaConfig        `yaml:"edda"`
	SplitGraph  SplitGraphConfig  `yaml:"splitgraph"`
	RateLimiter RateLimiterConfig `yaml:"ratelimiter"`
	Logging     LoggingConfig     `yaml:"logging"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{MetricsPort: "9090"},
		NATS:   NATSConfig{URL: "nats://localhost:4222", Prefix: ""},
		Postgres: PostgresConfig{
			Host: "localhost", Port: 5432, User: "snapgraph",
			Database: "workspace_snapshots", SSLMode: "disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Edda: EddaConfig{
			QuiescentPeriod:    5 * time.Minute,
			ParallelBuildLimit: 8,
		},
		SplitGraph:  SplitGraphConfig{PartitionThreshold: 4096},
		RateLimiter: defaultRateLimiter(),
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

func defaultRateLimiter() RateLimiterConfig {
	return RateLimiterConfig{
		MinDelayMs: 0, MaxDelayMs: 5000, InitialBackoffMs: 100,
		AdjustmentSizeMs: 100, InitialLearningRate: 1.0,
		MinLearningRate: 0.1, MaxLearningRate: 3.0,
		LearningRateGrowth: 1.1, LearningRateShrink: 0.9,
		SuccessesBeforeReduction: 3, ZenoThresholdMs: 50,
	}
}

// Load reads path as YAML, applies environment-variable overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file")
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file")
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.ValidationError("DB_PORT", "must be an integer")
		}
		cfg.Postgres.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PARALLEL_BUILD_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.ValidationError("PARALLEL_BUILD_LIMIT", "must be an integer")
		}
		cfg.Edda.ParallelBuildLimit = n
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.NATS.URL == "" {
		return errors.ValidationError("nats.url", "is required")
	}
	if cfg.Postgres.Host == "" {
		return errors.ValidationError("postgres.host", "is required")
	}
	if cfg.Postgres.Database == "" {
		return errors.ValidationError("postgres.database", "is required")
	}
	if cfg.Edda.ParallelBuildLimit <= 0 {
		return errors.ValidationError("edda.parallel_build_limit", "must be greater than 0")
	}
	if cfg.Edda.QuiescentPeriod <= 0 {
		return errors.ValidationError("edda.quiescent_period", "must be greater than 0")
	}
	if cfg.SplitGraph.PartitionThreshold <= 0 {
		return errors.ValidationError("splitgraph.partition_threshold", "must be greater than 0")
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return errors.ValidationError("logging.format", fmt.Sprintf("unsupported format %q", cfg.Logging.Format))
	}
	return nil
}

// Watch installs an fsnotify watcher on path and invokes onReload with the
// freshly parsed Config every time the file is rewritten. The returned
// closer stops the watch. A reload that fails validation is passed to
// onReload as its error argument; Watch keeps no Config of its own.
func Watch(path string, onReload func(*Config, error)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start config watcher")
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file")
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			onReload(cfg, err)
		}
	}()

	return watcher.Close, nil
}
