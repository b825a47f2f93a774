package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Scope is the default scope used by the CLI and worker pools.
	Scope               string        `yaml:"scope" env:"SCOPE"`
	Concurrency         int           `yaml:"concurrency" env:"CONCURRENCY"`
	ContinueWaitTimeout time.Duration `yaml:"continueWaitTimeout" env:"CONTINUE_WAIT_TIMEOUT"`
	OrphanTimeout       time.Duration `yaml:"orphanTimeout" env:"ORPHAN_TIMEOUT"`
	StallTimeout        time.Duration `yaml:"stallTimeout" env:"STALL_TIMEOUT"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	ResultTTL           time.Duration `yaml:"resultTTL" env:"RESULT_TTL"`
	MaxAttempts         int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`

	Backend string `yaml:"backend" env:"BACKEND"`
	DataDir string `yaml:"dataDir" env:"DATA_DIR"`
	// Fsync is always, interval or never.
	Fsync string `yaml:"fsync" env:"FSYNC"`

	Redis      Redis      `yaml:"redis" envPrefix:"REDIS_"`
	Postgres   Postgres   `yaml:"postgres" envPrefix:"POSTGRES_"`
	Kafka      Kafka      `yaml:"kafka" envPrefix:"KAFKA_"`
	Journal    Journal    `yaml:"journal" envPrefix:"JOURNAL_"`
	Reconciler Reconciler `yaml:"reconciler" envPrefix:"RECONCILER_"`
	Breaker    Breaker    `yaml:"breaker" envPrefix:"BREAKER_"`
	Server     Server     `yaml:"server" envPrefix:"SERVER_"`
	Log        Log        `yaml:"log" envPrefix:"LOG_"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type Postgres struct {
	DSN      string `yaml:"dsn" env:"DSN"`
	MaxConns int32  `yaml:"maxConns" env:"MAX_CONNS"`
}

// Kafka enables lifecycle events when Brokers is non-empty.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

// Journal keeps lifecycle events under {dataDir}/journal. A zero Retention
// keeps them forever.
type Journal struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

type Reconciler struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize int           `yaml:"batchSize" env:"BATCH_SIZE"`
	Scopes    []string      `yaml:"scopes" env:"SCOPES" envSeparator:","`
}

// Breaker configures the store circuit breaker. A zero FailureThreshold
// disables it.
type Breaker struct {
	MaxRequests      uint32        `yaml:"maxRequests" env:"MAX_REQUESTS"`
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FailureThreshold uint32        `yaml:"failureThreshold" env:"FAILURE_THRESHOLD"`
}

type Server struct {
	GRPCAddr string `yaml:"grpcAddr" env:"GRPC_ADDR"`
	HTTPAddr string `yaml:"httpAddr" env:"HTTP_ADDR"`
	// RateLimit is requests per second per client IP on the HTTP API; zero
	// disables limiting.
	RateLimit int `yaml:"rateLimit" env:"RATE_LIMIT"`
}

type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Scope:               "default",
		Concurrency:         2,
		ContinueWaitTimeout: 5 * time.Second,
		OrphanTimeout:       120 * time.Second,
		StallTimeout:        time.Minute,
		HeartbeatInterval:   15 * time.Second,
		ResultTTL:           10 * time.Minute,
		MaxAttempts:         3,
		Backend:             BackendPebble,
		Fsync:               "interval",
		Redis:               Redis{Addr: "localhost:6379"},
		Postgres:            Postgres{MaxConns: 10},
		Kafka:               Kafka{Topic: "orchq.events"},
		Journal:             Journal{Enabled: true, Retention: 24 * time.Hour},
		Reconciler: Reconciler{
			Enabled:   true,
			Interval:  5 * time.Second,
			BatchSize: 100,
		},
		Breaker: Breaker{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},
		Server: Server{GRPCAddr: ":50051", HTTPAddr: ":8080"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML or JSON file over the defaults. JSON is
// parsed as YAML. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteYAML encodes c in the same layout Load reads.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Validate checks enumerated fields and backend requirements.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPebble, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres backend requires postgres.dsn")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown fsync mode %q", c.Fsync)
	}
	if c.Journal.Retention < 0 {
		return fmt.Errorf("config: journal.retention must not be negative")
	}
	if c.Concurrency < 0 || c.MaxAttempts < 0 {
		return fmt.Errorf("config: concurrency and maxAttempts must not be negative")
	}
	return nil
}
