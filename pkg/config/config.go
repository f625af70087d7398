// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Redis, Kafka, Scheduler, Ledger, Index).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Index     IndexConfig     `yaml:"index"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the search API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the catalog and
// the job ledger.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection, cache, and trigger-channel parameters.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"poolSize"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	TriggerChannel string        `yaml:"triggerChannel"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	JobEvents      string `yaml:"jobEvents"`
	SchedulerStats string `yaml:"schedulerStats"`
}

// SchedulerConfig controls task fan-in and dispatch.
type SchedulerConfig struct {
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	QueueSize      int           `yaml:"queueSize"`
	HeadInterval   time.Duration `yaml:"headInterval"`
	HeadWindow     time.Duration `yaml:"headWindow"`
	HistoryPeriod  time.Duration `yaml:"historyPeriod"`
	PeriodicEvery  time.Duration `yaml:"periodicEvery"`
	StatsFlushSize int           `yaml:"statsFlushSize"`
}

// LedgerConfig controls job locking, staleness, and the worker loop.
type LedgerConfig struct {
	Service      string        `yaml:"service"`
	LockTimeout  time.Duration `yaml:"lockTimeout"`
	JobDeadline  time.Duration `yaml:"jobDeadline"`
	MaxIdleSleep time.Duration `yaml:"maxIdleSleep"`
	TxAttempts   int           `yaml:"txAttempts"`
}

// IndexConfig controls the in-memory search index.
type IndexConfig struct {
	TextBudget      time.Duration `yaml:"textBudget"`
	RescoreInterval time.Duration `yaml:"rescoreInterval"`
	MaxQueryLength  int           `yaml:"maxQueryLength"`
	DefaultLimit    int           `yaml:"defaultLimit"`
	MaxLimit        int           `yaml:"maxLimit"`
}

// SnapshotConfig controls index snapshot checkpoints to the blob store.
type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "pkgdepot",
			User:            "pkgdepot",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			Password:       "",
			DB:             0,
			PoolSize:       10,
			CacheTTL:       60 * time.Second,
			TriggerChannel: "pkgdepot:reindex",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "pkgdepot-group",
			Topics: KafkaTopics{
				JobEvents:      "job-events",
				SchedulerStats: "scheduler-stats",
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:  8,
			QueueSize:      512,
			HeadInterval:   time.Minute,
			HeadWindow:     5 * time.Minute,
			HistoryPeriod:  24 * time.Hour,
			PeriodicEvery:  2 * time.Hour,
			StatsFlushSize: 100,
		},
		Ledger: LedgerConfig{
			Service:      "analyzer",
			LockTimeout:  2 * time.Hour,
			JobDeadline:  15 * time.Minute,
			MaxIdleSleep: time.Minute,
			TxAttempts:   5,
		},
		Index: IndexConfig{
			TextBudget:      500 * time.Millisecond,
			RescoreInterval: 12 * time.Hour,
			MaxQueryLength:  256,
			DefaultLimit:    10,
			MaxLimit:        100,
		},
		Snapshot: SnapshotConfig{
			Dir:      "data/snapshots",
			Path:     "search/snapshot.json",
			Interval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads PD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PD_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PD_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("PD_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("PD_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PD_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PD_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("PD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PD_LEDGER_SERVICE"); v != "" {
		cfg.Ledger.Service = v
	}
	if v := os.Getenv("PD_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("PD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PD_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
