// Package config defines the top-level configuration for the execution
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by EXECCORE_* environment
// variables.
type Config struct {
	Execution ExecutionConfig `toml:"execution"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Broker    BrokerConfig    `toml:"broker"`
	Queue     QueueConfig     `toml:"queue"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExecutionConfig holds the execution-pipeline parameters, flattened into
// one settings record rather than a pluggable config-object hierarchy.
type ExecutionConfig struct {
	MaxSellRetries        int    `toml:"max_sell_retries"`
	SellRetryDelaySeconds int    `toml:"sell_retry_delay_seconds"`
	SellFailureThreshold  string `toml:"sell_failure_threshold"` // decimal string, dollars
	MaxEquityLimit        string `toml:"max_equity_limit"`       // decimal string, dollars
	FetchCooldownSeconds  int    `toml:"fetch_cooldown_seconds"`
	SharePrecision        int32  `toml:"share_precision"`

	// BrokerCallTimeoutSeconds bounds each broker RPC attempt.
	BrokerCallTimeoutSeconds int `toml:"broker_call_timeout_seconds"`
	// WorkerConcurrency is the execution-worker pool's max parallelism.
	// Correctness holds for any value >= 1; the knob trades broker
	// parallelism against rate-limit pressure.
	WorkerConcurrency int `toml:"worker_concurrency"`
	// IdempotencyCacheTTLSeconds bounds the in-process idempotency cache.
	IdempotencyCacheTTLSeconds int `toml:"idempotency_cache_ttl_seconds"`
	// ArchiveAfterDays is the TTL past which COMPLETED/FAILED runs are copied
	// to cold storage.
	ArchiveAfterDays int `toml:"archive_after_days"`
}

// PostgresConfig holds connection parameters for the run state store, the
// trade ledger, and the audit log.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds connection parameters for the fetch-lock coordinator,
// the event bus / execution queue streams, and the broker-call rate
// limiter.
type RedisConfig struct {
	Addr             string `toml:"addr"`
	Password         string `toml:"password"`
	DB               int    `toml:"db"`
	PoolSize         int    `toml:"pool_size"`
	MaxRetries       int    `toml:"max_retries"`
	TLSEnabled       bool   `toml:"tls_enabled"`
	StreamMaxLen     int64  `toml:"stream_max_len"`
	ConsumerGroup    string `toml:"consumer_group"`
	MaxDeliveryCount int    `toml:"max_delivery_count"`
}

// S3Config holds parameters for the cold-storage run archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BrokerConfig holds credentials and endpoint parameters for the equities
// REST broker. Authentication is static API-key headers; the secret may
// also be supplied as an encrypted file plus password.
type BrokerConfig struct {
	BaseURL             string `toml:"base_url"`
	APIKeyID            string `toml:"api_key_id"`
	APISecretKey        string `toml:"api_secret_key"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	Paper               bool   `toml:"paper"`
}

// QueueConfig names the execution queue stream, the event topic stream
// shared by every event kind, and the dead-letter stream.
type QueueConfig struct {
	ExecutionQueueName string `toml:"execution_queue_name"`
	EventTopicName     string `toml:"event_topic_name"`
	DeadLetterName     string `toml:"dead_letter_name"`
}

// ServerConfig holds HTTP server parameters for the read-only health/status
// surface. APIKey enables static-key auth; HMACKeyID/HMACSecret enable
// signed requests. Both empty disables auth entirely.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	HMACKeyID   string   `toml:"hmac_key_id"`
	HMACSecret  string   `toml:"hmac_secret"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Execution: ExecutionConfig{
			MaxSellRetries:             2,
			SellRetryDelaySeconds:      3,
			SellFailureThreshold:       "5000",
			MaxEquityLimit:             "50000",
			FetchCooldownSeconds:       60,
			SharePrecision:             4,
			BrokerCallTimeoutSeconds:   10,
			WorkerConcurrency:          8,
			IdempotencyCacheTTLSeconds: 120,
			ArchiveAfterDays:           90,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "execcore",
			User:          "execcore",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			DB:               0,
			PoolSize:         20,
			MaxRetries:       3,
			TLSEnabled:       false,
			StreamMaxLen:     50_000,
			ConsumerGroup:    "execcore",
			MaxDeliveryCount: 5,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "execcore-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Broker: BrokerConfig{
			BaseURL: "https://paper-api.alpaca.markets",
			Paper:   true,
		},
		Queue: QueueConfig{
			ExecutionQueueName: "execcore:execution",
			EventTopicName:     "execcore:events",
			DeadLetterName:     "execcore:dlq",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Mode:     "worker",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"worker":     true,
	"aggregator": true,
	"fetchlock":  true,
	"server":     true,
	"full":       true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, aggregator, fetchlock, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Execution.MaxSellRetries < 0 {
		errs = append(errs, "execution: max_sell_retries must be >= 0")
	}
	if c.Execution.SellRetryDelaySeconds < 0 {
		errs = append(errs, "execution: sell_retry_delay_seconds must be >= 0")
	}
	if !isPositiveDecimal(c.Execution.SellFailureThreshold) {
		errs = append(errs, "execution: sell_failure_threshold must be a positive decimal")
	}
	if !isPositiveDecimal(c.Execution.MaxEquityLimit) {
		errs = append(errs, "execution: max_equity_limit must be a positive decimal")
	}
	if c.Execution.FetchCooldownSeconds <= 0 {
		errs = append(errs, "execution: fetch_cooldown_seconds must be > 0")
	}
	if c.Execution.SharePrecision <= 0 {
		errs = append(errs, "execution: share_precision must be > 0")
	}
	if c.Execution.WorkerConcurrency < 1 {
		errs = append(errs, "execution: worker_concurrency must be >= 1")
	}

	needsPostgres := c.Mode == "worker" || c.Mode == "aggregator" || c.Mode == "full"
	if needsPostgres {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Mode == "worker" || c.Mode == "full" {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty")
		}
		if c.Broker.APIKeyID == "" && c.Broker.EncryptedSecretPath == "" {
			errs = append(errs, "broker: either api_key_id/api_secret_key or encrypted_secret_path must be set")
		}
	}

	if c.Queue.ExecutionQueueName == "" {
		errs = append(errs, "queue: execution_queue_name must not be empty")
	}
	if c.Queue.EventTopicName == "" {
		errs = append(errs, "queue: event_topic_name must not be empty")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isPositiveDecimal performs a cheap sanity check without importing
// shopspring/decimal here; the config layer only validates shape, callers
// parse with decimal.NewFromString and fail loudly on real garbage.
func isPositiveDecimal(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	seenDigit := false
	seenDot := false
	for i, r := range s {
		switch {
		case r == '-' && i == 0:
			return false // guard thresholds/caps must be positive
		case r == '.' && !seenDot:
			seenDot = true
		case r >= '0' && r <= '9':
			seenDigit = true
		default:
			return false
		}
	}
	return seenDigit
}
