package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECCORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXECCORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets and per-deploy overrides
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Execution ──
	setInt(&cfg.Execution.MaxSellRetries, "EXECCORE_MAX_SELL_RETRIES")
	setInt(&cfg.Execution.SellRetryDelaySeconds, "EXECCORE_SELL_RETRY_DELAY_SECONDS")
	setStr(&cfg.Execution.SellFailureThreshold, "EXECCORE_SELL_FAILURE_THRESHOLD")
	setStr(&cfg.Execution.MaxEquityLimit, "EXECCORE_MAX_EQUITY_LIMIT")
	setInt(&cfg.Execution.FetchCooldownSeconds, "EXECCORE_FETCH_COOLDOWN_SECONDS")
	setInt32(&cfg.Execution.SharePrecision, "EXECCORE_SHARE_PRECISION")
	setInt(&cfg.Execution.BrokerCallTimeoutSeconds, "EXECCORE_BROKER_CALL_TIMEOUT_SECONDS")
	setInt(&cfg.Execution.WorkerConcurrency, "EXECCORE_WORKER_CONCURRENCY")
	setInt(&cfg.Execution.IdempotencyCacheTTLSeconds, "EXECCORE_IDEMPOTENCY_CACHE_TTL_SECONDS")
	setInt(&cfg.Execution.ArchiveAfterDays, "EXECCORE_ARCHIVE_AFTER_DAYS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXECCORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXECCORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECCORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECCORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECCORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECCORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECCORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXECCORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXECCORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXECCORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXECCORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECCORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECCORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXECCORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXECCORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXECCORE_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "EXECCORE_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.ConsumerGroup, "EXECCORE_REDIS_CONSUMER_GROUP")
	setInt(&cfg.Redis.MaxDeliveryCount, "EXECCORE_REDIS_MAX_DELIVERY_COUNT")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "EXECCORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXECCORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXECCORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXECCORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXECCORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXECCORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXECCORE_S3_FORCE_PATH_STYLE")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "EXECCORE_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKeyID, "EXECCORE_BROKER_API_KEY_ID")
	setStr(&cfg.Broker.APISecretKey, "EXECCORE_BROKER_API_SECRET_KEY")
	setStr(&cfg.Broker.EncryptedSecretPath, "EXECCORE_BROKER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Broker.SecretPassword, "EXECCORE_BROKER_SECRET_PASSWORD")
	setBool(&cfg.Broker.Paper, "EXECCORE_BROKER_PAPER")

	// ── Queue ──
	setStr(&cfg.Queue.ExecutionQueueName, "EXECCORE_QUEUE_EXECUTION_QUEUE_NAME")
	setStr(&cfg.Queue.EventTopicName, "EXECCORE_QUEUE_EVENT_TOPIC_NAME")
	setStr(&cfg.Queue.DeadLetterName, "EXECCORE_QUEUE_DEAD_LETTER_NAME")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXECCORE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXECCORE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXECCORE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "EXECCORE_SERVER_API_KEY")
	setStr(&cfg.Server.HMACKeyID, "EXECCORE_SERVER_HMAC_KEY_ID")
	setStr(&cfg.Server.HMACSecret, "EXECCORE_SERVER_HMAC_SECRET")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXECCORE_MODE")
	setStr(&cfg.LogLevel, "EXECCORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
