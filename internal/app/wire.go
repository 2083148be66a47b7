package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	s3blob "github.com/bracketquant/execcore/internal/blob/s3"
	"github.com/bracketquant/execcore/internal/broker/alpaca"
	"github.com/bracketquant/execcore/internal/bus"
	"github.com/bracketquant/execcore/internal/cache/redis"
	"github.com/bracketquant/execcore/internal/config"
	"github.com/bracketquant/execcore/internal/crypto"
	"github.com/bracketquant/execcore/internal/domain"
	"github.com/bracketquant/execcore/internal/pnl"
	"github.com/bracketquant/execcore/internal/service"
	"github.com/bracketquant/execcore/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	RunStore   domain.RunStore
	AuditStore domain.AuditStore
	Ledger     *postgres.LedgerStore

	// Caches and locks
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	FetchLocks  domain.FetchLockStore

	// Transport
	EventBus       domain.EventBus
	ExecutionQueue domain.ExecutionQueue

	// Collaborators
	Broker domain.Broker
	Clock  domain.MarketClock
	PnL    domain.PnLService

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Guards
	Guards *service.GuardService

	// Parsed guard parameters, reused by modes.
	SellFailureThreshold decimal.Decimal
	MaxEquityLimit       decimal.Decimal
}

// needsPostgres returns true for modes that require the run state store.
func needsPostgres(mode string) bool {
	switch mode {
	case "worker", "aggregator", "server", "full":
		return true
	default:
		return false
	}
}

// needsBroker returns true for modes that talk to the brokerage API.
func needsBroker(mode string) bool {
	switch mode {
	case "worker", "aggregator", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that run the cold-storage archiver.
func needsS3(mode string) bool {
	switch mode {
	case "aggregator", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Guard parameters (validated shape in config, parsed once here) ---
	threshold, err := decimal.NewFromString(cfg.Execution.SellFailureThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: parse sell_failure_threshold: %w", err)
	}
	equityLimit, err := decimal.NewFromString(cfg.Execution.MaxEquityLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: parse max_equity_limit: %w", err)
	}
	deps.SellFailureThreshold = threshold
	deps.MaxEquityLimit = equityLimit
	deps.Guards = service.NewGuardService(service.GuardConfig{
		SellFailureThreshold: threshold,
		MaxEquityLimit:       equityLimit,
	}, logger)

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.RunStore = postgres.NewRunStore(pool, equityLimit)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.PnL = pnl.New(deps.Ledger, logger)
	}

	// --- Redis: fetch locks, price cache, rate limiting, bus transport ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.FetchLocks = redis.NewFetchLockStore(redisClient)

	busCfg := bus.Config{
		Stream:        cfg.Queue.EventTopicName,
		DeadLetter:    cfg.Queue.DeadLetterName,
		MaxLen:        cfg.Redis.StreamMaxLen,
		MaxDeliveries: cfg.Redis.MaxDeliveryCount,
	}
	deps.EventBus = bus.NewEventBus(redisClient, busCfg, logger)

	queueCfg := busCfg
	queueCfg.Stream = cfg.Queue.ExecutionQueueName
	deps.ExecutionQueue = bus.NewExecutionQueue(redisClient, queueCfg, logger)

	// --- Broker (only for modes that place orders or snapshot accounts) ---
	if needsBroker(cfg.Mode) {
		secret, err := crypto.LoadBrokerSecret(crypto.SecretConfig{
			RawSecret:           cfg.Broker.APISecretKey,
			EncryptedSecretPath: cfg.Broker.EncryptedSecretPath,
			SecretPassword:      cfg.Broker.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: broker secret: %w", err)
		}
		brokerClient := alpaca.NewClient(alpaca.Config{
			TradingURL: cfg.Broker.BaseURL,
			KeyID:      cfg.Broker.APIKeyID,
			SecretKey:  secret,
		})
		deps.Broker = brokerClient
		deps.Clock = brokerClient
	}

	// --- S3 blob storage (only for modes that run the archiver) ---
	if needsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		// Archiver: only when we also have the run store to read from.
		if runStore, ok := deps.RunStore.(*postgres.RunStore); ok {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, runStore, deps.AuditStore)
		}
	}

	return deps, cleanup, nil
}
