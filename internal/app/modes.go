package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bracketquant/execcore/internal/aggregator"
	"github.com/bracketquant/execcore/internal/crypto"
	"github.com/bracketquant/execcore/internal/executor"
	"github.com/bracketquant/execcore/internal/idempotency"
	"github.com/bracketquant/execcore/internal/marketdata"
	"github.com/bracketquant/execcore/internal/server"
	"github.com/bracketquant/execcore/internal/server/handler"
)

// WorkerMode runs the trade-execution worker pool: cfg.WorkerConcurrency
// replicas consuming the execution queue, each embedding the phase
// coordinator. Correctness holds for any pool size; the knob trades broker
// parallelism against rate-limit pressure.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode",
		slog.Int("concurrency", a.cfg.Execution.WorkerConcurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// AggregatorMode runs the run aggregator plus the daily cold-storage
// archival sweep.
func (a *App) AggregatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting aggregator mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAggregator(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FetchLockMode runs the fetch-lock coordinator: the consumer that collapses
// concurrent market-data refresh demands.
func (a *App) FetchLockMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting fetchlock mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startFetchHandler(ctx, g, deps)
	return g.Wait()
}

// ServerMode runs only the read-only operational HTTP API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs every component in one process: the worker pool, the
// aggregator, the fetch-lock coordinator, the archiver, and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	a.startAggregator(ctx, g, deps)
	a.startFetchHandler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}
	return g.Wait()
}

// startWorkers builds the worker pipeline and launches the consumer pool.
// Every replica shares the idempotency cache and the phase coordinator; all
// cross-replica coordination goes through the run store.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	phase := executor.NewPhaseCoordinator(
		deps.RunStore, deps.ExecutionQueue, deps.EventBus, deps.AuditStore, deps.Guards, a.logger,
	)
	cache := idempotency.NewCache(time.Duration(a.cfg.Execution.IdempotencyCacheTTLSeconds) * time.Second)
	worker := executor.NewWorker(
		deps.RunStore, deps.EventBus, deps.Broker, deps.Clock, deps.Ledger,
		deps.PriceCache, deps.RateLimiter, cache, deps.Guards, phase,
		executor.Config{
			MaxSellRetries:    a.cfg.Execution.MaxSellRetries,
			SellRetryDelay:    time.Duration(a.cfg.Execution.SellRetryDelaySeconds) * time.Second,
			BrokerCallTimeout: time.Duration(a.cfg.Execution.BrokerCallTimeoutSeconds) * time.Second,
			SharePrecision:    a.cfg.Execution.SharePrecision,
		},
		a.logger,
	)

	for i := 0; i < a.cfg.Execution.WorkerConcurrency; i++ {
		g.Go(func() error {
			return worker.Run(ctx, deps.ExecutionQueue)
		})
	}
}

func (a *App) startAggregator(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	agg := aggregator.New(deps.RunStore, deps.EventBus, deps.Broker, deps.PnL, deps.AuditStore, a.logger)
	g.Go(func() error {
		return agg.Run(ctx)
	})
}

func (a *App) startFetchHandler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	refresher := marketdata.NewRefresher(
		"https://data.alpaca.markets",
		a.cfg.Broker.APIKeyID,
		a.cfg.Broker.APISecretKey,
		deps.PriceCache,
		30,
		a.logger,
	)
	fetchHandler := marketdata.NewFetchHandler(
		deps.FetchLocks,
		refresher,
		deps.EventBus,
		time.Duration(a.cfg.Execution.FetchCooldownSeconds)*time.Second,
		a.logger,
	)
	g.Go(func() error {
		return fetchHandler.Run(ctx)
	})
}

// startArchiver runs the daily sweep that moves terminal runs past their TTL
// to cold storage. No-op when the archiver is not wired (no S3 or no store).
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	retention := time.Duration(a.cfg.Execution.ArchiveAfterDays) * 24 * time.Hour
	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				count, err := deps.Archiver.ArchiveRuns(ctx, cutoff)
				if err != nil {
					a.logger.ErrorContext(ctx, "run archival failed", slog.String("error", err.Error()))
					continue
				}
				if count > 0 {
					a.logger.InfoContext(ctx, "runs archived",
						slog.Int64("count", count),
						slog.Time("cutoff", cutoff),
					)
				}
			}
		}
	})
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hmacAuth *crypto.HMACAuth
	if a.cfg.Server.HMACKeyID != "" && a.cfg.Server.HMACSecret != "" {
		hmacAuth = &crypto.HMACAuth{Key: a.cfg.Server.HMACKeyID, Secret: a.cfg.Server.HMACSecret}
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode),
	}
	if deps.RunStore != nil {
		handlers.Runs = handler.NewRunHandler(deps.RunStore, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		HMACAuth:    hmacAuth,
	}, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
