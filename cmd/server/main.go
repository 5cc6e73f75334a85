// Command server starts the credit-metered inference dispatch service: the
// HTTP API, the results consumer and the stale-job sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/bus/rabbitmq"
	httpserver "github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/httpserver"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/app"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/config"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/service/ratelimiter"
	"github.com/fairyhunter13/ml-credit-dispatch/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult {
	return r.Client.Ping(ctx)
}

func busConfig(cfg config.Config) rabbitmq.Config {
	return rabbitmq.Config{
		URL:            cfg.AMQPURL(),
		Heartbeat:      cfg.BusHeartbeat,
		ConnectTimeout: cfg.BusConnectTimeout,
		RetryAttempts:  cfg.BusRetryAttempts,
		RetryBase:      cfg.BusRetryBase,
		RetryCap:       cfg.BusRetryCap,
		Topology: rabbitmq.Topology{
			TasksExchange:   cfg.TasksExchange,
			TasksQueue:      cfg.TasksQueue,
			RPCQueue:        cfg.RPCQueue,
			ResultsExchange: cfg.ResultsExchange,
			ResultsQueue:    cfg.ResultsQueue,
		},
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.SeedFile != "" {
		if err := seedFromYAML(ctx, pool, cfg.SeedFile); err != nil {
			slog.Error("seed failed", slog.String("file", cfg.SeedFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	store := postgres.NewStore(pool)

	bus := rabbitmq.NewClient(busConfig(cfg))
	defer func() { _ = bus.Close() }()
	rpc := rabbitmq.NewRPCClient(bus, cfg.RPCMaxReplyAge, cfg.RPCReaperTick)
	defer func() { _ = rpc.Close() }()

	var rdb *redis.Client
	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("bad redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		if l := ratelimiter.NewSubmitLimiter(rdb, ratelimiter.BucketPerMinute(cfg.SubmitRatePerMin)); l != nil {
			limiter = l
		}
	}

	settleSvc := usecase.NewSettleService(store)
	dispatchSvc := usecase.NewDispatchService(store, bus, rpc, settleSvc, cfg.RequestCost(), cfg.RPCQueue)
	billingSvc := usecase.NewBillingService(store, cfg.ReplenishCap(), cfg.AutoApproveReplenish())
	adminSvc := usecase.NewAdminService(store)

	consumer := rabbitmq.NewResultsConsumer(busConfig(cfg), settleSvc)
	go consumer.Run(ctx)
	defer consumer.Stop()

	sweeper := app.NewStaleJobSweeper(store, settleSvc, cfg.StaleJobAge, cfg.StaleSweepInterval)
	go sweeper.Run(ctx)

	dbCheck, busCheck, redisCheck := app.BuildReadinessChecks(pool, bus, redisClientOrNil(rdb))

	srv := &httpserver.Server{
		Cfg:        cfg,
		Dispatch:   dispatchSvc,
		Billing:    billingSvc,
		Admin:      adminSvc,
		Ledger:     store,
		Limiter:    limiter,
		DBCheck:    dbCheck,
		BusCheck:   busCheck,
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func redisClientOrNil(rdb *redis.Client) app.RedisClient {
	if rdb == nil {
		return nil
	}
	return redisAdapter{rdb}
}
