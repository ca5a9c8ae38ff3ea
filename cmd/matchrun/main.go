// Package main wires together the match run service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ugobe007/matchrun/internal/api"
	"github.com/ugobe007/matchrun/internal/cache"
	"github.com/ugobe007/matchrun/internal/clock/system"
	"github.com/ugobe007/matchrun/internal/config"
	"github.com/ugobe007/matchrun/internal/enrich"
	"github.com/ugobe007/matchrun/internal/id/uuid"
	"github.com/ugobe007/matchrun/internal/logging"
	"github.com/ugobe007/matchrun/internal/match"
	"github.com/ugobe007/matchrun/internal/matchrun"
	"github.com/ugobe007/matchrun/internal/metrics"
	"github.com/ugobe007/matchrun/internal/policy/ratelimit"
	storeMemory "github.com/ugobe007/matchrun/internal/store/memory"
	storePostgres "github.com/ugobe007/matchrun/internal/store/postgres"
	"github.com/ugobe007/matchrun/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	store, err := buildStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Fatal("run store init failed", zap.Error(err))
	}
	defer store.Close()

	statusCache, err := buildCache(cfg, clock, logger)
	if err != nil {
		logger.Fatal("status cache init failed", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		WindowSeconds:     cfg.RateLimit.WindowSeconds,
		Burst:             cfg.RateLimit.Burst,
		MaxKeys:           cfg.RateLimit.MaxKeys,
	})

	enricher := enrich.New(enrich.Config{
		BaseURL: cfg.Enrich.BaseURL,
		Timeout: time.Duration(cfg.Enrich.TimeoutSeconds) * time.Second,
	})
	producer := match.New(match.Config{
		BaseURL: cfg.Match.BaseURL,
		Timeout: time.Duration(cfg.Match.TimeoutSeconds) * time.Second,
	})

	workerCfg := worker.Config{
		LeaseDuration:    cfg.LeaseDuration(),
		TickBudget:       cfg.TickBudget(),
		MaxRunsPerTick:   cfg.Worker.MaxRunsPerTick,
		RequeueOnFailure: cfg.Worker.RequeueOnFailure,
		MaxAttempts:      cfg.Worker.MaxAttempts,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Count; i++ {
		w := worker.New(
			fmt.Sprintf("worker-%d", i),
			store,
			enricher,
			producer,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, cfg.TickInterval())
		}()
	}

	apiServer := api.NewServer(store, statusCache, limiter, idGen, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config, clock matchrun.Clock, logger *zap.Logger) (matchrun.RunStore, error) {
	switch cfg.DB.Provider {
	case "memory":
		logger.Info("using in-memory run store")
		return storeMemory.NewRunStore(clock), nil
	case "postgres":
		if cfg.DB.Migrate {
			if err := storePostgres.Migrate(cfg.DB.DSN); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}
		return storePostgres.NewRunStore(ctx, storePostgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clock)
	default:
		return nil, fmt.Errorf("unknown db.provider %q", cfg.DB.Provider)
	}
}

func buildCache(cfg config.Config, clock matchrun.Clock, logger *zap.Logger) (matchrun.StatusCache, error) {
	switch cfg.Cache.Provider {
	case "memory":
		return cache.NewMemory(cfg.CacheTTL(), clock), nil
	case "redis":
		return cache.NewRedis(cache.RedisConfig{
			Hosts:    cfg.Cache.RedisHosts,
			Password: cfg.Cache.RedisPass,
			TTL:      cfg.CacheTTL(),
		}, logger.Named("cache"))
	default:
		return nil, fmt.Errorf("unknown cache.provider %q", cfg.Cache.Provider)
	}
}
