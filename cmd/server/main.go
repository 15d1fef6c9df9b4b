// Command server starts the payment decision engine HTTP server.
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

	httpserver "github.com/safeguardai/decision-engine/internal/adapter/httpserver"
	"github.com/safeguardai/decision-engine/internal/adapter/idempotency"
	"github.com/safeguardai/decision-engine/internal/adapter/mlscorer"
	"github.com/safeguardai/decision-engine/internal/adapter/observability"
	"github.com/safeguardai/decision-engine/internal/adapter/queue/redpanda"
	"github.com/safeguardai/decision-engine/internal/adapter/repo/postgres"
	"github.com/safeguardai/decision-engine/internal/adapter/rules"
	"github.com/safeguardai/decision-engine/internal/app"
	"github.com/safeguardai/decision-engine/internal/config"
	"github.com/safeguardai/decision-engine/internal/usecase"
)

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

	ctx := context.Background()

	// infra: db pool, redis, kafka
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	defer func() { _ = rdb.Close() }()

	publisher, err := redpanda.NewPublisher(logger, cfg.KafkaBrokers, cfg.DecisionTopic, cfg.CaseTopic, cfg.PublishQueueSize)
	if err != nil {
		slog.Error("publisher connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer publisher.Close()

	// repositories
	eventRepo := postgres.NewEventRepo(pool)
	decisionRepo := postgres.NewDecisionRepo(pool)
	ruleRepo := postgres.NewRuleRepo(pool)
	listRepo := postgres.NewListRepo(pool)

	// idempotency (C1)
	idemStore := idempotency.New(rdb)

	// ML scorer (C4)
	breaker := mlscorer.NewCircuitBreaker(logger, cfg.BreakerFailures, cfg.BreakerRecovery)
	scorer := mlscorer.New(logger, cfg.MLURL, cfg.MLTimeout, breaker)

	// rules evaluator (C5): rule file wins over the rules table when set
	velocity := rules.NewVelocityStore(rdb, cfg.VelocityFieldKinds, cfg.VelocityTimeout)
	lists := rules.NewListChecker(rdb, time.Second)
	source := rules.RepoSource(ruleRepo.LoadActive)
	if cfg.RulesPath != "" {
		source = rules.FileSource(cfg.RulesPath)
	}
	engine := rules.NewEngine(logger, rdb, velocity, lists, source)
	if n, err := engine.Reload(ctx); err != nil {
		slog.Error("initial rule load failed", slog.Any("error", err))
		os.Exit(1)
	} else {
		slog.Info("rules loaded", slog.Int("count", n))
	}
	if entries, err := listRepo.LoadAll(ctx); err != nil {
		slog.Warn("list seed load failed", slog.Any("error", err))
	} else if err := lists.Seed(ctx, entries); err != nil {
		slog.Warn("list seed failed", slog.Any("error", err))
	}

	// orchestrator (C6)
	decisionSvc := usecase.NewDecisionService(logger,
		idemStore, eventRepo, decisionRepo, publisher, scorer, engine,
		usecase.Thresholds{Low: cfg.ThresholdLow, High: cfg.ThresholdHigh},
		cfg.ModelVersion, cfg.IdempotencyTTL, cfg.FanoutCap, cfg.RulesTimeout)
	defer decisionSvc.Close()

	// HTTP surface (C7)
	srv := httpserver.NewServer(cfg, decisionSvc, engine)
	srv.DBCheck, srv.RedisCheck, srv.MLCheck, srv.RulesCheck = app.BuildReadinessChecks(pool, rdb, scorer, engine)
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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
