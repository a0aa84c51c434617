package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/relay-gateway/internal/circuit"
	"github.com/af-corp/relay-gateway/internal/config"
	"github.com/af-corp/relay-gateway/internal/cooldown"
	"github.com/af-corp/relay-gateway/internal/failover"
	"github.com/af-corp/relay-gateway/internal/gateway"
	"github.com/af-corp/relay-gateway/internal/provider"
	"github.com/af-corp/relay-gateway/internal/store"
	"github.com/af-corp/relay-gateway/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	// Connect to PostgreSQL
	var dbPool *pgxpool.Pool
	pool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(context.Background()); err != nil {
		logger.Warn("database not reachable (invocation history disabled)", "error", err)
		pool.Close()
	} else {
		logger.Info("database connected")
		dbPool = pool
		defer dbPool.Close()
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (cooldown tracking disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	metrics := telemetry.NewMetrics()
	registry := circuit.NewRegistry()
	registry.OnStateChange(func(name string, from, to circuit.State) {
		metrics.RecordCircuitTransition(name, to.String())
		metrics.SetCircuitState(name, float64(to))
	})

	var invocations *store.InvocationStore
	if dbPool != nil {
		invocations = store.NewInvocationStore(dbPool)
	}

	var cooldowns *cooldown.Tracker
	if cfg.Failover.Cooldown.Enabled && rdb != nil {
		cooldowns = cooldown.NewTracker(rdb, cfg.Failover.Cooldown.Duration)
	}

	opts := failover.Options{
		Cooldowns: cooldowns,
		Metrics:   metrics,
	}
	if invocations != nil {
		opts.Sink = invocations
	}

	// Build the orchestrator; hot-reload swaps in a rebuilt one. Breakers
	// live in the shared registry, so provider health survives reloads.
	buildOrchestrator := func() (*failover.Orchestrator, error) {
		adapters, err := provider.BuildAll(loader.Providers(), registry)
		if err != nil {
			return nil, err
		}
		return failover.New(adapters, loader.Config().Failover, loader.Providers().Providers, opts), nil
	}

	orchestrator, err := buildOrchestrator()
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}
	logger.Info("providers ready", "order", orchestrator.Order())

	var current atomic.Pointer[failover.Orchestrator]
	current.Store(orchestrator)

	loader.OnReload(func() {
		rebuilt, err := buildOrchestrator()
		if err != nil {
			logger.Error("provider reload failed, keeping previous providers", "error", err)
			return
		}
		current.Store(rebuilt)
		logger.Info("providers reloaded", "order", rebuilt.Order())
	})

	handler := gateway.NewHandler(current.Load, invocations, version)

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Post("/v1/chat/completions", handler.ChatCompletions)

	r.Route("/relay/v1", func(r chi.Router) {
		r.Get("/health", handler.Health)
		r.Get("/metrics", handler.Metrics)
		r.Get("/circuits", handler.Circuits)
		r.Post("/circuits/{provider}/reset", handler.ResetCircuit)
		r.Post("/circuits/{provider}/force-open", handler.ForceOpenCircuit)
		r.Get("/usage", handler.Usage)
	})

	// Prometheus scrape endpoint on its own port
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func generateRequestID() string {
	now := time.Now()
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}
