package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sellerdash/repricer/internal/config"
	"github.com/sellerdash/repricer/internal/dashboard"
	"github.com/sellerdash/repricer/internal/engine"
	"github.com/sellerdash/repricer/internal/metrics"
	"github.com/sellerdash/repricer/internal/notify"
	"github.com/sellerdash/repricer/internal/policy"
	"github.com/sellerdash/repricer/internal/scheduler"
	"github.com/sellerdash/repricer/internal/store"
)

func main() {
	_ = godotenv.Load() // .env is optional
	cfg := config.MustLoad()

	var logger *slog.Logger
	if cfg.IsProd() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var listings engine.Listings
	var locker store.Locker
	var cleanup []func()

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = store.NewRedisLocker(rdb)
		slog.Info("Redis cycle lock enabled")
	} else {
		locker = store.NewMemoryLocker()
	}

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			cached := store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			st, listings = cached, cached.Fresh()
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if listings == nil {
		listings = st
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	evaluator := policy.NewEvaluator(policy.Config{
		MaxPercentage: cfg.Policy.TimeBasedMaxPercent,
		MinSamples:    cfg.Policy.MarketMinSamples,
	})
	executor := engine.NewExecutor(listings, st, evaluator, engine.ExecutorConfig{
		MaxAttempts:    cfg.Cycle.MaxAttempts,
		RetryDelay:     cfg.Cycle.RetryDelay,
		ListingTimeout: cfg.Cycle.ListingTimeout,
	}, logger)
	runner := engine.NewRunner(
		engine.NewSelector(st),
		executor,
		locker,
		engine.RunnerConfig{
			Workers:  cfg.Cycle.Workers,
			LockName: "reduction-cycle",
			LockTTL:  cfg.Cycle.LockTTL,
		},
		logger,
		engine.LogSink{Logger: logger},
		metrics.Recorder{},
		wsHub,
	)

	sched := scheduler.New(runner, cfg.Cycle.Interval, cfg.Cycle.RunOnStart, logger)
	sched.Start(ctx)

	// --- Dashboard ---
	dash := dashboard.NewService(st, runner, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"repricer"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		dash.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("repricer listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down repricer...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("repricer stopped")
}
