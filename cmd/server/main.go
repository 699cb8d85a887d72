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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pasarlokal/dispatch-engine/internal/api"
	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/cart"
	"github.com/pasarlokal/dispatch-engine/internal/config"
	"github.com/pasarlokal/dispatch-engine/internal/dispatch"
	"github.com/pasarlokal/dispatch-engine/internal/guard"
	"github.com/pasarlokal/dispatch-engine/internal/ledger"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
	"github.com/pasarlokal/dispatch-engine/internal/settlement"
	"github.com/pasarlokal/dispatch-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis backs the read-through cache and cross-instance dispatch hints.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Audit sink ---
	var sink audit.Sink = audit.LogSink{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic, 0, logger)
		ks.Start(ctx)
		cleanup = append(cleanup, ks.Close)
		sink = ks
		slog.Info("kafka audit sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaAuditTopic)
	}

	// --- Dispatch hints ---
	hub := dispatch.NewHub(logger)
	go hub.Run(ctx)

	var notifier dispatch.Notifier = hub
	if rdb != nil {
		rn := dispatch.NewRedisNotifier(rdb, hub, logger)
		go rn.Run(ctx)
		notifier = rn
	}

	// --- Services ---
	g := guard.NewGuard(st, cfg.MinWalletLimit).WithAudit(sink)
	if err := bootstrap(ctx, st, g, cfg); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	ledgerSvc := ledger.NewService(st, g.Rule, sink, logger)
	finalizer := settlement.NewFinalizer(st, g.Rule, cfg.PlatformAccountID, sink, logger)
	dispatchSvc := dispatch.NewService(st, finalizer, dispatch.Config{
		MinWalletLimit: cfg.MinWalletLimit,
		Notifier:       notifier,
		Audit:          sink,
		Logger:         logger,
	})
	cartSvc := cart.NewService(st, sink, logger)

	reconciler := ledger.NewReconciler(st, sink, logger)
	if err := reconciler.Start(cfg.ReconcileSchedule); err != nil {
		slog.Error("invalid RECONCILE_SCHEDULE", "schedule", cfg.ReconcileSchedule, "err", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Deps{
		Tariffs:  st,
		Accounts: st,
		Carts:    cartSvc,
		Dispatch: dispatchSvc,
		Ledger:   ledgerSvc,
		Guard:    g,
		Logger:   logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for courier and admin web clients.
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
		w.Write([]byte(`{"status":"ok","service":"dispatch-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route must not sit behind a request timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("dispatch-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down dispatch-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	reconciler.Stop()
	stop()
	fmt.Println("dispatch-engine stopped")
}

// bootstrap seeds tariffs from TARIFF_FILE and accounts from ACCOUNTS_FILE,
// and makes sure the platform account that receives app earnings exists.
func bootstrap(ctx context.Context, st store.Store, g *guard.Guard, cfg *config.Config) error {
	if cfg.TariffFile != "" {
		tariffs, err := config.LoadTariffs(cfg.TariffFile)
		if err != nil {
			return err
		}
		for i := range tariffs {
			if err := st.UpsertTariff(ctx, &tariffs[i]); err != nil {
				return fmt.Errorf("seed tariff %s: %w", tariffs[i].MarketID, err)
			}
		}
		slog.Info("tariffs seeded", "file", cfg.TariffFile, "count", len(tariffs))
	}

	if cfg.AccountsFile != "" {
		seeds, err := config.LoadAccounts(cfg.AccountsFile)
		if err != nil {
			return err
		}
		created := 0
		for _, a := range seeds {
			_, err := g.Provision(ctx, a.ID, a.Role, "bootstrap")
			if errors.Is(err, model.ErrAccountExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("seed account %s: %w", a.ID, err)
			}
			created++
		}
		slog.Info("accounts seeded", "file", cfg.AccountsFile, "created", created, "total", len(seeds))
	}

	_, err := st.GetAccount(ctx, cfg.PlatformAccountID)
	if errors.Is(err, model.ErrAccountNotFound) {
		err = st.CreateAccount(ctx, &model.Account{ID: cfg.PlatformAccountID, Role: model.RolePlatform})
		if err == nil {
			slog.Info("platform account created", "account_id", cfg.PlatformAccountID)
		}
	}
	return err
}
