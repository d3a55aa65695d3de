package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/puzzlearena/backend/internal/api"
	"github.com/puzzlearena/backend/internal/api/handlers"
	"github.com/puzzlearena/backend/internal/auth"
	"github.com/puzzlearena/backend/internal/config"
	"github.com/puzzlearena/backend/internal/database"
	"github.com/puzzlearena/backend/internal/events"
	"github.com/puzzlearena/backend/internal/lobby"
	"github.com/puzzlearena/backend/internal/logging"
	"github.com/puzzlearena/backend/internal/migrations"
	"github.com/puzzlearena/backend/internal/presence"
	"github.com/puzzlearena/backend/internal/queue"
	"github.com/puzzlearena/backend/internal/redis"
	"github.com/puzzlearena/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With(zap.String("instance", cfg.InstanceID))
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server_exit", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		log.Info("migrations_on_start")
		if err := migrations.RunMigrations(cfg.DatabaseURL, log); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	rdb, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	// Presence left by a previous process must be gone before any
	// connection is accepted.
	if _, err := presence.Reconcile(ctx, rdb, cfg.InstanceID, presence.ReconcileOptions{
		LockTTL: cfg.ReconcileLockTTL(),
	}, log.Named("reconcile")); err != nil {
		return fmt.Errorf("reconcile presence: %w", err)
	}

	registry := presence.NewRegistry(rdb, cfg.PresenceSocketTTL(), log.Named("presence"))
	store := queue.NewStore(db, log.Named("queue"))
	publisher := events.NewPublisher(rdb, log.Named("events"))
	svc := lobby.NewService(registry, store, publisher, log.Named("lobby"), cfg.OpTimeout())

	hub := ws.NewHub(log.Named("ws"))
	sub, err := events.Subscribe(ctx, rdb, hub, log.Named("events"))
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer sub.Close()

	sweeper := queue.NewSweeper(store, cfg.QueueExpiry(), cfg.QueueSweepInterval(), svc.SearchExpired, log.Named("sweeper"))
	verifier := auth.NewVerifier(cfg.JWTSecret)

	router := api.NewRouter(api.Deps{
		Config: cfg,
		Log:    log.Named("http"),
		Checks: map[string]handlers.Check{
			"postgres": db.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Snapshots: svc,
		Games:     store,
		WebSocket: ws.Serve(hub, verifier, svc, log.Named("ws")),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server_listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server_shutting_down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http_shutdown_incomplete", zap.Error(err))
		}
		// Sockets are hijacked, so the hub closes them and waits for their
		// disconnect cleanup while Redis and Postgres are still open.
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Warn("ws_shutdown_incomplete", zap.Error(err), zap.Int("clients", hub.Count()))
		}
		return nil
	})
	g.Go(func() error {
		sub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ws.RunRefresher(gctx, hub, svc, cfg.PresenceRefreshInterval(), log.Named("refresher"))
		return nil
	})

	err = g.Wait()
	log.Info("server_stopped")
	return err
}
