package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/garnizeh/terrace/api"
	migrations "github.com/garnizeh/terrace/db"
	"github.com/garnizeh/terrace/internal/config"
	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/internal/jobs"
	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/internal/repository/sqlrepo"
	"github.com/garnizeh/terrace/pkg/ratelimit"
	"github.com/garnizeh/terrace/pkg/webhook"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger.Info("starting terrace server", "version", version, "build_time", buildTime, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open database connection
	conn, err := db.New(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open DB", "driver", cfg.Database.Driver, "err", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx, conn, migrations.Migrations, migrations.MigrationsDir); err != nil {
		logger.Error("failed to migrate DB", "err", err)
		os.Exit(1)
	}

	store := sqlrepo.New(conn, logger)

	var hooks *webhook.Client
	if cfg.Webhooks.Enabled {
		wcfg := webhook.DefaultConfig()
		wcfg.Timeout = cfg.Webhooks.Timeout
		wcfg.AllowPrivate = cfg.Webhooks.AllowPrivate
		hooks = webhook.NewClient(wcfg, nil)
		webhook.SetLogger(logger)
		defer hooks.Close()
	}

	queue := jobs.NewRepository(conn)
	pool := jobs.NewWorkerPool(queue, jobs.Handlers(queue, store, hooks, logger), logger, cfg.Jobs.Workers)
	pool.Every(jobs.TypeReconcile, cfg.Jobs.ReconcileInterval)

	opts := []marketplace.Option{
		marketplace.WithFollowUps(pool),
		marketplace.WithLogger(logger),
	}
	if cfg.Webhooks.AllowPrivate {
		opts = append(opts, marketplace.WithPrivateWebhooks())
		logger.Warn("private webhook receivers allowed")
	}
	if hooks != nil {
		opts = append(opts, marketplace.WithNotifier(pool))
		logger.Info("agent webhooks enabled", "timeout", cfg.Webhooks.Timeout)
	}
	svc := marketplace.NewService(store, opts...)

	var limiter ratelimit.Limiter
	var redisClient *redis.Client
	if cfg.RateLimit.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		rl := ratelimit.NewRedis(redisClient, cfg.RateLimit.Window)
		rl.Logger = logger
		limiter = rl
		logger.Info("rate limiter backed by redis", "addr", cfg.RateLimit.RedisAddr)
	} else {
		limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
	}

	api.SetLogger(logger)
	handler := api.SetupRoutes(api.Deps{
		Config:    cfg,
		Service:   svc,
		Limiter:   limiter,
		Ping:      conn.Ping,
		Version:   version,
		BuildTime: buildTime,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.APITimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.APITimeout,
		IdleTimeout:       60 * time.Second,
	}

	pool.Start(ctx)

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "err", err)
		}
	}

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}

	pool.Stop()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("error closing redis", "err", err)
		}
	}

	// Close database connection
	if err := conn.Close(); err != nil {
		logger.Error("error closing DB", "err", err)
	}

	logger.Info("server exited")
}
