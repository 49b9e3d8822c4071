package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/garnizeh/terrace/internal/config"
	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/internal/marketplace"
	"github.com/garnizeh/terrace/internal/repository/sqlrepo"
)

// env is the opened database plus the services a command works with.
type env struct {
	cfg    *config.Config
	conn   *db.DB
	store  *sqlrepo.SQLRepo
	svc    *marketplace.Service
	logger *slog.Logger
}

func (e *env) Close() error {
	return e.conn.Close()
}

// loadConfig reads the config file and applies the --driver and --dsn overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	return cfg, nil
}

func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	conn, err := db.New(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	// diagnostics go to stderr so stdout stays parseable
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := sqlrepo.New(conn, logger)
	return &env{
		cfg:    cfg,
		conn:   conn,
		store:  store,
		svc:    marketplace.NewService(store, marketplace.WithLogger(logger)),
		logger: logger,
	}, nil
}

// refused maps a domain error to ExitFailure and anything else to ExitCommandError.
func refused(message string, err error) error {
	if marketplace.Kind(err) == marketplace.KindInternal {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
