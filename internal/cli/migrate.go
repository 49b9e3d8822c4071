package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	migrations "github.com/garnizeh/terrace/db"
	"github.com/garnizeh/terrace/internal/db"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := db.Migrate(ctx, e.conn, migrations.Migrations, migrations.MigrationsDir); err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			var applied int
			if err := e.conn.QueryRow(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&applied); err != nil {
				return WrapExitError(ExitCommandError, "failed to count migrations", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]int{"applied": applied},
				"schema up to date (%d migrations applied)", applied)
		},
	}
}

func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dst>",
		Short: "Write a consistent copy of the SQLite database to dst",
		Long: `Write a consistent copy of the SQLite database with VACUUM INTO.
The server may keep running. dst must not exist.

Examples:
  terracectl backup ./terrace-2026-10-19.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.conn.BackupTo(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "backup failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"backup": args[0]},
				"backup written to %s", args[0])
		},
	}
}

func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <src>",
		Short: "Replace the SQLite database with a backup (server must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "" && cfg.Database.Driver != db.DriverSQLite {
				return WrapExitError(ExitCommandError, "restore failed", db.ErrBackupUnsupported)
			}
			dst := sqliteFile(cfg.Database.DSN)
			if err := db.RestoreFile(args[0], dst); err != nil {
				return WrapExitError(ExitCommandError, "restore failed", err)
			}

			// reopen to prove the restored file is a usable database
			conn, err := db.New(context.WithoutCancel(cmd.Context()), db.DriverSQLite, cfg.Database.DSN)
			if err != nil {
				return WrapExitError(ExitCommandError, "restored file is not a valid database", err)
			}
			conn.Close()

			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"restored": dst},
				"database %s restored from %s", dst, args[0])
		},
	}
}

// sqliteFile strips the URI prefix and query options from a SQLite DSN.
func sqliteFile(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}
