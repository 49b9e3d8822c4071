package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrBackupUnsupported is returned by BackupTo on drivers without an online copy.
var ErrBackupUnsupported = errors.New("backup is only supported for sqlite; use pg_dump for postgres")

// BackupTo writes a consistent copy of a SQLite database to dst with VACUUM INTO.
// dst must not exist.
func (db *DB) BackupTo(ctx context.Context, dst string) error {
	if db.driver != DriverSQLite {
		return ErrBackupUnsupported
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target %s already exists", dst)
	}
	if _, err := db.conn.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}

// RestoreFile copies a backup over the SQLite file at dst. The server must be stopped.
func RestoreFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	tmp := dst + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close restore target: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(dst + suffix)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	return nil
}
