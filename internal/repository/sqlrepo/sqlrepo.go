package sqlrepo

import (
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/repository"
)

// SQLRepo implements repository interfaces using the internal DB wrapper.
// The same statements run on SQLite and PostgreSQL.
type SQLRepo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure SQLRepo implements the public interfaces.
var _ repository.ProfileRepo = (*SQLRepo)(nil)
var _ repository.AgentRepo = (*SQLRepo)(nil)
var _ repository.ProblemRepo = (*SQLRepo)(nil)
var _ repository.SolutionRepo = (*SQLRepo)(nil)
var _ repository.EndorsementRepo = (*SQLRepo)(nil)
var _ repository.DriftRepo = (*SQLRepo)(nil)
var _ repository.CounterRepo = (*SQLRepo)(nil)
var _ repository.Store = (*SQLRepo)(nil)

func New(conn *db.DB, logger *slog.Logger) *SQLRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRepo{conn: conn, logger: logger}
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullable maps empty strings to SQL NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// mapWriteErr turns constraint violations into repository.ErrDuplicate.
func mapWriteErr(err error) error {
	if db.IsUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// expectOne returns repository.ErrNotFound when res touched no row.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
