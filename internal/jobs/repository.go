package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/garnizeh/terrace/internal/db"
)

// DefaultLease is how long a claimed job may run before another worker may
// take it over.
const DefaultLease = 5 * time.Minute

type Repository struct {
	db    *db.DB
	lease time.Duration
}

func NewRepository(d *db.DB) *Repository { return &Repository{db: d, lease: DefaultLease} }

// SetLease changes the claim lease. Handlers must finish well inside it.
func (r *Repository) SetLease(d time.Duration) {
	if d > 0 {
		r.lease = d
	}
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

// Enqueue inserts a job into the jobs table and returns the new ID
func (r *Repository) Enqueue(ctx context.Context, j *Job) (string, error) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	j.ID = uuid.NewString()
	j.Status = StatusQueued
	now := time.Now().UTC()
	q := `INSERT INTO jobs(id, type, payload, status, attempts, max_attempts, priority, scheduled_at, created_at, updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`
	if _, err := r.db.Exec(ctx, q, j.ID, j.Type, string(j.Payload), j.Status, j.Attempts, j.MaxAttempts, j.Priority, millis(j.ScheduledAt), millis(now), millis(now)); err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	j.CreatedAt, j.UpdatedAt = now, now
	return j.ID, nil
}

// ClaimNext picks the next due job respecting priority and schedule and marks
// it running under a lease. A running job whose lease expired is due again.
// It returns nil when nothing is due. Two workers never claim the same job:
// the conditional update only succeeds for one of them.
func (r *Repository) ClaimNext(ctx context.Context) (*Job, error) {
	for range 3 {
		j, err := r.fetchNext(ctx)
		if err != nil || j == nil {
			return nil, err
		}

		now := time.Now()
		// a takeover counts as an attempt so a job that kills its worker cannot loop forever
		res, err := r.db.Exec(ctx, `UPDATE jobs SET attempts = CASE WHEN status = ? THEN attempts + 1 ELSE attempts END, status = ?, locked_until = ?, updated_at = ?
			WHERE id = ? AND (status IN (?, ?) OR (status = ? AND locked_until <= ?))`,
			StatusRunning, StatusRunning, millis(now.Add(r.lease)), millis(now), j.ID, StatusQueued, StatusRetry, StatusRunning, millis(now))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			if j.Status == StatusRunning {
				j.Attempts++
			}
			j.Status = StatusRunning
			return j, nil
		}
		// another worker won this one; look again
	}
	return nil, nil
}

// fetchNext fetches the next available job respecting priority and schedule
func (r *Repository) fetchNext(ctx context.Context) (*Job, error) {
	q := `SELECT id, type, payload, status, attempts, max_attempts, priority, scheduled_at, next_try_at, last_error, created_at, updated_at FROM jobs
		WHERE ((status = ? OR status = ?) AND (next_try_at IS NULL OR next_try_at <= ?) AND scheduled_at <= ?)
		   OR (status = ? AND locked_until IS NOT NULL AND locked_until <= ?)
		ORDER BY priority ASC, scheduled_at ASC LIMIT 1`
	now := millis(time.Now())
	row := r.db.QueryRow(ctx, q, StatusQueued, StatusRetry, now, now, StatusRunning, now)
	var (
		j           Job
		payload     sql.NullString
		scheduledAt int64
		nextTry     sql.NullInt64
		lastError   sql.NullString
		created     int64
		updated     int64
	)
	if err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &scheduledAt, &nextTry, &lastError, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch next job: %w", err)
	}
	j.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if nextTry.Valid {
		t := time.UnixMilli(nextTry.Int64).UTC()
		j.NextTryAt = &t
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	return &j, nil
}

// UpdateJob updates attempts, status, next_try_at, last_error
func (r *Repository) UpdateJob(ctx context.Context, j *Job) error {
	var nextTry any
	if j.NextTryAt != nil {
		nextTry = millis(*j.NextTryAt)
	}
	q := `UPDATE jobs SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, locked_until = NULL, updated_at = ? WHERE id = ?`
	_, err := r.db.Exec(ctx, q, j.Status, j.Attempts, nextTry, j.LastError, millis(time.Now()), j.ID)
	return err
}

// MoveToDeadLetter moves a job to dead_letter_jobs and deletes the original
func (r *Repository) MoveToDeadLetter(ctx context.Context, j *Job) error {
	return r.db.WithTx(ctx, func(tx *db.Tx) error {
		insert := `INSERT INTO dead_letter_jobs(id, job_id, type, payload, attempts, last_error, failed_at) VALUES(?,?,?,?,?,?,?)`
		if _, err := tx.Exec(ctx, insert, uuid.NewString(), j.ID, j.Type, string(j.Payload), j.Attempts, j.LastError, millis(time.Now())); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID)
		return err
	})
}

// ListDeadLetters returns the most recent dead-lettered jobs.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryRows(ctx, `SELECT id, job_id, type, payload, attempts, last_error, failed_at FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeadLetter, 0)
	for rows.Next() {
		var (
			d         DeadLetter
			payload   sql.NullString
			lastError sql.NullString
			failed    int64
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.Type, &payload, &d.Attempts, &lastError, &failed); err != nil {
			return nil, err
		}
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		d.LastError = lastError.String
		d.FailedAt = time.UnixMilli(failed).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Stats counts jobs per status.
func (r *Repository) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryRows(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
