package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/garnizeh/terrace/internal/db"
	"github.com/garnizeh/terrace/pkg/models"
)

const profileColumns = `id, username, display_name, is_operator, created_at, updated_at`

func (r *SQLRepo) CreateAccount(ctx context.Context, p *models.Profile, a *models.Account) error {
	if p == nil || a == nil {
		return fmt.Errorf("profile or account is nil")
	}

	ts := now()
	err := r.conn.WithTx(ctx, func(tx *db.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO profiles (id, username, display_name, is_operator, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Username, nullable(p.DisplayName), p.IsOperator, ts, ts); err != nil {
			return mapWriteErr(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO accounts (profile_id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			p.ID, a.Email, a.PasswordHash, ts); err != nil {
			return mapWriteErr(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.CreatedAt = fromMillis(ts)
	p.UpdatedAt = p.CreatedAt
	a.ProfileID = p.ID
	a.CreatedAt = p.CreatedAt
	return nil
}

func (r *SQLRepo) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	return scanProfile(r.conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
}

func (r *SQLRepo) GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error) {
	return scanProfile(r.conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE username = ?`, username))
}

func (r *SQLRepo) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := r.conn.QueryRow(ctx, `SELECT profile_id, email, password_hash, created_at FROM accounts WHERE email = ?`, email)
	var (
		a       models.Account
		created int64
	)
	if err := row.Scan(&a.ProfileID, &a.Email, &a.PasswordHash, &created); err != nil {
		if isNoRows(err) {
			return nil, nil
		}

		return nil, err
	}

	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func (r *SQLRepo) MarkOperator(ctx context.Context, profileID string) error {
	res, err := r.conn.Exec(ctx, `UPDATE profiles SET is_operator = ?, updated_at = ? WHERE id = ?`, true, now(), profileID)
	if err != nil {
		return err
	}

	return expectOne(res)
}

func scanProfile(row *sql.Row) (*models.Profile, error) {
	var (
		p                models.Profile
		display          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Username, &display, &p.IsOperator, &created, &updated); err != nil {
		if isNoRows(err) {
			return nil, nil
		}

		return nil, err
	}

	p.DisplayName = display.String
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
