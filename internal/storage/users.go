package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/civica-gov/civica/internal/model"
)

const userColumns = `id, username, name, role, password_hash, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.Name, &role, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	u.Role = model.Role(role)
	return u, err
}

// CreateUser inserts a back-office user. PasswordHash must already be set.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.Name, string(u.Role), u.PasswordHash, u.CreatedAt, u.UpdatedAt, u.LastLoginAt,
	); err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", mapWriteError(err))
	}
	return u, nil
}

// GetUserByUsername returns the user with the given username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", mapError(err))
	}
	return u, nil
}

// CountUsers returns the number of users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}

// TouchLastLogin records a successful login.
func (db *DB) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("storage: touch last login: %w", err)
	}
	return nil
}
