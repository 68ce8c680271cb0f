package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tasuki/internal/model"
)

// GetUserByUsername returns the user account with the given username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var u model.User
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, username, role, api_key_hash, created_at, updated_at
		 FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &role, &u.APIKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	u.Role = model.UserRole(role)
	return u, nil
}

// CreateUser inserts a new user account and returns it.
func (db *DB) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, username, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Username, string(user.Role), user.APIKeyHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// CountUsers returns the total number of user accounts.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}
