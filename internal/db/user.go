package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyEmail is returned when a token carries no email.
var ErrEmptyEmail = errors.New("email is empty")

// GetOrCreateUser returns the ID of the user signed in as email, creating the
// user on first sign-in. Emails compare case-insensitively.
func GetOrCreateUser(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmptyEmail
	}

	var userID string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("failed to get or create user: %w", err)
	}
	return userID, nil
}
