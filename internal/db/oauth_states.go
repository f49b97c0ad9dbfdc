package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// ErrOAuthStateNotFound is returned for unknown, expired or already used states.
var ErrOAuthStateNotFound = errors.New("oauth state not found")

// OAuthState ties a pending provider redirect to the user who started it.
type OAuthState struct {
	State        string
	UserID       string
	Provider     models.Provider
	CodeVerifier string
	ExpiresAt    time.Time
}

// SaveOAuthState stores a pending connection.
func SaveOAuthState(ctx context.Context, pool *pgxpool.Pool, state *OAuthState) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO oauth_states (state, user_id, provider, code_verifier, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, state.State, state.UserID, state.Provider, state.CodeVerifier, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save oauth state: %w", err)
	}

	return nil
}

// ConsumeOAuthState deletes and returns the user's pending state. A state can
// be consumed once; expired states are treated as missing.
func ConsumeOAuthState(ctx context.Context, pool *pgxpool.Pool, userID, state string) (*OAuthState, error) {
	var s OAuthState

	err := pool.QueryRow(ctx, `
		DELETE FROM oauth_states
		WHERE state = $1 AND user_id = $2
		RETURNING state, user_id, provider, code_verifier, expires_at
	`, state, userID).Scan(&s.State, &s.UserID, &s.Provider, &s.CodeVerifier, &s.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOAuthStateNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	if time.Now().After(s.ExpiresAt) {
		return nil, ErrOAuthStateNotFound
	}

	return &s, nil
}

// DeleteExpiredOAuthStates removes abandoned connection attempts.
func DeleteExpiredOAuthStates(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}

	return tag.RowsAffected(), nil
}
