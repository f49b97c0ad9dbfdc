package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/vmail/mailcore/migrations"
)

const postgresImage = "postgres:16-alpine"

// Postgres is a throwaway database in a container with the schema applied.
type Postgres struct {
	Pool      *pgxpool.Pool
	container *postgres.PostgresContainer
}

// StartPostgres runs a container, connects to it and applies the schema.
func StartPostgres(ctx context.Context, password string) (*Postgres, error) {
	container, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("mailcore_test"),
		postgres.WithUsername("mailcore"),
		postgres.WithPassword(password),
		// Postgres restarts once after init, hence two occurrences.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	pg := &Postgres{container: container}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 10

	if pg.Pool, err = pgxpool.NewWithConfig(ctx, poolConfig); err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := migrations.Apply(ctx, pg.Pool); err != nil {
		pg.Close(ctx)
		return nil, err
	}
	return pg, nil
}

// Close drops the pool and terminates the container.
func (p *Postgres) Close(ctx context.Context) error {
	if p.Pool != nil {
		p.Pool.Close()
	}
	return p.container.Terminate(ctx)
}

// NewTestDB returns a pool on a fresh database that lives as long as the
// test. Skipped with -short.
func NewTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Postgres test in short mode")
	}

	pg, err := StartPostgres(context.Background(), "mailcore")
	if err != nil {
		t.Fatalf("Failed to start test database: %v", err)
	}
	t.Cleanup(func() {
		if err := pg.Close(context.Background()); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
	return pg.Pool
}

// CreateTestUser inserts a user row and returns its ID.
func CreateTestUser(t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()

	var userID string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&userID)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return userID
}
