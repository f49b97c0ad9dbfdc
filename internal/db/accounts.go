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

// ErrAccountNotFound is returned when an account does not exist or belongs to another user.
var ErrAccountNotFound = errors.New("email account not found")

// AccountRecord is an account row together with its sealed OAuth token.
type AccountRecord struct {
	models.EmailAccount
	EncryptedToken []byte
}

const accountColumns = `id, user_id, email_address, provider, is_default, last_synced_at, sync_error`

func scanAccount(row pgx.Row, account *models.EmailAccount, extra ...any) error {
	dest := append([]any{
		&account.ID,
		&account.UserID,
		&account.EmailAddress,
		&account.Provider,
		&account.IsDefault,
		&account.LastSyncedAt,
		&account.SyncError,
	}, extra...)
	return row.Scan(dest...)
}

// SaveAccount inserts an account or, when the user already connected the same
// address at the same provider, replaces its token. The user's first account
// becomes the default. The ID and default flag are written back to record.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, record *AccountRecord) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO email_accounts (user_id, email_address, provider, encrypted_token, is_default)
		VALUES ($1, $2, $3, $4, NOT EXISTS (SELECT 1 FROM email_accounts WHERE user_id = $1))
		ON CONFLICT (user_id, provider, email_address) DO UPDATE SET
			encrypted_token = EXCLUDED.encrypted_token,
			sync_error = FALSE,
			updated_at = NOW()
		RETURNING id, is_default
	`,
		record.UserID,
		record.EmailAddress,
		record.Provider,
		record.EncryptedToken,
	).Scan(&record.ID, &record.IsDefault)

	if err != nil {
		return fmt.Errorf("failed to save email account: %w", err)
	}

	return nil
}

// ListAccounts returns the user's accounts in connection order.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool, userID string) ([]models.EmailAccount, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.EmailAccount, 0)
	for rows.Next() {
		var account models.EmailAccount
		if err := scanAccount(rows, &account); err != nil {
			return nil, fmt.Errorf("failed to scan email account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list email accounts: %w", err)
	}

	return accounts, nil
}

// GetAccount returns an account with its sealed token.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*AccountRecord, error) {
	var record AccountRecord

	err := scanAccount(pool.QueryRow(ctx, `
		SELECT `+accountColumns+`, encrypted_token
		FROM email_accounts
		WHERE id = $1
	`, accountID), &record.EmailAccount, &record.EncryptedToken)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get email account: %w", err)
	}

	return &record, nil
}

// DeleteAccount removes one of the user's accounts.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, userID, accountID string) error {
	tag, err := pool.Exec(ctx, `
		DELETE FROM email_accounts WHERE id = $1 AND user_id = $2
	`, accountID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete email account: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// SetDefaultAccount makes accountID the user's only default account. The flag
// flips for every row in a single statement, so concurrent callers resolve to
// whichever statement commits last.
func SetDefaultAccount(ctx context.Context, pool *pgxpool.Pool, userID, accountID string) error {
	tag, err := pool.Exec(ctx, `
		UPDATE email_accounts
		SET is_default = (id = $2), updated_at = NOW()
		WHERE user_id = $1
			AND EXISTS (SELECT 1 FROM email_accounts WHERE id = $2 AND user_id = $1)
	`, userID, accountID)
	if err != nil {
		return fmt.Errorf("failed to set default email account: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// UpdateAccountToken stores a refreshed token.
func UpdateAccountToken(ctx context.Context, pool *pgxpool.Pool, accountID string, encryptedToken []byte) error {
	tag, err := pool.Exec(ctx, `
		UPDATE email_accounts SET encrypted_token = $2, updated_at = NOW() WHERE id = $1
	`, accountID, encryptedToken)
	if err != nil {
		return fmt.Errorf("failed to update account token: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// MarkAccountSynced records the outcome of the latest provider round trip.
// A successful sync also stamps last_synced_at.
func MarkAccountSynced(ctx context.Context, pool *pgxpool.Pool, accountID string, syncErr bool, at time.Time) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_accounts
		SET sync_error = $2,
			last_synced_at = CASE WHEN $2 THEN last_synced_at ELSE $3 END
		WHERE id = $1
	`, accountID, syncErr, at)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}

	return nil
}
