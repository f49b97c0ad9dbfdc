package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// SignatureRepository stores signatures in email_signatures.
type SignatureRepository struct {
	pool *pgxpool.Pool
}

var _ gateway.SignatureRepository = (*SignatureRepository)(nil)

// NewSignatureRepository creates a repository on pool.
func NewSignatureRepository(pool *pgxpool.Pool) *SignatureRepository {
	return &SignatureRepository{pool: pool}
}

const signatureColumns = `id, user_id, name, html_template, logo_url, logo_width, social, is_default, created_at, updated_at`

func scanSignature(row pgx.Row, s *models.EmailSignature) error {
	return row.Scan(
		&s.ID,
		&s.UserID,
		&s.Name,
		&s.HTMLTemplate,
		&s.LogoURL,
		&s.LogoWidth,
		&s.Social,
		&s.IsDefault,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
}

func (r *SignatureRepository) ListSignatures(ctx context.Context, userID string) ([]models.EmailSignature, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+signatureColumns+`
		FROM email_signatures
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	defer rows.Close()

	signatures := make([]models.EmailSignature, 0)
	for rows.Next() {
		var s models.EmailSignature
		if err := scanSignature(rows, &s); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		signatures = append(signatures, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}

	return signatures, nil
}

func (r *SignatureRepository) GetSignature(ctx context.Context, userID, signatureID string) (*models.EmailSignature, error) {
	if uuid.Validate(signatureID) != nil {
		return nil, gateway.ErrNotFound
	}

	var s models.EmailSignature
	err := scanSignature(r.pool.QueryRow(ctx, `
		SELECT `+signatureColumns+`
		FROM email_signatures
		WHERE id = $1 AND user_id = $2
	`, signatureID, userID), &s)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}

	return &s, nil
}

// SaveSignature inserts or updates a signature. A new signature gets an ID.
// Saving a default signature clears the flag on the user's other signatures
// in the same transaction.
func (r *SignatureRepository) SaveSignature(ctx context.Context, s *models.EmailSignature) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if s.IsDefault {
			if _, err := tx.Exec(ctx, `
				UPDATE email_signatures SET is_default = FALSE
				WHERE user_id = $1 AND id <> $2 AND is_default
			`, s.UserID, s.ID); err != nil {
				return fmt.Errorf("failed to clear default signature: %w", err)
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO email_signatures (id, user_id, name, html_template, logo_url, logo_width, social, is_default)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				html_template = EXCLUDED.html_template,
				logo_url = EXCLUDED.logo_url,
				logo_width = EXCLUDED.logo_width,
				social = EXCLUDED.social,
				is_default = EXCLUDED.is_default,
				updated_at = NOW()
			WHERE email_signatures.user_id = EXCLUDED.user_id
			RETURNING created_at, updated_at
		`,
			s.ID,
			s.UserID,
			s.Name,
			s.HTMLTemplate,
			s.LogoURL,
			s.LogoWidth,
			s.Social,
			s.IsDefault,
		).Scan(&s.CreatedAt, &s.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to save signature: %w", err)
		}
		return nil
	})
}

func (r *SignatureRepository) DeleteSignature(ctx context.Context, userID, signatureID string) error {
	if uuid.Validate(signatureID) != nil {
		return gateway.ErrNotFound
	}

	tag, err := r.pool.Exec(ctx, `
		DELETE FROM email_signatures WHERE id = $1 AND user_id = $2
	`, signatureID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete signature: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}

	return nil
}

// SetDefaultSignature flips the flag for all of the user's signatures in one statement.
func (r *SignatureRepository) SetDefaultSignature(ctx context.Context, userID, signatureID string) error {
	if uuid.Validate(signatureID) != nil {
		return gateway.ErrNotFound
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE email_signatures
		SET is_default = (id = $2), updated_at = NOW()
		WHERE user_id = $1
			AND EXISTS (SELECT 1 FROM email_signatures WHERE id = $2 AND user_id = $1)
	`, userID, signatureID)
	if err != nil {
		return fmt.Errorf("failed to set default signature: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}

	return nil
}
