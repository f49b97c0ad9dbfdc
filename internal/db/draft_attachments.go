package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// DraftAttachmentRepository stores uploaded draft files in draft_attachments.
type DraftAttachmentRepository struct {
	pool *pgxpool.Pool
}

var _ gateway.DraftAttachmentRepository = (*DraftAttachmentRepository)(nil)

func NewDraftAttachmentRepository(pool *pgxpool.Pool) *DraftAttachmentRepository {
	return &DraftAttachmentRepository{pool: pool}
}

func (r *DraftAttachmentRepository) SaveDraftAttachment(ctx context.Context, draftID string, a *models.EmailAttachment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO draft_attachments (draft_id, id, name, mime_type, size_bytes, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (draft_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			url = EXCLUDED.url
	`, draftID, a.ID, a.Name, a.MimeType, a.SizeBytes, a.URL)
	if err != nil {
		return fmt.Errorf("failed to save draft attachment: %w", err)
	}

	return nil
}

func (r *DraftAttachmentRepository) ListDraftAttachments(ctx context.Context, draftID string) ([]models.EmailAttachment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, mime_type, size_bytes, url
		FROM draft_attachments
		WHERE draft_id = $1
		ORDER BY created_at, id
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to list draft attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]models.EmailAttachment, 0)
	for rows.Next() {
		var a models.EmailAttachment
		if err := rows.Scan(&a.ID, &a.Name, &a.MimeType, &a.SizeBytes, &a.URL); err != nil {
			return nil, fmt.Errorf("failed to scan draft attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	return attachments, rows.Err()
}

func (r *DraftAttachmentRepository) DeleteDraftAttachment(ctx context.Context, draftID, attachmentID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM draft_attachments WHERE draft_id = $1 AND id = $2
	`, draftID, attachmentID)
	if err != nil {
		return fmt.Errorf("failed to delete draft attachment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}

	return nil
}

func (r *DraftAttachmentRepository) DeleteDraftAttachments(ctx context.Context, draftID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM draft_attachments WHERE draft_id = $1`, draftID); err != nil {
		return fmt.Errorf("failed to delete draft attachments: %w", err)
	}

	return nil
}
