package attachment

import (
	"github.com/dustin/go-humanize"

	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// CheckSize rejects a file above maxBytes with an error naming the file.
// A zero maxBytes disables the check.
func CheckSize(file gateway.File, maxBytes int64) error {
	if maxBytes > 0 && file.Size > maxBytes {
		return gateway.NewValidationError(file.Name, gateway.ErrFileTooLarge,
			"%s is too large (%s, limit is %s)",
			file.Name, humanize.IBytes(uint64(file.Size)), humanize.IBytes(uint64(maxBytes)))
	}
	return nil
}

// CheckDuplicate rejects a file whose name and size match one already present.
func CheckDuplicate(file gateway.File, existing []models.EmailAttachment) error {
	candidate := models.EmailAttachment{Name: file.Name, SizeBytes: file.Size}
	for _, a := range existing {
		if a.SameFile(candidate) {
			return gateway.NewValidationError(file.Name, gateway.ErrDuplicateAttachment,
				"%s is already attached", file.Name)
		}
	}
	return nil
}

// CheckCount rejects a file when count files are already attached or uploading.
func CheckCount(file gateway.File, count, maxCount int) error {
	if maxCount > 0 && count >= maxCount {
		return gateway.NewValidationError(file.Name, gateway.ErrTooManyAttachments,
			"%s was not attached, the limit is %d files", file.Name, maxCount)
	}
	return nil
}
