package signature

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vdavid/vmail/mailcore/internal/attachment"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// DefaultMaxLogoBytes is the logo size ceiling.
const DefaultMaxLogoBytes = 5 << 20

// Service manages the signatures of users on top of a repository.
type Service struct {
	repo         gateway.SignatureRepository
	storage      gateway.StorageGateway
	maxLogoBytes int64
	log          *logrus.Entry
}

// NewService creates a signature service. Logos go to storage.
func NewService(repo gateway.SignatureRepository, storage gateway.StorageGateway, maxLogoBytes int64, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxLogoBytes <= 0 {
		maxLogoBytes = DefaultMaxLogoBytes
	}
	return &Service{
		repo:         repo,
		storage:      storage,
		maxLogoBytes: maxLogoBytes,
		log:          logger.WithField("component", "SignatureService"),
	}
}

// List returns the signatures of a user.
func (s *Service) List(ctx context.Context, userID string) ([]models.EmailSignature, error) {
	list, err := s.repo.ListSignatures(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	return list, nil
}

// Get returns one signature.
func (s *Service) Get(ctx context.Context, userID, signatureID string) (*models.EmailSignature, error) {
	sig, err := s.repo.GetSignature(ctx, userID, signatureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature %s: %w", signatureID, err)
	}
	return sig, nil
}

// Default returns the default signature of a user, or nil if there is none.
func (s *Service) Default(ctx context.Context, userID string) (*models.EmailSignature, error) {
	list, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].IsDefault {
			return &list[i], nil
		}
	}
	return nil, nil
}

// Create stores a new signature for userID.
func (s *Service) Create(ctx context.Context, userID string, sig *models.EmailSignature) error {
	if err := validate(sig); err != nil {
		return err
	}
	sig.ID = ""
	sig.UserID = userID
	sig.LogoWidth = normalizeWidth(sig.LogoWidth)
	if err := s.repo.SaveSignature(ctx, sig); err != nil {
		return fmt.Errorf("failed to save signature: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user": userID, "signature_id": sig.ID}).Info("Created signature")
	return nil
}

// Update replaces the editable fields of an existing signature. The default
// flag only changes through SetDefault.
func (s *Service) Update(ctx context.Context, userID string, sig *models.EmailSignature) error {
	if err := validate(sig); err != nil {
		return err
	}
	existing, err := s.Get(ctx, userID, sig.ID)
	if err != nil {
		return err
	}
	sig.UserID = userID
	sig.CreatedAt = existing.CreatedAt
	sig.IsDefault = existing.IsDefault
	sig.LogoWidth = normalizeWidth(sig.LogoWidth)
	if err := s.repo.SaveSignature(ctx, sig); err != nil {
		return fmt.Errorf("failed to save signature: %w", err)
	}
	return nil
}

// Delete removes a signature.
func (s *Service) Delete(ctx context.Context, userID, signatureID string) error {
	if err := s.repo.DeleteSignature(ctx, userID, signatureID); err != nil {
		return fmt.Errorf("failed to delete signature %s: %w", signatureID, err)
	}
	return nil
}

// SetDefault makes signatureID the only default signature of the user.
func (s *Service) SetDefault(ctx context.Context, userID, signatureID string) error {
	if err := s.repo.SetDefaultSignature(ctx, userID, signatureID); err != nil {
		return fmt.Errorf("failed to set default signature: %w", err)
	}
	return nil
}

// UploadLogo stores an image and sets it as the logo of a signature.
func (s *Service) UploadLogo(ctx context.Context, userID, signatureID string, file gateway.File) (*models.EmailSignature, error) {
	if err := attachment.CheckSize(file, s.maxLogoBytes); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(file.MimeType, "image/") {
		return nil, gateway.NewValidationError("logo", nil, "%s is not an image", file.Name)
	}

	sig, err := s.Get(ctx, userID, signatureID)
	if err != nil {
		return nil, err
	}
	stored, err := s.storage.UploadFile(ctx, file, "signatures/"+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to upload logo: %w", err)
	}

	sig.LogoURL = stored.URL
	if sig.LogoWidth == 0 {
		sig.LogoWidth = models.DefaultLogoWidth
	}
	if err := s.repo.SaveSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to save signature: %w", err)
	}
	return sig, nil
}

// Resolve renders signatureID for a draft. An empty signatureID renders
// the default signature; no signature at all renders nothing.
func (s *Service) Resolve(ctx context.Context, userID, signatureID string, fields models.SignatureFields) (string, error) {
	var sig *models.EmailSignature
	var err error
	if signatureID == "" {
		sig, err = s.Default(ctx, userID)
	} else {
		sig, err = s.Get(ctx, userID, signatureID)
	}
	if err != nil {
		return "", err
	}
	return Render(sig, fields), nil
}

func validate(sig *models.EmailSignature) error {
	if sig == nil {
		return errors.New("signature is nil")
	}
	if strings.TrimSpace(sig.Name) == "" {
		return gateway.NewValidationError("name", nil, "signature name is required")
	}
	return nil
}

func normalizeWidth(width int) int {
	s := models.EmailSignature{LogoWidth: width}
	return s.EffectiveLogoWidth()
}
