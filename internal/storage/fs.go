package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// FSStore stores files under a local directory and serves them from publicURL.
type FSStore struct {
	root      string
	publicURL string
	log       *logrus.Entry
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, publicURL string, logger *logrus.Logger) (*FSStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FSStore{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       logger.WithField("component", "FSStore"),
	}, nil
}

// Root is the directory files are written to.
func (s *FSStore) Root() string {
	return s.root
}

// UploadFile implements gateway.StorageGateway.
func (s *FSStore) UploadFile(ctx context.Context, file gateway.File, pathHint string) (*gateway.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if file.Content == nil {
		return nil, fmt.Errorf("file %s has no content", file.Name)
	}

	key := objectKey(pathHint, file.Name)
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	written, err := io.Copy(f, file.Content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(target)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	s.log.WithFields(logrus.Fields{"key": key, "bytes": written}).Debug("stored upload")
	return &gateway.StoredFile{Key: key, URL: s.publicURL + "/" + key}, nil
}

// Open implements smtp.AttachmentSource.
func (s *FSStore) Open(_ context.Context, attachment models.EmailAttachment) (io.ReadCloser, error) {
	key, err := keyFromURL(s.publicURL, attachment.URL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}
