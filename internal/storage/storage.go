// Package storage keeps uploaded attachments and signature images, either on
// the local filesystem or in S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/vdavid/vmail/mailcore/internal/gateway"
	"github.com/vdavid/vmail/mailcore/internal/models"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a storage backend. Both implementations serve uploads and read
// them back when a message is sent.
type Store interface {
	gateway.StorageGateway
	Open(ctx context.Context, attachment models.EmailAttachment) (io.ReadCloser, error)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// objectKey builds "<hint>/<uuid>-<name>" with both parts reduced to safe characters.
func objectKey(pathHint, fileName string) string {
	name := unsafeNameChars.ReplaceAllString(path.Base("/"+fileName), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}

	var segments []string
	for _, segment := range strings.Split(pathHint, "/") {
		segment = strings.Trim(unsafeNameChars.ReplaceAllString(segment, "_"), "._")
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	segments = append(segments, uuid.NewString()+"-"+name)
	return strings.Join(segments, "/")
}

// keyFromURL reverses publicURL + "/" + key.
func keyFromURL(publicURL, url string) (string, error) {
	prefix := strings.TrimRight(publicURL, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("%w: %s is not a stored file", ErrNotFound, url)
	}
	key := strings.TrimPrefix(url, prefix)
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid key in %s", ErrNotFound, url)
	}
	return key, nil
}
