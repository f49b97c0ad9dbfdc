package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/vmail/mailcore/internal/crypto"
)

// TestEncryptionKey is a fixed base64 AES-256 key for tests.
var TestEncryptionKey = func() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}()

// GetTestEncryptor creates an encryptor with TestEncryptionKey.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
