package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals stored OAuth tokens with AES-GCM. The associated data binds a
// ciphertext to the record it was written for, so a token copied to another
// account row fails to open.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext. The output is [nonce][ciphertext+tag].
func (e *Encryptor) Seal(plaintext []byte, associatedData string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, []byte(associatedData)), nil
}

// Open reverses Seal. It fails if the data was altered, sealed with another
// key, or sealed for different associated data.
func (e *Encryptor) Open(sealed []byte, associatedData string) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptToken serializes and seals an OAuth token for storage.
func (e *Encryptor) EncryptToken(token *oauth2.Token, associatedData string) ([]byte, error) {
	if token == nil {
		return nil, errors.New("token is nil")
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}

	return e.Seal(raw, associatedData)
}

// DecryptToken opens a token sealed by EncryptToken.
func (e *Encryptor) DecryptToken(sealed []byte, associatedData string) (*oauth2.Token, error) {
	raw, err := e.Open(sealed, associatedData)
	if err != nil {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	return &token, nil
}
