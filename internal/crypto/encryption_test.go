package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key := bytes.Repeat([]byte{7}, 32)
	e, err := NewEncryptor(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return e
}

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		encryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		require.NoError(t, err)
		assert.NotNil(t, encryptor)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewEncryptor("not-base64!!!")
		assert.Error(t, err)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 16)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "got 16 bytes")
	})
}

func TestSealOpen(t *testing.T) {
	e := newTestEncryptor(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple text", "hello"},
		{"empty string", ""},
		{"unicode", "héllo wörld ✉"},
		{"long text", string(bytes.Repeat([]byte("a"), 4096))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := e.Seal([]byte(tc.plaintext), "account-1")
			require.NoError(t, err)

			opened, err := e.Open(sealed, "account-1")
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, string(opened))
		})
	}
}

func TestSealProducesDifferentCiphertext(t *testing.T) {
	e := newTestEncryptor(t)

	a, err := e.Seal([]byte("same"), "")
	require.NoError(t, err)
	b, err := e.Seal([]byte("same"), "")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTamperedInput(t *testing.T) {
	e := newTestEncryptor(t)
	sealed, err := e.Seal([]byte("secret"), "account-1")
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := e.Open([]byte{1, 2, 3}, "account-1")
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("corrupted data", func(t *testing.T) {
		corrupted := append([]byte(nil), sealed...)
		corrupted[len(corrupted)-1] ^= 0xff
		_, err := e.Open(corrupted, "account-1")
		assert.Error(t, err)
	})

	t.Run("different associated data", func(t *testing.T) {
		_, err := e.Open(sealed, "account-2")
		assert.Error(t, err)
	})

	t.Run("different key", func(t *testing.T) {
		other, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		require.NoError(t, err)
		_, err = other.Open(sealed, "account-1")
		assert.Error(t, err)
	})
}

func TestEncryptDecryptToken(t *testing.T) {
	e := newTestEncryptor(t)
	expiry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: expiry}

	sealed, err := e.EncryptToken(token, "account-1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "refresh")

	got, err := e.DecryptToken(sealed, "account-1")
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, expiry.Equal(got.Expiry))

	_, err = e.EncryptToken(nil, "account-1")
	assert.Error(t, err)
}
