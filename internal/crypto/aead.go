package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// AEAD seals and opens vault secrets with AES-256-GCM. The random nonce is
// prepended to the ciphertext so each blob is self-contained.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD builds an AEAD from a 32-byte master key.
func NewAEAD(masterKey []byte) (*AEAD, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AEAD{gcm: gcm}, nil
}

// Seal encrypts plaintext, binding it to the additional data aad (the
// vault_id/path pair, so a blob cannot be transplanted between entries).
func (a *AEAD) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return a.gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (a *AEAD) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < a.gcm.NonceSize() {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ciphertext := sealed[:a.gcm.NonceSize()], sealed[a.gcm.NonceSize():]
	plaintext, err := a.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}

// SecretAAD derives the additional data binding a secret to its location.
func SecretAAD(vaultID, path string) []byte {
	return []byte(vaultID + "\x00" + path)
}

// GenerateMasterKey returns 32 random bytes hex-encoded, for `lifeline keys`.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// LoadMasterKey reads a hex-encoded 32-byte key from path.
func LoadMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
