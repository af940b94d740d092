// ABOUTME: Message-at-rest encryption using ChaCha20-Poly1305 with a key cached in memory.
// ABOUTME: The key lives in a 0600 file inside a 0700 directory and is loaded once at startup.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const keyFileName = "message.key"

// Sealer encrypts and decrypts Message.content with a single 256-bit key.
type Sealer struct {
	aead cipher.AEAD
}

// Open loads (or generates, on first run) the key at <dataDir>/message.key
// and returns a Sealer. dataDir is created with 0700 permissions if needed;
// the key file is created with 0600.
func Open(dataDir string) (*Sealer, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading message key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has wrong length %d, want %d", path, len(data), chacha20poly1305.KeySize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data previously produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting message content: %w", err)
	}
	return plaintext, nil
}
