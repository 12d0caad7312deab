// Package auth handles session credentials on the device: sealing the API
// token at rest, inspecting token expiry and validating login forms.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealKeyLen     = 32 // AES-256
	sealIterations = 4096
)

// ErrSealedValue is returned when a sealed value cannot be opened,
// usually because the passphrase or the device changed
var ErrSealedValue = errors.New("sealed value cannot be opened")

// Sealer encrypts small secrets with AES-256-GCM. The key is derived from
// a passphrase and a per-device salt, so a copied storage file does not
// open on another device.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("seal passphrase is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("seal salt is required")
	}
	return &Sealer{
		key: pbkdf2.Key([]byte(passphrase), salt, sealIterations, sealKeyLen, sha256.New),
	}, nil
}

// Seal encrypts plaintext and returns it base64 encoded, nonce prepended
func (s *Sealer) Seal(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode base64: %v", ErrSealedValue, err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrSealedValue)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedValue, err)
	}

	return string(plaintext), nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
