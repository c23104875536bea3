// Package crypto provides AES-256-GCM encryption and decryption for sensitive
// data at rest, such as OAuth access and refresh tokens.
//
// Each encryption operation uses a unique random nonce, so encrypting the same
// plaintext twice produces different ciphertexts. GCM provides both
// confidentiality and integrity: tampered ciphertexts fail to decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"integration-engine/internal/common/errors"
)

// Encryptor handles encryption and decryption of sensitive values using
// AES-256-GCM. It is safe for concurrent use by multiple goroutines.
type Encryptor struct {
	key []byte // 32-byte AES-256 encryption key
}

// NewEncryptor creates a new Encryptor from the provided key material.
//
// The key is processed with PBKDF2 to derive exactly 32 bytes for AES-256
// regardless of input length. Store the key securely (environment variable or
// secret manager), never in source.
func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	// Static salt keeps derivation deterministic across restarts
	salt := []byte("integration-engine-salt")
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &Encryptor{key: derivedKey}, nil
}

// Encrypt encrypts a plaintext string and returns a base64-encoded
// nonce+ciphertext suitable for storage. Empty input returns empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64-encoded ciphertext produced by Encrypt and returns
// the original plaintext. Tampered or truncated ciphertexts return an error.
// Empty input returns empty output.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("failed to create GCM", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}
