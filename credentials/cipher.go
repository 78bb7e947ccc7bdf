// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/soothill/rack-power-monitor/pkg/util"
)

const (
	keyIterations = 100000
	keyLength     = 32
	saltLength    = 16

	// gcmOverhead is the nonce plus authentication tag added by Encrypt.
	gcmOverhead = 12 + 16
)

// AESCipher encrypts secrets with AES-256-GCM under a PBKDF2-derived key.
type AESCipher struct {
	key []byte
}

// NewCipher derives the key from secret and salt.
func NewCipher(secret string, salt []byte) *AESCipher {
	return &AESCipher{
		key: pbkdf2.Key([]byte(secret), salt, keyIterations, keyLength, sha256.New),
	}
}

// Encrypt returns base64url(nonce || ciphertext). Empty input stays empty.
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// LooksSealed reports whether value has the shape of an Encrypt result. It
// does not need the key, so values sealed on another host still match.
func LooksSealed(value string) bool {
	data, err := base64.URLEncoding.DecodeString(value)
	return err == nil && len(data) > gcmOverhead
}

func (c *AESCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// LoadOrCreateSalt reads the salt file at path, creating it with random
// bytes when it does not exist.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := util.ReadFileSafely(path)
	if err == nil && len(salt) > 0 {
		return salt, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	return salt, nil
}

// MachineSecret returns the host name, falling back to a fixed string.
func MachineSecret() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "default_machine"
}
