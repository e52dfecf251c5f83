// Package crypto encrypts notification endpoint secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptedPrefix is prepended to encrypted values to identify them
	EncryptedPrefix = "enc:v1:"

	hkdfInfo = "requestarr notification endpoint config"
)

var (
	ErrNoEncryptionKey = errors.New("no encryption key configured")
	ErrDecryptFailed   = errors.New("decryption failed: invalid ciphertext")
)

// KeyManager encrypts and decrypts values with an AES-256-GCM key derived
// from the configured secret. A KeyManager without a key passes values
// through unchanged.
type KeyManager struct {
	key []byte
}

// NewKeyManager derives a 32-byte key from secret. An empty secret disables
// encryption.
func NewKeyManager(secret string) (*KeyManager, error) {
	if secret == "" {
		return &KeyManager{}, nil
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &KeyManager{key: key}, nil
}

// HasKey returns true if an encryption key is configured
func (km *KeyManager) HasKey() bool {
	return km != nil && km.key != nil
}

// Encrypt returns the sealed value with EncryptedPrefix, or plaintext when no
// key is configured.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	if !km.HasKey() {
		return plaintext, nil
	}

	aesGCM, err := km.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Values without EncryptedPrefix are returned as-is
// so endpoints stored before a key was configured keep working.
func (km *KeyManager) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if !km.HasKey() {
		return "", ErrNoEncryptionKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", err
	}

	aesGCM, err := km.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptFailed
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (km *KeyManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(km.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsEncrypted checks if a value appears to be encrypted
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}
