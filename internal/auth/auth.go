// Package auth manages the admin API key.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SettingAdminKeyHash is the settings row holding the bcrypt hash of the
// admin API key.
const SettingAdminKeyHash = "admin_api_key_hash"

// SettingsStore is satisfied by *db.Repository.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// GenerateAPIKey returns 32 random bytes, base64url encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// EnsureAdminKey creates an admin key when none is stored. The plaintext key
// is returned only when it was just created; it is never persisted.
func EnsureAdminKey(ctx context.Context, store SettingsStore, isNotFound func(error) bool) (string, error) {
	_, err := store.GetSetting(ctx, SettingAdminKeyHash)
	if err == nil {
		return "", nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("failed to read admin key: %w", err)
	}
	return RotateAdminKey(ctx, store)
}

// RotateAdminKey replaces the stored admin key and returns the new plaintext.
func RotateAdminKey(ctx context.Context, store SettingsStore) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate admin key: %w", err)
	}
	// bcrypt only reads 72 bytes; the 44-char key fits.
	hash, err := HashPassword(key)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}
	if err := store.SetSetting(ctx, SettingAdminKeyHash, hash); err != nil {
		return "", err
	}
	return key, nil
}

// ErrInvalidKey is returned by VerifyAdminKey for a missing or wrong key.
var ErrInvalidKey = errors.New("invalid API key")

// VerifyAdminKey checks key against the stored hash.
func VerifyAdminKey(ctx context.Context, store SettingsStore, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	hash, err := store.GetSetting(ctx, SettingAdminKeyHash)
	if err != nil {
		return ErrInvalidKey
	}
	if !CheckPasswordHash(key, hash) {
		return ErrInvalidKey
	}
	return nil
}
