package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mescon/Requestarr/internal/domain"
)

const userColumns = `id, username, role, email, telegram_chat_id, push_enabled, created_at`

// CreateUser inserts u. CreatedAt is set when zero.
func (r *Repository) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	_, err := ExecWithRetryContext(ctx, r.DB, `
		INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Role, nullString(u.Email), nullString(u.TelegramChatID), u.PushEnabled, FormatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", u.Username, err)
	}
	return nil
}

// GetUser returns ErrNotFound for unknown ids.
func (r *Repository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	return u, nil
}

func (r *Repository) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := QueryWithRetry(ctx, r.DB, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(s scanner) (*domain.User, error) {
	var u domain.User
	var email, chatID sql.NullString
	var createdAt string
	if err := s.Scan(&u.ID, &u.Username, &u.Role, &email, &chatID, &u.PushEnabled, &createdAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.TelegramChatID = chatID.String
	u.CreatedAt = ParseTime(createdAt)
	return &u, nil
}

// =============================================================================
// Settings
// =============================================================================

// GetSetting returns ErrNotFound when key is unset.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or replaces key.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := ExecWithRetryContext(ctx, r.DB, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
