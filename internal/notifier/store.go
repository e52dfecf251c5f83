package notifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Requestarr/internal/crypto"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

// storeQueryTimeout bounds every notifier query.
const storeQueryTimeout = 10 * time.Second

const logFmtDecryptFailed = "Failed to decrypt config for endpoint %d: %v"

var (
	ErrEndpointNotFound = errors.New("notification endpoint not found")
	ErrInvalidEndpoint  = errors.New("invalid notification endpoint")
)

// Endpoint is one configured notification target. Endpoints without an
// owner are global and receive events for every request; the rest only
// receive events for requests made by their owner.
type Endpoint struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Channel     string          `json:"channel"`
	Config      json.RawMessage `json:"config"`
	Events      []string        `json:"events"`
	Enabled     bool            `json:"enabled"`
	OwnerUserID string          `json:"owner_user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Wants reports whether the endpoint subscribes to et. An empty event list
// receives everything.
func (e *Endpoint) Wants(et domain.EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, name := range e.Events {
		if name == string(et) {
			return true
		}
	}
	return false
}

// Validate checks the fields an API caller controls.
func (e *Endpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEndpoint)
	}
	if !IsKnownChannel(e.Channel) {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidEndpoint, e.Channel)
	}
	for _, name := range e.Events {
		if !domain.EventType(name).IsLifecycle() {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidEndpoint, name)
		}
	}
	var probe map[string]interface{}
	if len(e.Config) == 0 || json.Unmarshal(e.Config, &probe) != nil {
		return fmt.Errorf("%w: config must be a JSON object", ErrInvalidEndpoint)
	}
	return nil
}

// Delivery outcomes recorded in notification_log.
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// DeliveryRecord is one row of the delivery log.
type DeliveryRecord struct {
	ID             int64     `json:"id"`
	EndpointID     int64     `json:"endpoint_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	EventType      string    `json:"event_type"`
	RequestID      string    `json:"request_id,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists endpoints and their delivery log. Endpoint configs are
// encrypted with keys when it holds a key.
type Store struct {
	db   *sql.DB
	keys *crypto.KeyManager
}

func NewStore(sqlDB *sql.DB, keys *crypto.KeyManager) *Store {
	return &Store{db: sqlDB, keys: keys}
}

const endpointColumns = `id, name, channel, config, events, enabled, owner_user_id, created_at, updated_at`

func (s *Store) List(ctx context.Context) ([]*Endpoint, error) {
	return s.query(ctx, `SELECT `+endpointColumns+` FROM notification_endpoints ORDER BY name, id`)
}

// Recipients returns the enabled global endpoints followed by the enabled
// personal endpoints of ownerID.
func (s *Store) Recipients(ctx context.Context, ownerID string) ([]*Endpoint, error) {
	global, err := s.query(ctx, `SELECT `+endpointColumns+` FROM notification_endpoints
		WHERE enabled = 1 AND owner_user_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return global, nil
	}
	personal, err := s.query(ctx, `SELECT `+endpointColumns+` FROM notification_endpoints
		WHERE enabled = 1 AND owner_user_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	return append(global, personal...), nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Endpoint, error) {
	eps, err := s.query(ctx, `SELECT `+endpointColumns+` FROM notification_endpoints WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, ErrEndpointNotFound
	}
	return eps[0], nil
}

func (s *Store) Create(ctx context.Context, ep *Endpoint) (int64, error) {
	if err := ep.Validate(); err != nil {
		return 0, err
	}
	configValue, eventsJSON, err := s.encode(ep)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	now := time.Now().UTC()
	res, err := db.ExecWithRetryContext(ctx, s.db, `
		INSERT INTO notification_endpoints (name, channel, config, events, enabled, owner_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.Name, ep.Channel, configValue, eventsJSON, ep.Enabled, nullString(ep.OwnerUserID),
		db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to create endpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ep.ID, ep.CreatedAt, ep.UpdatedAt = id, now, now
	return id, nil
}

func (s *Store) Update(ctx context.Context, ep *Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	configValue, eventsJSON, err := s.encode(ep)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	now := time.Now().UTC()
	res, err := db.ExecWithRetryContext(ctx, s.db, `
		UPDATE notification_endpoints
		SET name = ?, channel = ?, config = ?, events = ?, enabled = ?, owner_user_id = ?, updated_at = ?
		WHERE id = ?`,
		ep.Name, ep.Channel, configValue, eventsJSON, ep.Enabled, nullString(ep.OwnerUserID), db.FormatTime(now), ep.ID)
	if err != nil {
		return fmt.Errorf("failed to update endpoint %d: %w", ep.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEndpointNotFound
	}
	ep.UpdatedAt = now
	return nil
}

// Delete removes the endpoint and its delivery log.
func (s *Store) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	res, err := db.ExecWithRetryContext(ctx, s.db, `DELETE FROM notification_endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEndpointNotFound
	}
	if _, err := db.ExecWithRetryContext(ctx, s.db, `DELETE FROM notification_log WHERE endpoint_id = ?`, id); err != nil {
		logger.Warnf("Failed to clean up delivery log for endpoint %d: %v", id, err)
	}
	return nil
}

// WasSent reports whether a delivery with key already succeeded.
func (s *Store) WasSent(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log WHERE idempotency_key = ? AND status = ?`,
		key, DeliverySent).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) LogDelivery(ctx context.Context, rec DeliveryRecord) error {
	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Attempts == 0 {
		rec.Attempts = 1
	}
	_, err := db.ExecWithRetryContext(ctx, s.db, `
		INSERT INTO notification_log (endpoint_id, idempotency_key, event_type, request_id, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EndpointID, rec.IdempotencyKey, rec.EventType, nullString(rec.RequestID), rec.Status, rec.Attempts,
		nullString(rec.Error), db.FormatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to log delivery: %w", err)
	}
	return nil
}

// DeliveryLog returns the newest log entries for an endpoint.
func (s *Store) DeliveryLog(ctx context.Context, endpointID int64, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	rows, err := db.QueryWithRetry(ctx, s.db, `
		SELECT id, endpoint_id, idempotency_key, event_type, request_id, status, attempts, error, created_at
		FROM notification_log
		WHERE endpoint_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]DeliveryRecord, 0)
	for rows.Next() {
		var rec DeliveryRecord
		var requestID, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.EndpointID, &rec.IdempotencyKey, &rec.EventType, &requestID,
			&rec.Status, &rec.Attempts, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		rec.RequestID = requestID.String
		rec.Error = errMsg.String
		rec.CreatedAt = db.ParseTime(createdAt)
		entries = append(entries, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery log: %w", err)
	}
	return entries, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, storeQueryTimeout)
	defer cancel()

	rows, err := db.QueryWithRetry(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	endpoints := make([]*Endpoint, 0)
	for rows.Next() {
		var ep Endpoint
		var configValue, eventsJSON, createdAt, updatedAt string
		var owner sql.NullString
		if err := rows.Scan(&ep.ID, &ep.Name, &ep.Channel, &configValue, &eventsJSON, &ep.Enabled,
			&owner, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		decrypted, err := s.keys.Decrypt(configValue)
		if err != nil {
			logger.Errorf(logFmtDecryptFailed, ep.ID, err)
			continue
		}
		ep.Config = json.RawMessage(decrypted)
		if err := json.Unmarshal([]byte(eventsJSON), &ep.Events); err != nil {
			ep.Events = []string{}
		}
		ep.OwnerUserID = owner.String
		ep.CreatedAt = db.ParseTime(createdAt)
		ep.UpdatedAt = db.ParseTime(updatedAt)
		endpoints = append(endpoints, &ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoints: %w", err)
	}
	return endpoints, nil
}

func (s *Store) encode(ep *Endpoint) (string, string, error) {
	events := ep.Events
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return "", "", err
	}
	configValue, err := s.keys.Encrypt(string(ep.Config))
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt config: %w", err)
	}
	return configValue, string(eventsJSON), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
