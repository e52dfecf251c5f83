package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Requestarr/internal/domain"
)

// RequestFilter narrows ListRequests. Zero values mean "any".
type RequestFilter struct {
	Statuses []domain.Status
	TmdbID   int64
	Type     domain.RequestType
	Limit    int
}

const requestColumns = `id, request_type, tmdb_id, tvdb_id, title, status, status_reason, requested_by, acted_by, created_at, updated_at, submission, version`

const itemColumns = `id, request_id, provider, provider_id, season, episode, status, created_at`

// CreateRequest inserts r and its items in one transaction. Item ids and
// timestamps are filled in on success.
func (r *Repository) CreateRequest(ctx context.Context, req *domain.Request) error {
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	return WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.Type, req.TmdbID, nullInt64(req.TvdbID), req.Title, req.Status,
			nullString(req.StatusReason), req.RequestedBy, nullString(req.ActedBy),
			FormatTime(req.CreatedAt), FormatTime(req.UpdatedAt), req.Submission, req.Version)
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}

		for i := range req.Items {
			it := &req.Items[i]
			it.RequestID = req.ID
			if it.CreatedAt.IsZero() {
				it.CreatedAt = req.CreatedAt
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO request_items (request_id, provider, provider_id, season, episode, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				it.RequestID, it.Provider, it.ProviderID, it.Season, it.Episode, it.Status, FormatTime(it.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert request item %s: %w", it.Key(), err)
			}
			if id, err := res.LastInsertId(); err == nil {
				it.ID = id
			}
		}
		return nil
	})
}

// GetRequest loads a request with its items.
func (r *Repository) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}

	if err := r.attachItems(ctx, []*domain.Request{req}); err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests returns requests newest first, each with its items.
func (r *Repository) ListRequests(ctx context.Context, f RequestFilter) ([]*domain.Request, error) {
	var where []string
	var args []interface{}

	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.TmdbID != 0 {
		where = append(where, "tmdb_id = ?")
		args = append(args, f.TmdbID)
	}
	if f.Type != "" {
		where = append(where, "request_type = ?")
		args = append(args, f.Type)
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := QueryWithRetry(ctx, r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	var out []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Items are loaded after the cursor is closed: the in-memory database has a single connection.
	if err := r.attachItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRequest persists the status, reason, actor, tvdb id and submission of
// req together with the status and provider id of every item, atomically.
// The write only applies if the stored version still equals req.Version;
// otherwise ErrConflict is returned and nothing changes. On success
// req.Version is advanced.
func (r *Repository) SaveRequest(ctx context.Context, req *domain.Request) error {
	updatedAt := time.Now().UTC()

	err := WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE requests
			SET status = ?, status_reason = ?, acted_by = ?, tvdb_id = ?, submission = ?, updated_at = ?,
			    version = version + 1
			WHERE id = ? AND version = ?`,
			req.Status, nullString(req.StatusReason), nullString(req.ActedBy), nullInt64(req.TvdbID),
			req.Submission, FormatTime(updatedAt), req.ID, req.Version)
		if err != nil {
			return fmt.Errorf("failed to update request %s: %w", req.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, req.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check request %s: %w", req.ID, err)
			}
			return ErrConflict
		}

		for _, it := range req.Items {
			if _, err := tx.ExecContext(ctx,
				`UPDATE request_items SET status = ?, provider_id = ? WHERE id = ? AND request_id = ?`,
				it.Status, it.ProviderID, it.ID, req.ID); err != nil {
				return fmt.Errorf("failed to update request item %d: %w", it.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	req.UpdatedAt = updatedAt
	req.Version++
	return nil
}

// DeleteRequest removes a request; its items go with it.
func (r *Repository) DeleteRequest(ctx context.Context, id string) error {
	res, err := ExecWithRetryContext(ctx, r.DB, `DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete request %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateStatus moves every pending request among ids (and its items) to
// status, recording reason and the acting admin. Ids that are unknown or not
// pending are left alone. Returns the ids that changed.
func (r *Repository) BulkUpdateStatus(ctx context.Context, ids []string, status domain.Status, reason, actedBy string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var updated []string
	err := WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		updated = updated[:0]

		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, domain.StatusPending)
		for _, id := range ids {
			args = append(args, id)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM requests WHERE status = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to select pending requests: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			updated = append(updated, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := FormatTime(time.Now())
		for _, id := range updated {
			if _, err := tx.ExecContext(ctx, `
				UPDATE requests SET status = ?, status_reason = ?, acted_by = ?, updated_at = ?, version = version + 1
				WHERE id = ?`,
				status, nullString(reason), nullString(actedBy), now, id); err != nil {
				return fmt.Errorf("failed to update request %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE request_items SET status = ? WHERE request_id = ?`, status, id); err != nil {
				return fmt.Errorf("failed to update items of %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CountRequestsByStatus returns the number of requests in each status.
func (r *Repository) CountRequestsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := QueryWithRetry(ctx, r.DB, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *Repository) attachItems(ctx context.Context, reqs []*domain.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Request, len(reqs))
	args := make([]interface{}, 0, len(reqs))
	for _, req := range reqs {
		req.Items = []domain.RequestItem{}
		byID[req.ID] = req
		args = append(args, req.ID)
	}

	rows, err := QueryWithRetry(ctx, r.DB, `
		SELECT `+itemColumns+` FROM request_items
		WHERE request_id IN (`+placeholders(len(args))+`)
		ORDER BY request_id, COALESCE(season, -1), COALESCE(episode, -1), id`, args...)
	if err != nil {
		return fmt.Errorf("failed to load request items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return fmt.Errorf("failed to scan request item: %w", err)
		}
		if req := byID[it.RequestID]; req != nil {
			req.Items = append(req.Items, it)
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*domain.Request, error) {
	var req domain.Request
	var tvdbID sql.NullInt64
	var reason, actedBy sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&req.ID, &req.Type, &req.TmdbID, &tvdbID, &req.Title, &req.Status,
		&reason, &req.RequestedBy, &actedBy, &createdAt, &updatedAt, &req.Submission, &req.Version); err != nil {
		return nil, err
	}
	req.TvdbID = tvdbID.Int64
	req.StatusReason = reason.String
	req.ActedBy = actedBy.String
	req.CreatedAt = ParseTime(createdAt)
	req.UpdatedAt = ParseTime(updatedAt)
	return &req, nil
}

func scanItem(s scanner) (domain.RequestItem, error) {
	var it domain.RequestItem
	var providerID, season, episode sql.NullInt64
	var createdAt string

	if err := s.Scan(&it.ID, &it.RequestID, &it.Provider, &providerID, &season, &episode, &it.Status, &createdAt); err != nil {
		return it, err
	}
	if providerID.Valid {
		it.ProviderID = domain.Int64Ptr(providerID.Int64)
	}
	if season.Valid {
		it.Season = domain.IntPtr(int(season.Int64))
	}
	if episode.Valid {
		it.Episode = domain.IntPtr(int(episode.Int64))
	}
	it.CreatedAt = ParseTime(createdAt)
	return it, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
