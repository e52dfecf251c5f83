package requests

import (
	"context"
	"fmt"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

// MaxBulkIDs caps the ids accepted by one bulk operation.
const MaxBulkIDs = 100

// BulkResult is the outcome of a bulk operation. Only pending requests are
// updated, so Updated may be less than Total.
type BulkResult struct {
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

// BulkApprove marks pending requests submitted without contacting any
// provider. The registered OnBulkApproved hook schedules the real submission.
func (s *Service) BulkApprove(ctx context.Context, ids []string, actorID string) (BulkResult, error) {
	updated, total, err := s.bulkUpdate(ctx, ids, actorID, domain.StatusSubmitted, domain.BulkApprovedReason)
	if err != nil {
		return BulkResult{}, err
	}

	if len(updated) > 0 {
		s.hookMu.RLock()
		hook := s.onBulkApproved
		s.hookMu.RUnlock()
		if hook != nil {
			hook(updated)
		}
	}
	return BulkResult{Updated: len(updated), Total: total}, nil
}

// BulkDeny denies pending requests with an optional shared reason.
func (s *Service) BulkDeny(ctx context.Context, ids []string, actorID, reason string) (BulkResult, error) {
	updated, total, err := s.bulkUpdate(ctx, ids, actorID, domain.StatusDenied, reason)
	if err != nil {
		return BulkResult{}, err
	}
	return BulkResult{Updated: len(updated), Total: total}, nil
}

func (s *Service) bulkUpdate(ctx context.Context, ids []string, actorID string, status domain.Status, reason string) ([]string, int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, 0, fmt.Errorf("%w: no request ids given", ErrInvalidRequest)
	}
	if len(ids) > MaxBulkIDs {
		return nil, 0, fmt.Errorf("%w: %d ids, at most %d allowed", ErrTooManyIDs, len(ids), MaxBulkIDs)
	}
	if _, err := s.authorize(ctx, actorID, canModerate); err != nil {
		return nil, 0, err
	}

	updated, err := s.store.BulkUpdateStatus(ctx, ids, status, reason, actorID)
	if err != nil {
		return nil, 0, err
	}
	logger.Infof("Bulk %s: %d of %d requests updated by %s", status, len(updated), len(ids), actorID)

	for _, id := range updated {
		req, err := s.Get(ctx, id)
		if err != nil {
			logger.Warnf("Could not load bulk-updated request %s for notification: %v", id, err)
			continue
		}
		s.emit(req, actorID)
	}
	if len(updated) > 0 {
		s.bustCache(ctx)
	}
	return updated, len(ids), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
