package requests

import (
	"context"
	"fmt"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// CleanupResult reports which provider cleanup steps ran during a delete.
// Failed steps never block the deletion itself.
type CleanupResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Errors    []string `json:"errors,omitempty"`
}

type cleanupTask struct {
	name string
	run  func(ctx context.Context) error
}

// Delete removes a request after a best-effort provider cleanup. Moderators
// may delete any request; a requester may withdraw their own pending request.
func (s *Service) Delete(ctx context.Context, id, actorID string) (CleanupResult, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	req, err := s.Get(ctx, id)
	if err != nil {
		return CleanupResult{}, err
	}
	if _, err := s.authorize(ctx, actorID, canModerate); err != nil {
		own := actorID != "" && actorID == req.RequestedBy && req.Status == domain.StatusPending
		if !own {
			return CleanupResult{}, err
		}
	}

	result := s.runCleanup(ctx, s.cleanupTasks(ctx, req))

	if err := s.store.DeleteRequest(ctx, req.ID); err != nil {
		return result, err
	}
	logger.Infof("Deleted request %s (%q) by %s, cleanup %d/%d", req.ID, req.Title, actorID, result.Succeeded, result.Attempted)

	req.SetStatus(domain.StatusRemoved, "deleted")
	s.emit(req, actorID)
	s.bustCache(ctx)
	return result, nil
}

// cleanupTasks lists the provider calls that undo what approval did. A
// provider id alone is not enough: sync and the existing-title check link
// library entries this service never submitted, and those are left alone.
// Titles are only deleted from the provider when approval added them.
func (s *Service) cleanupTasks(ctx context.Context, req *domain.Request) []cleanupTask {
	providerID, ok := req.ProviderID()
	if !ok || req.Submission == domain.SubmissionNone {
		return nil
	}
	added := req.Submission == domain.SubmissionAdded

	if req.Type == domain.RequestMovie {
		movies := s.providers.Movies
		if !added || movies == nil || !movies.Configured() {
			return nil
		}
		return []cleanupTask{{
			name: fmt.Sprintf("delete movie %d", providerID),
			run: func(ctx context.Context) error {
				return movies.DeleteTitle(ctx, providerID, true, true)
			},
		}}
	}

	episodes := s.providers.Episodes
	if episodes == nil || !episodes.Configured() {
		return nil
	}

	// Episode ids are resolved once and shared by the unmonitor and queue
	// steps. If the lookup fails both steps report that error.
	var (
		resolved   bool
		episodeIDs []int64
		lookupErr  error
	)
	matched := func(ctx context.Context) ([]int64, error) {
		if !resolved {
			resolved = true
			var list []integration.Episode
			list, lookupErr = episodes.GetEpisodes(ctx, providerID)
			if lookupErr == nil {
				episodeIDs = matchEpisodes(req, list)
			}
		}
		return episodeIDs, lookupErr
	}

	tasks := []cleanupTask{
		{
			name: fmt.Sprintf("unmonitor episodes of series %d", providerID),
			run: func(ctx context.Context) error {
				ids, err := matched(ctx)
				if err != nil {
					return err
				}
				return episodes.SetEpisodeMonitored(ctx, ids, false)
			},
		},
		{
			name: fmt.Sprintf("remove queued downloads of series %d", providerID),
			run: func(ctx context.Context) error {
				ids, err := matched(ctx)
				if err != nil {
					return err
				}
				return s.removeQueuedEpisodes(ctx, providerID, ids)
			},
		},
	}
	if !added {
		return tasks
	}
	return append(tasks, cleanupTask{
		name: fmt.Sprintf("delete series %d", providerID),
		run: func(ctx context.Context) error {
			logger.Warnf("Deleting whole series %d from %s for request %s, which requested %d episode(s)",
				providerID, episodes.Name(), req.ID, len(req.Items))
			return episodes.DeleteSeries(ctx, providerID, true, true)
		},
	})
}

func (s *Service) removeQueuedEpisodes(ctx context.Context, seriesID int64, episodeIDs []int64) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	wanted := make(map[int64]bool, len(episodeIDs))
	for _, id := range episodeIDs {
		wanted[id] = true
	}

	episodes := s.providers.Episodes
	queue, err := episodes.GetAllQueueItems(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, q := range queue {
		if q.SeriesID != seriesID {
			continue
		}
		epID := q.EpisodeID
		if epID == 0 && q.Episode != nil {
			epID = q.Episode.ID
		}
		if !wanted[epID] {
			continue
		}
		if err := episodes.RemoveFromQueue(ctx, q.ID, true, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runCleanup executes tasks in order. Each task gets its own timeout, and a
// failure or panic in one is recorded and does not stop the next.
func (s *Service) runCleanup(ctx context.Context, tasks []cleanupTask) CleanupResult {
	var result CleanupResult
	for _, task := range tasks {
		result.Attempted++
		if err := s.runCleanupTask(ctx, task); err != nil {
			logger.Warnf("Cleanup step %q failed: %v", task.name, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", task.name, err))
			continue
		}
		result.Succeeded++
	}
	return result
}

func (s *Service) runCleanupTask(ctx context.Context, task cleanupTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return task.run(callCtx)
}
