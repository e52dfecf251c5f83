package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// Approve submits a pending (or previously failed) request to its provider. Precondition failures
// return without touching the request. Any provider failure marks the
// request and its items failed, emits request_failed and returns
// ErrProviderUnavailable (or ErrNoEpisodesMatched).
func (s *Service) Approve(ctx context.Context, id, actorID string) (*domain.Request, error) {
	if _, err := s.authorize(ctx, actorID, canModerate); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// A failed request may be approved again; nothing retries it automatically.
	if req.Status != domain.StatusPending && req.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, req.ID, req.Status)
	}

	req.ActedBy = actorID
	if err := s.submit(ctx, req, actorID); err != nil {
		return req, err
	}
	logger.Infof("Approved request %s (%q) by %s", req.ID, req.Title, actorID)
	return req, nil
}

// submit runs the provider side of an approval and persists the outcome.
// It is shared with the reconciler, which uses it for bulk-approved requests.
func (s *Service) submit(ctx context.Context, req *domain.Request, actorID string) error {
	previous := req.Status

	var err error
	switch req.Type {
	case domain.RequestMovie:
		err = s.submitMovie(ctx, req)
	case domain.RequestEpisode:
		err = s.submitEpisodes(ctx, req)
	default:
		err = fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, req.Type)
	}

	if err != nil {
		if isPrecondition(err) {
			return err
		}
		logger.Errorf("Submission of request %s (%q) failed: %v", req.ID, req.Title, err)
		req.SetStatus(domain.StatusFailed, err.Error())
		if saveErr := s.save(ctx, req, previous, actorID); saveErr != nil {
			logger.Errorf("Failed to record failure of request %s: %v", req.ID, saveErr)
		}
		s.bustCache(ctx)
		if errors.Is(err, ErrNoEpisodesMatched) {
			return ErrNoEpisodesMatched
		}
		return ErrProviderUnavailable
	}

	req.SetStatus(domain.StatusSubmitted, "")
	// Force the event: a bulk-approved request is already "submitted" but has
	// not been announced as reaching the provider.
	if err := s.save(ctx, req, "", actorID); err != nil {
		return err
	}
	s.bustCache(ctx)
	return nil
}

func (s *Service) submitMovie(ctx context.Context, req *domain.Request) error {
	movies := s.providers.Movies

	// Reuse an existing library entry instead of adding the title twice.
	callCtx, cancel := s.callCtx(ctx)
	existing, err := movies.FindByTmdbID(callCtx, req.TmdbID)
	cancel()
	switch {
	case err == nil:
		logger.Infof("Movie tmdb:%d already in %s as %d, linking request %s", req.TmdbID, movies.Name(), existing.ID, req.ID)
		req.SetProviderID(existing.ID)
		req.RecordSubmission(domain.SubmissionLinked)
		return nil
	case !errors.Is(err, integration.ErrNotFound):
		return err
	}

	meta := integration.MovieMetadata{Title: req.Title}
	if s.providers.Metadata != nil {
		callCtx, cancel := s.callCtx(ctx)
		if m, err := s.providers.Metadata.GetMovie(callCtx, req.TmdbID); err == nil {
			meta.Title = m.Title
			meta.Year = m.Year
		} else {
			logger.Debugf("Metadata lookup for tmdb:%d failed, adding with stored title: %v", req.TmdbID, err)
		}
		cancel()
	}

	callCtx, cancel = s.callCtx(ctx)
	defer cancel()
	movie, err := movies.AddTitle(callCtx, req.TmdbID, meta)
	if err != nil {
		return err
	}
	req.SetProviderID(movie.ID)
	req.RecordSubmission(domain.SubmissionAdded)
	return nil
}

func (s *Service) submitEpisodes(ctx context.Context, req *domain.Request) error {
	seasons := req.Seasons()
	if len(seasons) != 1 {
		return fmt.Errorf("%w: request %s spans %d seasons", ErrMultipleSeasons, req.ID, len(seasons))
	}
	if err := s.resolveTvdbID(ctx, req); err != nil {
		return err
	}

	series, added, err := s.ensureSeries(ctx, req.TvdbID)
	if err != nil {
		return err
	}
	if added {
		// Kept even if a later step fails, so a retried approval that finds
		// the series in the library still owns it.
		req.RecordSubmission(domain.SubmissionAdded)
	}

	callCtx, cancel := s.callCtx(ctx)
	episodes, err := s.providers.Episodes.GetEpisodes(callCtx, series.ID)
	cancel()
	if err != nil {
		return err
	}
	ids := matchEpisodes(req, episodes)
	if len(ids) == 0 {
		return fmt.Errorf("%w: series %d season %d", ErrNoEpisodesMatched, series.ID, seasons[0])
	}

	callCtx, cancel = s.callCtx(ctx)
	err = s.providers.Episodes.SetEpisodeMonitored(callCtx, ids, true)
	cancel()
	if err != nil {
		return err
	}

	callCtx, cancel = s.callCtx(ctx)
	err = s.providers.Episodes.SearchEpisodes(callCtx, ids)
	cancel()
	if err != nil {
		return err
	}

	req.SetProviderID(series.ID)
	req.RecordSubmission(domain.SubmissionLinked)
	logger.Infof("Monitored and searched %d episodes of %q (series %d) for request %s", len(ids), series.Title, series.ID, req.ID)
	return nil
}

// resolveTvdbID fills req.TvdbID from the metadata provider when missing.
func (s *Service) resolveTvdbID(ctx context.Context, req *domain.Request) error {
	if req.TvdbID > 0 {
		return nil
	}
	if s.providers.Metadata == nil {
		return fmt.Errorf("%w: tmdb:%d", ErrMissingTvdbID, req.TmdbID)
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	ids, err := s.providers.Metadata.GetTvExternalIds(callCtx, req.TmdbID)
	if err != nil {
		return err
	}
	if ids.TvdbID <= 0 {
		return fmt.Errorf("%w: tmdb:%d", ErrMissingTvdbID, req.TmdbID)
	}
	req.TvdbID = ids.TvdbID
	return nil
}

// ensureSeries finds the series by TVDB id in the library and adds it only
// when absent. Either way the library entry is returned; added reports
// whether this call created it.
func (s *Service) ensureSeries(ctx context.Context, tvdbID int64) (series *integration.Series, added bool, err error) {
	episodes := s.providers.Episodes

	callCtx, cancel := s.callCtx(ctx)
	library, err := episodes.ListSeries(callCtx)
	cancel()
	if err != nil {
		return nil, false, err
	}
	for i := range library {
		if library[i].TvdbID == tvdbID {
			return &library[i], false, nil
		}
	}

	callCtx, cancel = s.callCtx(ctx)
	candidates, err := episodes.LookupByTvdbID(callCtx, tvdbID)
	cancel()
	if err != nil {
		return nil, false, err
	}
	var candidate *integration.Series
	for i := range candidates {
		if candidates[i].TvdbID == tvdbID {
			candidate = &candidates[i]
			break
		}
	}
	if candidate == nil {
		return nil, false, fmt.Errorf("%s has no series for tvdb:%d", episodes.Name(), tvdbID)
	}
	if candidate.ID > 0 {
		return candidate, false, nil
	}

	callCtx, cancel = s.callCtx(ctx)
	defer cancel()
	series, err = episodes.AddFromLookup(callCtx, *candidate, true)
	if err != nil {
		return nil, false, err
	}
	logger.Infof("Added series %q (tvdb:%d) to %s as %d", series.Title, tvdbID, episodes.Name(), series.ID)
	return series, true, nil
}

// matchEpisodes returns the provider episode ids for the request's items.
func matchEpisodes(req *domain.Request, episodes []integration.Episode) []int64 {
	byRef := make(map[EpisodeRef]int64, len(episodes))
	for _, ep := range episodes {
		byRef[EpisodeRef{Season: ep.SeasonNumber, Episode: ep.EpisodeNumber}] = ep.ID
	}
	var ids []int64
	for _, it := range req.Items {
		if it.Season == nil || it.Episode == nil {
			continue
		}
		if id, ok := byRef[EpisodeRef{Season: *it.Season, Episode: *it.Episode}]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Deny rejects a pending request.
func (s *Service) Deny(ctx context.Context, id, actorID, reason string) (*domain.Request, error) {
	if _, err := s.authorize(ctx, actorID, canModerate); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, req.ID, req.Status)
	}

	previous := req.Status
	req.ActedBy = actorID
	req.SetStatus(domain.StatusDenied, reason)
	if err := s.save(ctx, req, previous, actorID); err != nil {
		return nil, err
	}
	s.bustCache(ctx)
	logger.Infof("Denied request %s (%q) by %s", req.ID, req.Title, actorID)
	return req, nil
}

// MarkAvailable is an admin override for titles known to be in the library.
func (s *Service) MarkAvailable(ctx context.Context, id, actorID string) (*domain.Request, error) {
	if _, err := s.authorize(ctx, actorID, isAdmin); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.StatusAvailable {
		return req, nil
	}

	previous := req.Status
	req.ActedBy = actorID
	req.SetStatus(domain.StatusAvailable, "marked available by admin")
	if err := s.save(ctx, req, previous, actorID); err != nil {
		return nil, err
	}
	s.bustCache(ctx)
	logger.Infof("Request %s (%q) marked available by %s", req.ID, req.Title, actorID)
	return req, nil
}
