// Package requests owns the request lifecycle: creation, approval and denial,
// reconciliation against the download managers, and deletion with provider
// cleanup.
package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// Store is the persistence the lifecycle needs.
type Store interface {
	CreateRequest(ctx context.Context, req *domain.Request) error
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	ListRequests(ctx context.Context, f db.RequestFilter) ([]*domain.Request, error)
	SaveRequest(ctx context.Context, req *domain.Request) error
	DeleteRequest(ctx context.Context, id string) error
	BulkUpdateStatus(ctx context.Context, ids []string, status domain.Status, reason, actedBy string) ([]string, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// RecentCache holds the "recent requests" list shown on the dashboard.
type RecentCache interface {
	GetRecent(ctx context.Context) ([]*domain.Request, bool)
	SetRecent(ctx context.Context, reqs []*domain.Request)
	Bust(ctx context.Context)
}

// Providers are the external systems the lifecycle drives.
type Providers struct {
	Movies   integration.MovieProvider
	Episodes integration.EpisodeProvider
	Metadata integration.MetadataProvider
}

// RecentLimit is the size of the cached recent-requests list.
const RecentLimit = 20

type Service struct {
	store       Store
	providers   Providers
	eventBus    eventbus.Publisher
	cache       RecentCache
	timeout     time.Duration
	concurrency int

	// locks serializes mutations of one request across API calls and sync passes.
	locks requestLocks

	hookMu         sync.RWMutex
	onBulkApproved func(ids []string)
}

// NewService wires the lifecycle. cache may be nil.
func NewService(store Store, providers Providers, eb eventbus.Publisher, cache RecentCache, cfg *config.Config) *Service {
	concurrency := cfg.SyncConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		store:       store,
		providers:   providers,
		eventBus:    eb,
		cache:       cache,
		timeout:     timeout,
		concurrency: concurrency,
	}
}

// OnBulkApproved registers fn to receive the ids of every bulk approval, so
// the scheduler can submit them after the configured delay.
func (s *Service) OnBulkApproved(fn func(ids []string)) {
	s.hookMu.Lock()
	s.onBulkApproved = fn
	s.hookMu.Unlock()
}

// EpisodeRef names one requested episode.
type EpisodeRef struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// CreateInput is a new request as submitted by a user.
type CreateInput struct {
	Type        domain.RequestType `json:"request_type"`
	TmdbID      int64              `json:"tmdb_id"`
	TvdbID      int64              `json:"tvdb_id,omitempty"`
	Title       string             `json:"title"`
	Episodes    []EpisodeRef       `json:"episodes,omitempty"`
	RequestedBy string             `json:"-"`
}

func (in CreateInput) validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, in.Type)
	}
	if in.TmdbID <= 0 {
		return fmt.Errorf("%w: tmdb_id is required", ErrInvalidRequest)
	}
	if in.RequestedBy == "" {
		return fmt.Errorf("%w: requesting user is required", ErrInvalidRequest)
	}
	if in.Type == domain.RequestEpisode && len(in.Episodes) == 0 {
		return fmt.Errorf("%w: episode requests need at least one episode", ErrInvalidRequest)
	}
	if in.Type == domain.RequestMovie && len(in.Episodes) > 0 {
		return fmt.Errorf("%w: movie requests cannot list episodes", ErrInvalidRequest)
	}
	seen := make(map[EpisodeRef]bool, len(in.Episodes))
	for _, ep := range in.Episodes {
		if ep.Season < 0 || ep.Episode < 1 {
			return fmt.Errorf("%w: invalid episode S%02dE%02d", ErrInvalidRequest, ep.Season, ep.Episode)
		}
		if seen[ep] {
			return fmt.Errorf("%w: duplicate episode S%02dE%02d", ErrInvalidRequest, ep.Season, ep.Episode)
		}
		seen[ep] = true
	}
	return nil
}

// Create stores a new pending request. A movie the movie manager already
// holds a file for is recorded as already_exists instead.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, in.RequestedBy); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", ErrInvalidRequest, in.RequestedBy)
		}
		return nil, err
	}

	req := &domain.Request{
		ID:          uuid.New().String(),
		Type:        in.Type,
		TmdbID:      in.TmdbID,
		TvdbID:      in.TvdbID,
		Title:       strings.TrimSpace(in.Title),
		RequestedBy: in.RequestedBy,
	}
	provider := domain.ProviderFor(in.Type)
	if in.Type == domain.RequestMovie {
		req.Items = []domain.RequestItem{{Provider: provider}}
	} else {
		for _, ep := range in.Episodes {
			req.Items = append(req.Items, domain.RequestItem{
				Provider: provider,
				Season:   domain.IntPtr(ep.Season),
				Episode:  domain.IntPtr(ep.Episode),
			})
		}
	}
	if req.Title == "" {
		req.Title = s.lookupTitle(ctx, req)
	}
	req.SetStatus(domain.StatusPending, "")

	if in.Type == domain.RequestMovie {
		s.detectExistingMovie(ctx, req)
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	logger.Infof("Created %s request %s for %q (tmdb:%d) by %s [%s]", req.Type, req.ID, req.Title, req.TmdbID, req.RequestedBy, req.Status)

	s.emit(req, req.RequestedBy)
	s.bustCache(ctx)
	return req, nil
}

// detectExistingMovie marks req already_exists when Radarr already has the file.
// Lookup failures leave the request pending.
func (s *Service) detectExistingMovie(ctx context.Context, req *domain.Request) {
	if s.providers.Movies == nil || !s.providers.Movies.Configured() {
		return
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	movie, err := s.providers.Movies.FindByTmdbID(callCtx, req.TmdbID)
	if err != nil {
		if !errors.Is(err, integration.ErrNotFound) {
			logger.Debugf("Existing-title check for tmdb:%d failed: %v", req.TmdbID, err)
		}
		return
	}
	if movie.Available() {
		req.SetProviderID(movie.ID)
		req.SetStatus(domain.StatusAlreadyExists, "already in library")
	}
}

func (s *Service) lookupTitle(ctx context.Context, req *domain.Request) string {
	fallback := fmt.Sprintf("tmdb:%d", req.TmdbID)
	if s.providers.Metadata == nil {
		return fallback
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	var meta *integration.Metadata
	var err error
	if req.Type == domain.RequestMovie {
		meta, err = s.providers.Metadata.GetMovie(callCtx, req.TmdbID)
	} else {
		meta, err = s.providers.Metadata.GetTv(callCtx, req.TmdbID)
	}
	if err != nil || meta.Title == "" {
		return fallback
	}
	return meta.Title
}

// Get returns one request with its items.
func (s *Service) Get(ctx context.Context, id string) (*domain.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return req, err
}

// List returns requests matching f, newest first.
func (s *Service) List(ctx context.Context, f db.RequestFilter) ([]*domain.Request, error) {
	return s.store.ListRequests(ctx, f)
}

// Recent returns the newest requests, served from the cache when warm.
func (s *Service) Recent(ctx context.Context) ([]*domain.Request, error) {
	if s.cache != nil {
		if reqs, ok := s.cache.GetRecent(ctx); ok {
			return reqs, nil
		}
	}
	reqs, err := s.store.ListRequests(ctx, db.RequestFilter{Limit: RecentLimit})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetRecent(ctx, reqs)
	}
	return reqs, nil
}

// authorize loads the acting user and checks they may moderate requests.
func (s *Service) authorize(ctx context.Context, actorID string, allowed func(domain.Role) bool) (*domain.User, error) {
	if actorID == "" {
		return nil, ErrForbidden
	}
	user, err := s.store.GetUser(ctx, actorID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !allowed(user.Role) {
		return nil, ErrForbidden
	}
	return user, nil
}

func canModerate(r domain.Role) bool { return r.CanApprove() }

func isAdmin(r domain.Role) bool { return r == domain.RoleAdmin }

// save persists req and emits the lifecycle event for its new status when it
// differs from previous. A write that lost a race to another writer returns
// ErrConflict and emits nothing.
func (s *Service) save(ctx context.Context, req *domain.Request, previous domain.Status, actorID string) error {
	if err := s.store.SaveRequest(ctx, req); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, db.ErrConflict):
			return fmt.Errorf("%w: %s", ErrConflict, req.ID)
		}
		return err
	}
	if req.Status != previous {
		s.emit(req, actorID)
	}
	return nil
}

func (s *Service) emit(req *domain.Request, actorID string) {
	if s.eventBus == nil {
		return
	}
	event, ok := domain.NewLifecycleEvent(req, actorID)
	if !ok {
		return
	}
	if err := s.eventBus.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s for request %s: %v", event.EventType, req.ID, err)
	}
}

func (s *Service) bustCache(ctx context.Context) {
	if s.cache != nil {
		s.cache.Bust(ctx)
	}
}

// callCtx bounds a single provider call.
func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
