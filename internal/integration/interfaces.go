package integration

import (
	"context"

	"github.com/mescon/Requestarr/internal/config"
)

// MovieProvider is the movie manager as used by approval, sync and cleanup.
type MovieProvider interface {
	Name() string
	Configured() bool

	AddTitle(ctx context.Context, tmdbID int64, meta MovieMetadata) (*Movie, error)
	DeleteTitle(ctx context.Context, movieID int64, deleteFiles, addExclusion bool) error
	GetMovie(ctx context.Context, movieID int64) (*Movie, error)
	FindByTmdbID(ctx context.Context, tmdbID int64) (*Movie, error)
	ListLibrary(ctx context.Context) ([]Movie, error)

	ListQueue(ctx context.Context, page, pageSize int) (*QueueResponse, error)
	GetAllQueueItems(ctx context.Context) ([]QueueItem, error)
	ListLogs(ctx context.Context, page, pageSize int) (*LogResponse, error)
	SystemStatus(ctx context.Context) (*SystemStatus, error)
}

// EpisodeProvider is the episode manager as used by approval, sync and cleanup.
type EpisodeProvider interface {
	Name() string
	Configured() bool

	LookupByTvdbID(ctx context.Context, tvdbID int64) ([]Series, error)
	AddFromLookup(ctx context.Context, candidate Series, monitored bool) (*Series, error)
	ListSeries(ctx context.Context) ([]Series, error)
	GetSeries(ctx context.Context, seriesID int64) (*Series, error)
	GetEpisodes(ctx context.Context, seriesID int64) ([]Episode, error)
	SetEpisodeMonitored(ctx context.Context, episodeIDs []int64, monitored bool) error
	SearchEpisodes(ctx context.Context, episodeIDs []int64) error
	DeleteSeries(ctx context.Context, seriesID int64, deleteFiles, addExclusion bool) error

	ListQueue(ctx context.Context, page, pageSize int) (*QueueResponse, error)
	GetAllQueueItems(ctx context.Context) ([]QueueItem, error)
	RemoveFromQueue(ctx context.Context, queueID int64, removeFromClient, blocklist bool) error
	ListLogs(ctx context.Context, page, pageSize int) (*LogResponse, error)
	SystemStatus(ctx context.Context) (*SystemStatus, error)
}

// MetadataProvider looks up titles, artwork and cross-reference ids.
type MetadataProvider interface {
	GetMovie(ctx context.Context, tmdbID int64) (*Metadata, error)
	GetTv(ctx context.Context, tmdbID int64) (*Metadata, error)
	GetTvExternalIds(ctx context.Context, tmdbID int64) (*ExternalIDs, error)
}

// Clients bundles the provider clients built from one configuration. They
// share a rate limiter and a breaker registry.
type Clients struct {
	Radarr   *RadarrClient
	Sonarr   *SonarrClient
	TMDB     *TMDBClient
	Breakers *CircuitBreakerRegistry
}

func NewClients(cfg *config.Config) *Clients {
	limiter := NewRateLimiter(cfg.ArrRateLimitRPS, cfg.ArrRateLimitBurst)
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	return &Clients{
		Radarr:   NewRadarrClient(cfg.Radarr, limiter, breakers),
		Sonarr:   NewSonarrClient(cfg.Sonarr, limiter, breakers),
		TMDB:     NewTMDBClient(cfg, limiter, breakers),
		Breakers: breakers,
	}
}

// CircuitBreakerStats returns breaker state per provider name.
func (c *Clients) CircuitBreakerStats() map[string]CircuitBreakerStats {
	return c.Breakers.AllStats()
}
