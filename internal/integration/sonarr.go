package integration

import (
	"context"
	"fmt"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
)

// Series is a Sonarr series, either from the library (ID > 0) or a lookup
// candidate (ID == 0).
type Series struct {
	ID                int64            `json:"id,omitempty"`
	Title             string           `json:"title"`
	SortTitle         string           `json:"sortTitle,omitempty"`
	Year              int              `json:"year,omitempty"`
	TvdbID            int64            `json:"tvdbId"`
	TmdbID            int64            `json:"tmdbId,omitempty"`
	TitleSlug         string           `json:"titleSlug,omitempty"`
	Monitored         bool             `json:"monitored"`
	SeasonFolder      bool             `json:"seasonFolder"`
	QualityProfileID  int              `json:"qualityProfileId,omitempty"`
	LanguageProfileID int              `json:"languageProfileId,omitempty"`
	RootFolderPath    string           `json:"rootFolderPath,omitempty"`
	Path              string           `json:"path,omitempty"`
	Images            []Image          `json:"images,omitempty"`
	Seasons           []SeasonInfo     `json:"seasons,omitempty"`
	AddOptions        *SeriesAddOption `json:"addOptions,omitempty"`
}

// SeasonInfo is the per-season monitoring flag on a series.
type SeasonInfo struct {
	SeasonNumber int  `json:"seasonNumber"`
	Monitored    bool `json:"monitored"`
}

// SeriesAddOption controls what Sonarr does right after adding a series.
type SeriesAddOption struct {
	Monitor                  string `json:"monitor"`
	SearchForMissingEpisodes bool   `json:"searchForMissingEpisodes"`
}

// Episode is a single Sonarr episode.
type Episode struct {
	ID            int64  `json:"id"`
	SeriesID      int64  `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	HasFile       bool   `json:"hasFile"`
	Monitored     bool   `json:"monitored"`
	EpisodeFileID int64  `json:"episodeFileId,omitempty"`
}

type episodeMonitorRequest struct {
	EpisodeIDs []int64 `json:"episodeIds"`
	Monitored  bool    `json:"monitored"`
}

type commandRequest struct {
	Name       string  `json:"name"`
	EpisodeIDs []int64 `json:"episodeIds,omitempty"`
}

// Command is the response to a queued Sonarr command.
type Command struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SonarrClient drives the episode manager.
type SonarrClient struct {
	arrClient
}

var _ EpisodeProvider = (*SonarrClient)(nil)

func NewSonarrClient(cfg config.ProviderConfig, limiter *RateLimiter, breakers *CircuitBreakerRegistry) *SonarrClient {
	return &SonarrClient{
		arrClient: newArrClient(string(domain.ProviderSonarr), cfg, limiter, breakers, "&includeUnknownSeriesItems=false&includeEpisode=true"),
	}
}

// LookupByTvdbID returns Sonarr's lookup candidates for a TVDB id. Candidates
// already in the library carry their library id.
func (c *SonarrClient) LookupByTvdbID(ctx context.Context, tvdbID int64) ([]Series, error) {
	var candidates []Series
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v3/series/lookup?term=tvdb:%d", tvdbID), nil, &candidates); err != nil {
		return nil, fmt.Errorf("failed to look up tvdb:%d: %w", tvdbID, err)
	}
	return candidates, nil
}

// AddFromLookup adds a lookup candidate to the library with no episodes
// monitored; callers monitor the episodes they need explicitly.
func (c *SonarrClient) AddFromLookup(ctx context.Context, candidate Series, monitored bool) (*Series, error) {
	candidate.ID = 0
	candidate.Monitored = monitored
	candidate.SeasonFolder = true
	candidate.QualityProfileID = c.cfg.QualityProfileID
	candidate.LanguageProfileID = c.cfg.LanguageProfileID
	candidate.RootFolderPath = c.cfg.RootFolder
	candidate.AddOptions = &SeriesAddOption{Monitor: "none"}
	for i := range candidate.Seasons {
		candidate.Seasons[i].Monitored = false
	}

	var series Series
	if err := c.do(ctx, "POST", "/api/v3/series", candidate, &series); err != nil {
		return nil, fmt.Errorf("failed to add series tvdb:%d: %w", candidate.TvdbID, err)
	}
	if series.ID == 0 {
		return nil, fmt.Errorf("sonarr returned no id for series tvdb:%d", candidate.TvdbID)
	}
	return &series, nil
}

// ListSeries returns every series in the library.
func (c *SonarrClient) ListSeries(ctx context.Context) ([]Series, error) {
	var series []Series
	if err := c.do(ctx, "GET", "/api/v3/series", nil, &series); err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return series, nil
}

// GetSeries returns one library series, or an error matching ErrNotFound.
func (c *SonarrClient) GetSeries(ctx context.Context, seriesID int64) (*Series, error) {
	var series Series
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v3/series/%d", seriesID), nil, &series); err != nil {
		return nil, err
	}
	return &series, nil
}

// GetEpisodes returns every episode Sonarr knows for a series.
func (c *SonarrClient) GetEpisodes(ctx context.Context, seriesID int64) ([]Episode, error) {
	var episodes []Episode
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v3/episode?seriesId=%d", seriesID), nil, &episodes); err != nil {
		return nil, fmt.Errorf("failed to get episodes for series %d: %w", seriesID, err)
	}
	return episodes, nil
}

// SetEpisodeMonitored flips the monitored flag on a batch of episodes.
func (c *SonarrClient) SetEpisodeMonitored(ctx context.Context, episodeIDs []int64, monitored bool) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	body := episodeMonitorRequest{EpisodeIDs: episodeIDs, Monitored: monitored}
	if err := c.do(ctx, "PUT", "/api/v3/episode/monitor", body, nil); err != nil {
		return fmt.Errorf("failed to set monitored=%t on %d episodes: %w", monitored, len(episodeIDs), err)
	}
	return nil
}

// SearchEpisodes queues an EpisodeSearch command.
func (c *SonarrClient) SearchEpisodes(ctx context.Context, episodeIDs []int64) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	var cmd Command
	body := commandRequest{Name: "EpisodeSearch", EpisodeIDs: episodeIDs}
	if err := c.do(ctx, "POST", "/api/v3/command", body, &cmd); err != nil {
		return fmt.Errorf("failed to trigger episode search: %w", err)
	}
	return nil
}

// DeleteSeries removes a whole series from the library.
func (c *SonarrClient) DeleteSeries(ctx context.Context, seriesID int64, deleteFiles, addExclusion bool) error {
	endpoint := fmt.Sprintf("/api/v3/series/%d?deleteFiles=%t&addImportListExclusion=%t", seriesID, deleteFiles, addExclusion)
	if err := c.do(ctx, "DELETE", endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to delete series %d: %w", seriesID, err)
	}
	return nil
}
