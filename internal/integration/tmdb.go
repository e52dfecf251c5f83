package integration

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mescon/Requestarr/internal/config"
)

const (
	tmdbProviderName = "tmdb"
	// TMDBImageBase prefixes poster paths returned by TMDB.
	TMDBImageBase = "https://image.tmdb.org/t/p/w500"
)

// Metadata is the descriptive data notifications and approvals need.
type Metadata struct {
	Title     string
	Overview  string
	ImagePath string
	Year      int
	Rating    float64
}

// ExternalIDs are the cross-references TMDB holds for a show.
type ExternalIDs struct {
	TvdbID int64  `json:"tvdb_id"`
	ImdbID string `json:"imdb_id"`
}

type tmdbMovie struct {
	Title       string  `json:"title"`
	Overview    string  `json:"overview"`
	PosterPath  string  `json:"poster_path"`
	ReleaseDate string  `json:"release_date"`
	VoteAverage float64 `json:"vote_average"`
}

type tmdbTv struct {
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	FirstAirDate string  `json:"first_air_date"`
	VoteAverage  float64 `json:"vote_average"`
}

// TMDBClient is the metadata provider.
type TMDBClient struct {
	*transport
}

var _ MetadataProvider = (*TMDBClient)(nil)

func NewTMDBClient(cfg *config.Config, limiter *RateLimiter, breakers *CircuitBreakerRegistry) *TMDBClient {
	baseURL := ""
	if cfg.TMDBAPIKey != "" {
		baseURL = cfg.TMDBBaseURL
	}
	key := cfg.TMDBAPIKey
	return &TMDBClient{
		transport: newTransport(tmdbProviderName, baseURL, limiter, breakers, func(req *http.Request) {
			q := req.URL.Query()
			q.Set("api_key", key)
			req.URL.RawQuery = q.Encode()
		}),
	}
}

func (c *TMDBClient) GetMovie(ctx context.Context, tmdbID int64) (*Metadata, error) {
	var m tmdbMovie
	if err := c.do(ctx, "GET", fmt.Sprintf("/movie/%d", tmdbID), nil, &m); err != nil {
		return nil, fmt.Errorf("failed to fetch movie %d: %w", tmdbID, err)
	}
	return &Metadata{
		Title:     m.Title,
		Overview:  m.Overview,
		ImagePath: posterURL(m.PosterPath),
		Year:      yearOf(m.ReleaseDate),
		Rating:    m.VoteAverage,
	}, nil
}

func (c *TMDBClient) GetTv(ctx context.Context, tmdbID int64) (*Metadata, error) {
	var tv tmdbTv
	if err := c.do(ctx, "GET", fmt.Sprintf("/tv/%d", tmdbID), nil, &tv); err != nil {
		return nil, fmt.Errorf("failed to fetch tv %d: %w", tmdbID, err)
	}
	return &Metadata{
		Title:     tv.Name,
		Overview:  tv.Overview,
		ImagePath: posterURL(tv.PosterPath),
		Year:      yearOf(tv.FirstAirDate),
		Rating:    tv.VoteAverage,
	}, nil
}

// GetTvExternalIds returns the TVDB id Sonarr needs for a TMDB show.
func (c *TMDBClient) GetTvExternalIds(ctx context.Context, tmdbID int64) (*ExternalIDs, error) {
	var ids ExternalIDs
	if err := c.do(ctx, "GET", fmt.Sprintf("/tv/%d/external_ids", tmdbID), nil, &ids); err != nil {
		return nil, fmt.Errorf("failed to fetch external ids for tv %d: %w", tmdbID, err)
	}
	return &ids, nil
}

func posterURL(path string) string {
	if path == "" {
		return ""
	}
	return TMDBImageBase + path
}

// yearOf extracts the year from a YYYY-MM-DD date.
func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}
