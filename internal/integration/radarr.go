package integration

import (
	"context"
	"fmt"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
)

// Movie is a Radarr library entry.
type Movie struct {
	ID               int64      `json:"id,omitempty"`
	Title            string     `json:"title"`
	Year             int        `json:"year,omitempty"`
	TmdbID           int64      `json:"tmdbId"`
	HasFile          bool       `json:"hasFile"`
	Monitored        bool       `json:"monitored"`
	QualityProfileID int        `json:"qualityProfileId,omitempty"`
	RootFolderPath   string     `json:"rootFolderPath,omitempty"`
	Path             string     `json:"path,omitempty"`
	Images           []Image    `json:"images,omitempty"`
	MovieFile        *MovieFile `json:"movieFile,omitempty"`
}

// MovieFile is the file Radarr holds for a movie.
type MovieFile struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Available reports whether Radarr holds a file for the movie.
func (m *Movie) Available() bool {
	return m.HasFile || m.MovieFile != nil
}

// MovieMetadata describes a title being added to Radarr.
type MovieMetadata struct {
	Title string
	Year  int
}

type addMovieRequest struct {
	Title               string          `json:"title"`
	TmdbID              int64           `json:"tmdbId"`
	Year                int             `json:"year,omitempty"`
	QualityProfileID    int             `json:"qualityProfileId"`
	RootFolderPath      string          `json:"rootFolderPath"`
	Monitored           bool            `json:"monitored"`
	MinimumAvailability string          `json:"minimumAvailability"`
	AddOptions          addMovieOptions `json:"addOptions"`
}

type addMovieOptions struct {
	SearchForMovie bool `json:"searchForMovie"`
}

// RadarrClient drives the movie manager.
type RadarrClient struct {
	arrClient
}

var _ MovieProvider = (*RadarrClient)(nil)

func NewRadarrClient(cfg config.ProviderConfig, limiter *RateLimiter, breakers *CircuitBreakerRegistry) *RadarrClient {
	return &RadarrClient{
		arrClient: newArrClient(string(domain.ProviderRadarr), cfg, limiter, breakers, "&includeUnknownMovieItems=false&includeMovie=false"),
	}
}

// AddTitle adds a monitored movie and starts a search for it. The returned
// movie carries Radarr's id.
func (c *RadarrClient) AddTitle(ctx context.Context, tmdbID int64, meta MovieMetadata) (*Movie, error) {
	body := addMovieRequest{
		Title:               meta.Title,
		TmdbID:              tmdbID,
		Year:                meta.Year,
		QualityProfileID:    c.cfg.QualityProfileID,
		RootFolderPath:      c.cfg.RootFolder,
		Monitored:           true,
		MinimumAvailability: "released",
		AddOptions:          addMovieOptions{SearchForMovie: true},
	}
	var movie Movie
	if err := c.do(ctx, "POST", "/api/v3/movie", body, &movie); err != nil {
		return nil, fmt.Errorf("failed to add movie %d: %w", tmdbID, err)
	}
	if movie.ID == 0 {
		return nil, fmt.Errorf("radarr returned no id for movie %d", tmdbID)
	}
	return &movie, nil
}

// DeleteTitle removes a movie, optionally with its files and an import
// exclusion so lists do not re-add it.
func (c *RadarrClient) DeleteTitle(ctx context.Context, movieID int64, deleteFiles, addExclusion bool) error {
	endpoint := fmt.Sprintf("/api/v3/movie/%d?deleteFiles=%t&addImportExclusion=%t", movieID, deleteFiles, addExclusion)
	if err := c.do(ctx, "DELETE", endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to delete movie %d: %w", movieID, err)
	}
	return nil
}

// GetMovie returns the library entry for movieID. A missing movie yields an
// error matching ErrNotFound.
func (c *RadarrClient) GetMovie(ctx context.Context, movieID int64) (*Movie, error) {
	var movie Movie
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v3/movie/%d", movieID), nil, &movie); err != nil {
		return nil, err
	}
	return &movie, nil
}

// FindByTmdbID returns the library entry for a TMDB id, or ErrNotFound.
func (c *RadarrClient) FindByTmdbID(ctx context.Context, tmdbID int64) (*Movie, error) {
	var movies []Movie
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v3/movie?tmdbId=%d", tmdbID), nil, &movies); err != nil {
		return nil, err
	}
	for i := range movies {
		if movies[i].TmdbID == tmdbID {
			return &movies[i], nil
		}
	}
	return nil, fmt.Errorf("movie tmdb:%d: %w", tmdbID, ErrNotFound)
}

// ListLibrary returns every movie in Radarr.
func (c *RadarrClient) ListLibrary(ctx context.Context) ([]Movie, error) {
	var movies []Movie
	if err := c.do(ctx, "GET", "/api/v3/movie", nil, &movies); err != nil {
		return nil, fmt.Errorf("failed to list movies: %w", err)
	}
	return movies, nil
}
