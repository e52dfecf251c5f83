package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mescon/Requestarr/internal/config"
)

func newRadarr(t *testing.T, mux *http.ServeMux) *RadarrClient {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewRadarrClient(providerConfig(server.URL), NewRateLimiter(100, 100), NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()))
}

func newSonarr(t *testing.T, mux *http.ServeMux) *SonarrClient {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewSonarrClient(providerConfig(server.URL), NewRateLimiter(100, 100), NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Radarr
// =============================================================================

func TestRadarr_AddTitle(t *testing.T) {
	var got addMovieRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/movie", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, Movie{ID: 42, Title: got.Title, TmdbID: got.TmdbID})
	})
	c := newRadarr(t, mux)

	movie, err := c.AddTitle(context.Background(), 603, MovieMetadata{Title: "The Matrix", Year: 1999})
	if err != nil {
		t.Fatalf("AddTitle: %v", err)
	}
	if movie.ID != 42 {
		t.Errorf("ID = %d, want 42", movie.ID)
	}
	if got.TmdbID != 603 || got.QualityProfileID != 4 || got.RootFolderPath != "/media" || !got.Monitored || !got.AddOptions.SearchForMovie {
		t.Errorf("unexpected add body: %+v", got)
	}
}

func TestRadarr_AddTitle_RejectsMissingID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/movie", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Movie{Title: "x"})
	})
	if _, err := newRadarr(t, mux).AddTitle(context.Background(), 1, MovieMetadata{}); err == nil {
		t.Error("expected error when Radarr returns no id")
	}
}

func TestRadarr_DeleteTitle(t *testing.T) {
	var query string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v3/movie/42", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})
	if err := newRadarr(t, mux).DeleteTitle(context.Background(), 42, true, true); err != nil {
		t.Fatalf("DeleteTitle: %v", err)
	}
	if query != "deleteFiles=true&addImportExclusion=true" {
		t.Errorf("query = %q", query)
	}
}

func TestRadarr_GetMovieAndFind(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/movie/42", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, Movie{ID: 42, TmdbID: 603, HasFile: true})
	})
	mux.HandleFunc("GET /api/v3/movie", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tmdbId") == "603" {
			writeJSON(w, []Movie{{ID: 42, TmdbID: 603}})
			return
		}
		writeJSON(w, []Movie{})
	})
	c := newRadarr(t, mux)
	ctx := context.Background()

	movie, err := c.GetMovie(ctx, 42)
	if err != nil || !movie.Available() {
		t.Fatalf("GetMovie = %+v, %v", movie, err)
	}
	if _, err := c.GetMovie(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing movie should be ErrNotFound, got %v", err)
	}

	found, err := c.FindByTmdbID(ctx, 603)
	if err != nil || found.ID != 42 {
		t.Errorf("FindByTmdbID = %+v, %v", found, err)
	}
	if _, err := c.FindByTmdbID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRadarr_GetAllQueueItemsPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/queue", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if r.URL.Query().Get("pageSize") != "100" {
			t.Errorf("pageSize = %s", r.URL.Query().Get("pageSize"))
		}
		records := make([]QueueItem, 100)
		if page == "2" {
			records = records[:20]
		}
		for i := range records {
			records[i].ID = int64(i)
			records[i].MovieID = 42
		}
		writeJSON(w, QueueResponse{TotalRecords: 120, Records: records})
	})

	items, err := newRadarr(t, mux).GetAllQueueItems(context.Background())
	if err != nil {
		t.Fatalf("GetAllQueueItems: %v", err)
	}
	if len(items) != 120 {
		t.Errorf("got %d items, want 120", len(items))
	}
}

func TestRadarr_ListLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/log", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sortDirection") != "descending" || q.Get("page") != "1" || q.Get("pageSize") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeJSON(w, LogResponse{TotalRecords: 1, Records: []LogRecord{{Level: "warn", Message: "Indexer unavailable"}}})
	})

	logs, err := newRadarr(t, mux).ListLogs(context.Background(), 1, 50)
	if err != nil || len(logs.Records) != 1 || logs.Records[0].Level != "warn" {
		t.Errorf("ListLogs = %+v, %v", logs, err)
	}
}

func TestRadarr_Unconfigured(t *testing.T) {
	c := NewRadarrClient(config.ProviderConfig{URL: "http://radarr"}, NewRateLimiter(1, 1), NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()))
	if c.Configured() {
		t.Error("client without API key should not be configured")
	}
	if _, err := c.ListLibrary(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if c.Name() != "radarr" {
		t.Errorf("Name = %q", c.Name())
	}
}

// =============================================================================
// Sonarr
// =============================================================================

func TestSonarr_LookupAndAdd(t *testing.T) {
	var added Series
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/series/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("term") != "tvdb:81189" {
			t.Errorf("term = %s", r.URL.Query().Get("term"))
		}
		writeJSON(w, []Series{{Title: "Breaking Bad", TvdbID: 81189, Seasons: []SeasonInfo{{SeasonNumber: 1, Monitored: true}}}})
	})
	mux.HandleFunc("POST /api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&added)
		added.ID = 7
		writeJSON(w, added)
	})
	c := newSonarr(t, mux)

	candidates, err := c.LookupByTvdbID(context.Background(), 81189)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("LookupByTvdbID = %v, %v", candidates, err)
	}
	series, err := c.AddFromLookup(context.Background(), candidates[0], true)
	if err != nil {
		t.Fatalf("AddFromLookup: %v", err)
	}
	if series.ID != 7 {
		t.Errorf("ID = %d", series.ID)
	}
	if added.AddOptions == nil || added.AddOptions.Monitor != "none" || added.Seasons[0].Monitored {
		t.Errorf("series should be added with nothing monitored: %+v", added)
	}
	if added.LanguageProfileID != 1 || added.RootFolderPath != "/media" || !added.SeasonFolder {
		t.Errorf("profile options not applied: %+v", added)
	}
}

func TestSonarr_EpisodesMonitorAndSearch(t *testing.T) {
	var monitor episodeMonitorRequest
	var command commandRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/episode", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("seriesId") != "7" {
			t.Errorf("seriesId = %s", r.URL.Query().Get("seriesId"))
		}
		writeJSON(w, []Episode{{ID: 100, SeriesID: 7, SeasonNumber: 1, EpisodeNumber: 1}, {ID: 101, SeriesID: 7, SeasonNumber: 1, EpisodeNumber: 2, HasFile: true}})
	})
	mux.HandleFunc("PUT /api/v3/episode/monitor", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&monitor)
		writeJSON(w, []Episode{})
	})
	mux.HandleFunc("POST /api/v3/command", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&command)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, Command{ID: 1, Name: command.Name, Status: "queued"})
	})
	c := newSonarr(t, mux)
	ctx := context.Background()

	episodes, err := c.GetEpisodes(ctx, 7)
	if err != nil || len(episodes) != 2 || !episodes[1].HasFile {
		t.Fatalf("GetEpisodes = %+v, %v", episodes, err)
	}
	if err := c.SetEpisodeMonitored(ctx, []int64{100, 101}, true); err != nil {
		t.Fatal(err)
	}
	if !monitor.Monitored || len(monitor.EpisodeIDs) != 2 {
		t.Errorf("monitor body = %+v", monitor)
	}
	if err := c.SearchEpisodes(ctx, []int64{100}); err != nil {
		t.Fatal(err)
	}
	if command.Name != "EpisodeSearch" || len(command.EpisodeIDs) != 1 {
		t.Errorf("command body = %+v", command)
	}

	// Empty batches never reach the provider.
	if err := c.SearchEpisodes(ctx, nil); err != nil {
		t.Error(err)
	}
}

func TestSonarr_DeleteSeriesAndQueue(t *testing.T) {
	var deleted, removed string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v3/series/7", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.URL.RawQuery
	})
	mux.HandleFunc("DELETE /api/v3/queue/55", func(w http.ResponseWriter, r *http.Request) {
		removed = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v3/queue", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("includeEpisode") != "true" {
			t.Error("sonarr queue should include episodes")
		}
		writeJSON(w, QueueResponse{TotalRecords: 1, Records: []QueueItem{{ID: 55, SeriesID: 7, Title: "Show.S01E02"}}})
	})
	c := newSonarr(t, mux)
	ctx := context.Background()

	if err := c.DeleteSeries(ctx, 7, true, true); err != nil {
		t.Fatal(err)
	}
	if deleted != "deleteFiles=true&addImportListExclusion=true" {
		t.Errorf("delete query = %q", deleted)
	}

	items, err := c.GetAllQueueItems(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetAllQueueItems = %v, %v", items, err)
	}
	if err := c.RemoveFromQueue(ctx, 55, true, false); err != nil {
		t.Fatal(err)
	}
	if removed != "removeFromClient=true&blocklist=false" {
		t.Errorf("remove query = %q", removed)
	}
}

// =============================================================================
// TMDB
// =============================================================================

func newTMDB(t *testing.T, mux *http.ServeMux) *TMDBClient {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	cfg := config.NewTestConfig()
	cfg.TMDBAPIKey = "tmdb-key"
	cfg.TMDBBaseURL = server.URL
	return NewTMDBClient(cfg, NewRateLimiter(100, 100), NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()))
}

func TestTMDB_GetMovie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /movie/603", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "tmdb-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"title":"The Matrix","overview":"Neo.","poster_path":"/m.jpg","release_date":"1999-03-30","vote_average":8.2}`)
	})

	meta, err := newTMDB(t, mux).GetMovie(context.Background(), 603)
	if err != nil {
		t.Fatalf("GetMovie: %v", err)
	}
	if meta.Title != "The Matrix" || meta.Year != 1999 || meta.Rating != 8.2 || meta.ImagePath != TMDBImageBase+"/m.jpg" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestTMDB_GetTvAndExternalIds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tv/1396", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"Breaking Bad","first_air_date":"2008-01-20","poster_path":""}`)
	})
	mux.HandleFunc("GET /tv/1396/external_ids", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tvdb_id":81189,"imdb_id":"tt0903747"}`)
	})
	c := newTMDB(t, mux)

	meta, err := c.GetTv(context.Background(), 1396)
	if err != nil || meta.Title != "Breaking Bad" || meta.Year != 2008 || meta.ImagePath != "" {
		t.Errorf("GetTv = %+v, %v", meta, err)
	}
	ids, err := c.GetTvExternalIds(context.Background(), 1396)
	if err != nil || ids.TvdbID != 81189 {
		t.Errorf("GetTvExternalIds = %+v, %v", ids, err)
	}
}

func TestYearOf(t *testing.T) {
	for in, want := range map[string]int{"1999-03-30": 1999, "": 0, "19": 0, "abcd-01-01": 0} {
		if got := yearOf(in); got != want {
			t.Errorf("yearOf(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNewClients_SharesBreakers(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Radarr = providerConfig("http://radarr")
	clients := NewClients(cfg)

	if !clients.Radarr.Configured() || clients.Sonarr.Configured() {
		t.Error("only radarr should be configured")
	}
	stats := clients.CircuitBreakerStats()
	for _, name := range []string{"radarr", "sonarr", "tmdb"} {
		if _, ok := stats[name]; !ok {
			t.Errorf("missing breaker for %s", name)
		}
	}
}
