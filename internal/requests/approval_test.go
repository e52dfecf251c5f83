package requests

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/testutil"
)

// =============================================================================
// Approve: movies
// =============================================================================

func TestApprove_MovieSubmitsToMovieManager(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))
	env.movies.AddTitleFunc = func(tmdbID int64, meta integration.MovieMetadata) (*integration.Movie, error) {
		return &integration.Movie{ID: 42, TmdbID: tmdbID}, nil
	}

	req, err := env.svc.Approve(context.Background(), "r1", "staff")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if req.Status != domain.StatusSubmitted {
		t.Errorf("Status = %s, want submitted", req.Status)
	}

	stored := env.load(t, "r1")
	if stored.Status != domain.StatusSubmitted {
		t.Errorf("stored Status = %s, want submitted", stored.Status)
	}
	if !stored.Items[0].HasProviderID() || *stored.Items[0].ProviderID != 42 {
		t.Errorf("item ProviderID = %v, want 42", stored.Items[0].ProviderID)
	}
	if stored.Items[0].Status != domain.StatusSubmitted {
		t.Errorf("item Status = %s, want submitted", stored.Items[0].Status)
	}
	if stored.ActedBy != "staff" {
		t.Errorf("ActedBy = %q, want staff", stored.ActedBy)
	}
	if stored.Submission != domain.SubmissionAdded {
		t.Errorf("Submission = %q, want added", stored.Submission)
	}
	if got := env.bus.EventCount(domain.RequestSubmitted); got != 1 {
		t.Errorf("request_submitted events = %d, want 1", got)
	}

	calls := env.movies.CallsTo("AddTitle")
	if len(calls) != 1 || calls[0].Args[0] != int64(603) {
		t.Errorf("AddTitle calls = %+v, want one for tmdb 603", calls)
	}
}

func TestApprove_MoviePassesMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))
	env.meta.GetMovieFunc = func(int64) (*integration.Metadata, error) {
		return &integration.Metadata{Title: "The Matrix", Year: 1999}, nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "admin"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	meta := env.movies.CallsTo("AddTitle")[0].Args[1].(integration.MovieMetadata)
	if meta.Title != "The Matrix" || meta.Year != 1999 {
		t.Errorf("AddTitle metadata = %+v", meta)
	}
}

func TestApprove_MovieAlreadyInLibraryIsLinked(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))
	env.movies.FindByTmdbIDFunc = func(tmdbID int64) (*integration.Movie, error) {
		return &integration.Movie{ID: 7, TmdbID: tmdbID}, nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "staff"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if env.movies.CallCount("AddTitle") != 0 {
		t.Error("AddTitle must not be called for a title already in the library")
	}
	stored := env.load(t, "r1")
	if id, _ := stored.ProviderID(); id != 7 {
		t.Errorf("ProviderID = %d, want 7", id)
	}
	if stored.Submission != domain.SubmissionLinked {
		t.Errorf("Submission = %q, want linked", stored.Submission)
	}
}

func TestApprove_ProviderFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))
	env.movies.AddTitleFunc = func(int64, integration.MovieMetadata) (*integration.Movie, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := env.svc.Approve(context.Background(), "r1", "staff")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Approve() error = %v, want ErrProviderUnavailable", err)
	}

	stored := env.load(t, "r1")
	if stored.Status != domain.StatusFailed || stored.Items[0].Status != domain.StatusFailed {
		t.Errorf("status = %s/%s, want failed/failed", stored.Status, stored.Items[0].Status)
	}
	if !strings.Contains(stored.StatusReason, "connection refused") {
		t.Errorf("StatusReason = %q, want the underlying cause", stored.StatusReason)
	}
	if got := env.bus.EventCount(domain.RequestFailed); got != 1 {
		t.Errorf("request_failed events = %d, want 1", got)
	}
	if got := env.bus.EventCount(domain.RequestSubmitted); got != 0 {
		t.Errorf("request_submitted events = %d, want 0", got)
	}
}

func TestApprove_FailedRequestCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusFailed, testutil.WithReason("timeout")))
	env.movies.AddTitleFunc = func(tmdbID int64, _ integration.MovieMetadata) (*integration.Movie, error) {
		return &integration.Movie{ID: 42, TmdbID: tmdbID}, nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "staff"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	stored := env.load(t, "r1")
	if stored.Status != domain.StatusSubmitted || stored.StatusReason != "" {
		t.Errorf("stored = %s %q, want submitted with the failure reason cleared", stored.Status, stored.StatusReason)
	}
}

// =============================================================================
// Approve: guards
// =============================================================================

func TestApprove_Guards(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.Status
		id      string
		actor   string
		wantErr error
	}{
		{"regular user", domain.StatusPending, "r1", "alice", ErrForbidden},
		{"unknown actor", domain.StatusPending, "r1", "mallory", ErrForbidden},
		{"no actor", domain.StatusPending, "r1", "", ErrForbidden},
		{"already submitted", domain.StatusSubmitted, "r1", "staff", ErrInvalidState},
		{"denied", domain.StatusDenied, "r1", "admin", ErrInvalidState},
		{"available", domain.StatusAvailable, "r1", "admin", ErrInvalidState},
		{"missing request", domain.StatusPending, "nope", "admin", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t, testutil.NewMovieRequest("r1", 603, tt.status))

			_, err := env.svc.Approve(context.Background(), tt.id, tt.actor)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Approve() error = %v, want %v", err, tt.wantErr)
			}
			if env.movies.CallCount("AddTitle") != 0 {
				t.Error("guard failures must not reach the provider")
			}
			if len(env.bus.GetAllEvents()) != 0 {
				t.Error("guard failures must not emit events")
			}
		})
	}
}

// =============================================================================
// Approve: episodes
// =============================================================================

func TestApprove_EpisodesAddsSeriesAndSearches(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1, 2}, domain.StatusPending))

	env.meta.GetTvExternalIdsFunc = func(int64) (*integration.ExternalIDs, error) {
		return &integration.ExternalIDs{TvdbID: 121361}, nil
	}
	env.episodes.LookupByTvdbIDFunc = func(tvdbID int64) ([]integration.Series, error) {
		return []integration.Series{{TvdbID: tvdbID, Title: "Game of Thrones"}}, nil
	}
	env.episodes.AddFromLookupFunc = func(c integration.Series, monitored bool) (*integration.Series, error) {
		c.ID = 10
		return &c, nil
	}
	env.episodes.GetEpisodesFunc = func(seriesID int64) ([]integration.Episode, error) {
		return testutil.SeasonEpisodes(seriesID, 1, 5), nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "staff"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	stored := env.load(t, "r1")
	if stored.Status != domain.StatusSubmitted {
		t.Errorf("Status = %s, want submitted", stored.Status)
	}
	if stored.TvdbID != 121361 {
		t.Errorf("TvdbID = %d, want resolved 121361", stored.TvdbID)
	}
	if stored.Submission != domain.SubmissionAdded {
		t.Errorf("Submission = %q, want added", stored.Submission)
	}
	for _, it := range stored.Items {
		if !it.HasProviderID() || *it.ProviderID != 10 {
			t.Errorf("item %s ProviderID = %v, want series 10", it.Key(), it.ProviderID)
		}
	}

	wantIDs := []int64{testutil.EpisodeID(10, 1), testutil.EpisodeID(10, 2)}
	monitor := env.episodes.CallsTo("SetEpisodeMonitored")
	if len(monitor) != 1 {
		t.Fatalf("SetEpisodeMonitored calls = %d, want 1", len(monitor))
	}
	if ids := monitor[0].Args[0].([]int64); !sameIDs(ids, wantIDs) || monitor[0].Args[1] != true {
		t.Errorf("SetEpisodeMonitored(%v, %v), want (%v, true)", ids, monitor[0].Args[1], wantIDs)
	}
	search := env.episodes.CallsTo("SearchEpisodes")
	if len(search) != 1 || !sameIDs(search[0].Args[0].([]int64), wantIDs) {
		t.Errorf("SearchEpisodes calls = %+v, want one for %v", search, wantIDs)
	}
	if got := env.bus.EventCount(domain.RequestSubmitted); got != 1 {
		t.Errorf("request_submitted events = %d, want 1", got)
	}
}

func TestApprove_EpisodesReusesExistingSeries(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1}, domain.StatusPending, testutil.WithTvdbID(121361)))
	env.episodes.ListSeriesFunc = func() ([]integration.Series, error) {
		return []integration.Series{{ID: 3, TvdbID: 999}, {ID: 5, TvdbID: 121361}}, nil
	}
	env.episodes.GetEpisodesFunc = func(seriesID int64) ([]integration.Episode, error) {
		return testutil.SeasonEpisodes(seriesID, 1, 3), nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "staff"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if env.episodes.CallCount("LookupByTvdbID") != 0 || env.episodes.CallCount("AddFromLookup") != 0 {
		t.Error("series already in the library must not be looked up or added")
	}
	if env.meta.CallCount("GetTvExternalIds") != 0 {
		t.Error("known TVDB id must not be resolved again")
	}
	stored := env.load(t, "r1")
	if id, _ := stored.ProviderID(); id != 5 {
		t.Errorf("ProviderID = %d, want 5", id)
	}
	if stored.Submission != domain.SubmissionLinked {
		t.Errorf("Submission = %q, want linked", stored.Submission)
	}
}

func TestApprove_EpisodesLookupHitInLibrary(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1}, domain.StatusPending, testutil.WithTvdbID(121361)))
	env.episodes.LookupByTvdbIDFunc = func(tvdbID int64) ([]integration.Series, error) {
		return []integration.Series{{ID: 8, TvdbID: tvdbID}}, nil
	}
	env.episodes.GetEpisodesFunc = func(seriesID int64) ([]integration.Episode, error) {
		return testutil.SeasonEpisodes(seriesID, 1, 1), nil
	}

	if _, err := env.svc.Approve(context.Background(), "r1", "staff"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if env.episodes.CallCount("AddFromLookup") != 0 {
		t.Error("a lookup candidate with an id is already in the library")
	}
}

func TestApprove_EpisodesMissingTvdbID(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1}, domain.StatusPending))
	env.meta.GetTvExternalIdsFunc = func(int64) (*integration.ExternalIDs, error) {
		return &integration.ExternalIDs{}, nil
	}

	_, err := env.svc.Approve(context.Background(), "r1", "staff")
	if !errors.Is(err, ErrMissingTvdbID) {
		t.Fatalf("Approve() error = %v, want ErrMissingTvdbID", err)
	}
	if stored := env.load(t, "r1"); stored.Status != domain.StatusPending {
		t.Errorf("Status = %s, want pending (no mutation)", stored.Status)
	}
	if env.episodes.CallCount("ListSeries") != 0 {
		t.Error("episode manager must not be called without a TVDB id")
	}
	if len(env.bus.GetAllEvents()) != 0 {
		t.Error("precondition failures must not emit events")
	}
}

func TestApprove_EpisodesMultipleSeasons(t *testing.T) {
	env := newTestEnv(t)
	req := testutil.NewEpisodeRequest("r1", 1399, 1, []int{1}, domain.StatusPending, testutil.WithTvdbID(121361))
	req.Items = append(req.Items, domain.RequestItem{
		Provider: domain.ProviderSonarr,
		Season:   domain.IntPtr(2),
		Episode:  domain.IntPtr(1),
		Status:   domain.StatusPending,
	})
	env.seed(t, req)

	_, err := env.svc.Approve(context.Background(), "r1", "staff")
	if !errors.Is(err, ErrMultipleSeasons) {
		t.Fatalf("Approve() error = %v, want ErrMultipleSeasons", err)
	}
	if stored := env.load(t, "r1"); stored.Status != domain.StatusPending {
		t.Errorf("Status = %s, want pending", stored.Status)
	}
	if len(env.episodes.Calls) != 0 || len(env.meta.Calls) != 0 {
		t.Error("multi-season requests must be rejected before any provider call")
	}
}

func TestApprove_EpisodeMatchFailureAfterAddMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1}, domain.StatusPending, testutil.WithTvdbID(121361)))
	env.episodes.LookupByTvdbIDFunc = func(tvdbID int64) ([]integration.Series, error) {
		return []integration.Series{{TvdbID: tvdbID}}, nil
	}
	env.episodes.GetEpisodesFunc = func(int64) ([]integration.Episode, error) {
		return nil, errors.New("503 Service Unavailable")
	}

	_, err := env.svc.Approve(context.Background(), "r1", "staff")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Approve() error = %v, want ErrProviderUnavailable", err)
	}
	if env.episodes.CallCount("AddFromLookup") != 1 {
		t.Fatal("series add should have happened before the failure")
	}
	stored := env.load(t, "r1")
	if stored.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed (never submitted)", stored.Status)
	}
	if _, ok := stored.ProviderID(); ok {
		t.Error("failed approval must not record a provider id")
	}
	if env.bus.EventCount(domain.RequestSubmitted) != 0 || env.bus.EventCount(domain.RequestFailed) != 1 {
		t.Errorf("events = %+v, want a single request_failed", env.bus.GetAllEvents())
	}
}

func TestApprove_EpisodesNotYetListed(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 3, []int{1}, domain.StatusPending, testutil.WithTvdbID(121361)))
	env.episodes.ListSeriesFunc = func() ([]integration.Series, error) {
		return []integration.Series{{ID: 5, TvdbID: 121361}}, nil
	}
	env.episodes.GetEpisodesFunc = func(seriesID int64) ([]integration.Episode, error) {
		return testutil.SeasonEpisodes(seriesID, 1, 10), nil
	}

	_, err := env.svc.Approve(context.Background(), "r1", "staff")
	if !errors.Is(err, ErrNoEpisodesMatched) {
		t.Fatalf("Approve() error = %v, want ErrNoEpisodesMatched", err)
	}
	if env.episodes.CallCount("SearchEpisodes") != 0 {
		t.Error("nothing should be searched when no episode matched")
	}
	if stored := env.load(t, "r1"); stored.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", stored.Status)
	}
}

// =============================================================================
// Deny / MarkAvailable
// =============================================================================

func TestDeny(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))

	req, err := env.svc.Deny(context.Background(), "r1", "staff", "not on our list")
	if err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	if req.Status != domain.StatusDenied {
		t.Errorf("Status = %s, want denied", req.Status)
	}
	stored := env.load(t, "r1")
	if stored.StatusReason != "not on our list" || stored.Items[0].Status != domain.StatusDenied {
		t.Errorf("stored = %s %q item %s", stored.Status, stored.StatusReason, stored.Items[0].Status)
	}
	if got := env.bus.EventCount(domain.RequestDenied); got != 1 {
		t.Errorf("request_denied events = %d, want 1", got)
	}

	if _, err := env.svc.Deny(context.Background(), "r1", "staff", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Deny() error = %v, want ErrInvalidState", err)
	}
}

func TestDeny_RegularUserForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewMovieRequest("r1", 603, domain.StatusPending))

	if _, err := env.svc.Deny(context.Background(), "r1", "alice", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("Deny() error = %v, want ErrForbidden", err)
	}
}

func TestMarkAvailable(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, testutil.NewEpisodeRequest("r1", 1399, 1, []int{1, 2}, domain.StatusDownloading))
	ctx := context.Background()

	if _, err := env.svc.MarkAvailable(ctx, "r1", "staff"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("MarkAvailable(staff) error = %v, want ErrForbidden", err)
	}

	if _, err := env.svc.MarkAvailable(ctx, "r1", "admin"); err != nil {
		t.Fatalf("MarkAvailable failed: %v", err)
	}
	stored := env.load(t, "r1")
	if stored.Status != domain.StatusAvailable {
		t.Errorf("Status = %s, want available", stored.Status)
	}
	for _, it := range stored.Items {
		if it.Status != domain.StatusAvailable {
			t.Errorf("item %s = %s, want available", it.Key(), it.Status)
		}
	}

	if _, err := env.svc.MarkAvailable(ctx, "r1", "admin"); err != nil {
		t.Fatalf("second MarkAvailable failed: %v", err)
	}
	if got := env.bus.EventCount(domain.RequestAvailable); got != 1 {
		t.Errorf("request_available events = %d, want 1", got)
	}
	if len(env.movies.Calls)+len(env.episodes.Calls) != 0 {
		t.Error("MarkAvailable must not call providers")
	}
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int64]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
