package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/requests"
	"github.com/mescon/Requestarr/internal/testutil"
)

// =============================================================================
// Create / read
// =============================================================================

func TestCreateRequest_Movie(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/requests", "alice", gin.H{
		"request_type": "movie",
		"tmdb_id":      27205,
		"title":        "Inception",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req := decode[domain.Request](t, w)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, "alice", req.RequestedBy)
	assert.Equal(t, "Inception", req.Title)
	assert.Equal(t, 1, ts.bus.EventCount(domain.RequestPending))
}

func TestCreateRequest_Episodes(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/requests", "alice", gin.H{
		"request_type": "episode",
		"tmdb_id":      1399,
		"tvdb_id":      121361,
		"title":        "Game of Thrones",
		"episodes": []gin.H{
			{"season": 1, "episode": 1},
			{"season": 1, "episode": 2},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req := decode[domain.Request](t, w)
	assert.Len(t, req.Items, 2)
}

func TestCreateRequest_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		user string
		body interface{}
	}{
		{"no acting user", "", gin.H{"request_type": "movie", "tmdb_id": 1}},
		{"unknown type", "alice", gin.H{"request_type": "book", "tmdb_id": 1}},
		{"missing tmdb id", "alice", gin.H{"request_type": "movie"}},
		{"episode without episodes", "alice", gin.H{"request_type": "episode", "tmdb_id": 1}},
		{"malformed body", "alice", "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/requests", tt.user, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestListRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewMovieRequest("r1", 100, domain.StatusPending),
		testutil.NewMovieRequest("r2", 200, domain.StatusAvailable),
		testutil.NewEpisodeRequest("r3", 300, 1, []int{1}, domain.StatusDownloading),
	)

	t.Run("recent list", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/requests", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]domain.Request](t, w), 3)
	})

	t.Run("status filter", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/requests?status=pending,downloading", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]domain.Request](t, w)
		require.Len(t, got, 2)
		for _, r := range got {
			assert.NotEqual(t, domain.StatusAvailable, r.Status)
		}
	})

	t.Run("type and limit", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/requests?type=movie&limit=1", "alice", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]domain.Request](t, w), 1)
	})

	t.Run("bad filters", func(t *testing.T) {
		for _, q := range []string{"status=bogus", "limit=0", "limit=x", "type=book", "tmdb_id=-1"} {
			w := ts.do(t, http.MethodGet, "/api/requests?"+q, "alice", nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}

func TestGetRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusPending))

	w := ts.do(t, http.MethodGet, "/api/requests/r1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "r1", decode[domain.Request](t, w).ID)

	w = ts.do(t, http.MethodGet, "/api/requests/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Moderation
// =============================================================================

func TestApproveRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewMovieRequest("r1", 100, domain.StatusPending),
		testutil.NewMovieRequest("r2", 200, domain.StatusAvailable),
	)

	w := ts.do(t, http.MethodPost, "/api/requests/r1/approve", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "regular users cannot approve")

	w = ts.do(t, http.MethodPost, "/api/requests/r1/approve", "staff", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusSubmitted, decode[domain.Request](t, w).Status)
	assert.Equal(t, 1, ts.movies.CallCount("AddTitle"))

	w = ts.do(t, http.MethodPost, "/api/requests/r2/approve", "staff", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/requests/missing/approve", "staff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveRequest_ProviderFailureIsRedactedForUsers(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusPending))
	ts.movies.AddTitleFunc = func(int64, integration.MovieMetadata) (*integration.Movie, error) {
		return nil, errors.New("dial tcp 10.0.0.5:7878: connection refused")
	}

	w := ts.do(t, http.MethodPost, "/api/requests/r1/approve", "staff", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")

	w = ts.do(t, http.MethodGet, "/api/requests/r1", "alice", nil)
	got := decode[domain.Request](t, w)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, redactedReason, got.StatusReason)

	w = ts.do(t, http.MethodGet, "/api/requests/r1", "admin", nil)
	assert.Contains(t, decode[domain.Request](t, w).StatusReason, "connection refused")
}

func TestApproveRequest_OpenCircuit(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusPending))
	ts.movies.FindByTmdbIDFunc = func(int64) (*integration.Movie, error) {
		return nil, integration.ErrCircuitOpen
	}

	w := ts.do(t, http.MethodPost, "/api/requests/r1/approve", "staff", nil)
	// The service reports every submission failure as provider unavailable.
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDenyRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewMovieRequest("r1", 100, domain.StatusPending),
		testutil.NewMovieRequest("r2", 200, domain.StatusPending),
	)

	w := ts.do(t, http.MethodPost, "/api/requests/r1/deny", "staff", gin.H{"reason": "  not on our list "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[domain.Request](t, w)
	assert.Equal(t, domain.StatusDenied, got.Status)
	assert.Equal(t, "not on our list", got.StatusReason)

	// Reason is optional.
	w = ts.do(t, http.MethodPost, "/api/requests/r2/deny", "staff", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/requests/r1/deny", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMarkAvailable(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusDownloading, testutil.WithProviderID(7)))

	w := ts.do(t, http.MethodPost, "/api/requests/r1/available", "staff", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "admin only")

	w = ts.do(t, http.MethodPost, "/api/requests/r1/available", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusAvailable, decode[domain.Request](t, w).Status)
	assert.Equal(t, 1, ts.bus.EventCount(domain.RequestAvailable))
}

func TestDeleteRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusSubmitted,
		testutil.WithProviderID(7), testutil.WithSubmission(domain.SubmissionAdded)))
	ts.movies.DeleteTitleFunc = func(int64, bool, bool) error {
		return errors.New("radarr returned 500")
	}

	w := ts.do(t, http.MethodDelete, "/api/requests/r1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[struct {
		Cleanup requests.CleanupResult `json:"cleanup"`
	}](t, w)
	assert.Equal(t, 1, body.Cleanup.Attempted)
	assert.Equal(t, 0, body.Cleanup.Succeeded)
	assert.Len(t, body.Cleanup.Errors, 1)

	w = ts.do(t, http.MethodGet, "/api/requests/r1", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "cleanup failures never block the delete")
}

func TestDeleteRequest_WithdrawLinkedPendingKeepsLibrary(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusPending, testutil.WithProviderID(7)))

	w := ts.do(t, http.MethodDelete, "/api/requests/r1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[struct {
		Cleanup requests.CleanupResult `json:"cleanup"`
	}](t, w)
	assert.Equal(t, 0, body.Cleanup.Attempted)
	assert.Equal(t, 0, ts.movies.CallCount("DeleteTitle"), "a requester withdrawing must never remove library titles")
}

// =============================================================================
// Bulk operations
// =============================================================================

func TestBulkApprove_DefersSubmission(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewMovieRequest("r1", 100, domain.StatusPending),
		testutil.NewMovieRequest("r2", 200, domain.StatusPending),
		testutil.NewMovieRequest("r3", 300, domain.StatusDenied),
	)

	w := ts.do(t, http.MethodPost, "/api/requests/bulk/approve", "staff", gin.H{"ids": []string{"r1", "r2", "r3", "r1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[requests.BulkResult](t, w)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, ts.movies.CallCount("AddTitle"), "no provider call inside the request")
	assert.Equal(t, 2, ts.scheduler.PendingBulk())

	// The follow-up pass submits them once the delay has passed.
	ts.clock.Advance(ts.cfg.BulkApproveSyncDelay)
	assert.Equal(t, 2, ts.movies.CallCount("AddTitle"))
}

func TestBulkDeny_WithReason(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewMovieRequest("r1", 100, domain.StatusPending),
		testutil.NewMovieRequest("r2", 200, domain.StatusPending),
		testutil.NewMovieRequest("r3", 300, domain.StatusPending),
	)

	w := ts.do(t, http.MethodPost, "/api/requests/bulk/deny", "staff", gin.H{
		"ids":    []string{"r1", "r2", "r3"},
		"reason": "duplicate",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decode[requests.BulkResult](t, w).Updated)

	for _, id := range []string{"r1", "r2", "r3"} {
		got := decode[domain.Request](t, ts.do(t, http.MethodGet, "/api/requests/"+id, "admin", nil))
		assert.Equal(t, domain.StatusDenied, got.Status)
		assert.Equal(t, "duplicate", got.StatusReason)
	}
}

func TestBulk_Limits(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/requests/bulk/approve", "staff", gin.H{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ids := make([]string, requests.MaxBulkIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%d", i)
	}
	w = ts.do(t, http.MethodPost, "/api/requests/bulk/deny", "staff", gin.H{"ids": ids})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/requests/bulk/approve", "alice", gin.H{"ids": []string{"r1"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// =============================================================================
// Sync and merged view
// =============================================================================

func TestSyncPendingRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusSubmitted, testutil.WithProviderID(7)))
	ts.movies.GetMovieFunc = func(id int64) (*integration.Movie, error) {
		return &integration.Movie{ID: id, TmdbID: 100, HasFile: true}, nil
	}

	w := ts.do(t, http.MethodPost, "/api/requests/sync", "staff", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[struct {
		Summary requests.Summary `json:"summary"`
	}](t, w)
	assert.Equal(t, 1, body.Summary.Processed)
	assert.Equal(t, 1, body.Summary.Available)
}

func TestSyncRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, testutil.NewMovieRequest("r1", 100, domain.StatusSubmitted, testutil.WithProviderID(7)))

	w := ts.do(t, http.MethodPost, "/api/requests/r1/sync?force=true", "staff", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/requests/missing/sync", "staff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMediaStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t,
		testutil.NewEpisodeRequest("r1", 1399, 1, []int{1, 2}, domain.StatusDownloading),
		testutil.NewEpisodeRequest("r2", 1399, 1, []int{2, 3}, domain.StatusAvailable),
	)

	w := ts.do(t, http.MethodGet, "/api/media/1399/status?type=episode", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[requests.MergedView](t, w)
	assert.Len(t, view.RequestIDs, 2)
	assert.Len(t, view.Items, 3, "episode 2 appears once")

	w = ts.do(t, http.MethodGet, "/api/media/42/status", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/media/abc/status", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/media/1399/status?type=book", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
