package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/Requestarr/internal/auth"
	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/crypto"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/metrics"
	"github.com/mescon/Requestarr/internal/notifier"
	"github.com/mescon/Requestarr/internal/requests"
	"github.com/mescon/Requestarr/internal/services"
	"github.com/mescon/Requestarr/internal/testutil"
)

// =============================================================================
// Test harness
// =============================================================================

type testServer struct {
	srv       *RESTServer
	repo      *db.Repository
	bus       *testutil.MockEventBus
	movies    *testutil.MockMovieProvider
	episodes  *testutil.MockEpisodeProvider
	breakers  *integration.CircuitBreakerRegistry
	endpoints *notifier.Store
	requests  *requests.Service
	scheduler *services.SchedulerService
	clock     *testutil.MockClock
	cfg       *config.Config
	key       string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, testutil.SeedStaff(repo))

	key, err := auth.EnsureAdminKey(context.Background(), repo, func(err error) bool {
		return errors.Is(err, db.ErrNotFound)
	})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	cfg := config.NewTestConfig()
	cfg.LogDir = t.TempDir()
	cfg.BasePath = "/"

	ts := &testServer{
		repo:     repo,
		bus:      testutil.NewMockEventBus(),
		movies:   &testutil.MockMovieProvider{},
		episodes: &testutil.MockEpisodeProvider{},
		breakers: integration.NewCircuitBreakerRegistry(integration.DefaultCircuitBreakerConfig()),
		clock:    testutil.NewMockClock(),
		cfg:      cfg,
		key:      key,
	}

	keys, err := crypto.NewKeyManager("api-test-key")
	require.NoError(t, err)
	ts.endpoints = notifier.NewStore(repo.DB, keys)
	dispatcher := notifier.NewDispatcher(ts.endpoints, repo, nil, ts.bus, cfg, ts.clock)

	ts.requests = requests.NewService(repo, requests.Providers{
		Movies:   ts.movies,
		Episodes: ts.episodes,
	}, ts.bus, nil, cfg)
	ts.scheduler = services.NewSchedulerService(ts.requests, repo, cfg, ts.clock)
	ts.requests.OnBulkApproved(ts.scheduler.ScheduleBulkSync)

	ts.breakers.Get("radarr")
	ts.breakers.Get("sonarr")

	ts.srv = NewRESTServer(ServerDeps{
		Repo:      repo,
		EventBus:  ts.bus,
		Requests:  ts.requests,
		Endpoints: ts.endpoints,
		Notifier:  dispatcher,
		Scheduler: ts.scheduler,
		Movies:    ts.movies,
		Episodes:  ts.episodes,
		Breakers:  ts.breakers,
		Metrics:   metrics.NewMetricsService(ts.bus, nil),
		Config:    cfg,
	})
	t.Cleanup(func() { _ = ts.srv.Shutdown(context.Background()) })
	return ts
}

// do sends an authenticated request acting as user ("" for the bare admin key).
func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", ts.key)
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) seed(t *testing.T, reqs ...*domain.Request) {
	t.Helper()
	require.NoError(t, testutil.SeedRequests(ts.repo, reqs...))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusUnauthorized},
		{"header key", func(r *http.Request) { r.Header.Set("X-API-Key", ts.key) }, http.StatusOK},
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+ts.key) }, http.StatusOK},
		{"query key", func(r *http.Request) { r.URL.RawQuery = "apikey=" + ts.key }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			ts.srv.Router().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAuthMiddleware_HealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/health", "/metrics"} {
		w := httptest.NewRecorder()
		ts.srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestActorMiddleware_UnknownUser(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/requests", "mallory", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRotateAdminKey(t *testing.T) {
	ts := newTestServer(t)
	oldKey := ts.key

	// Regular users cannot rotate.
	w := ts.do(t, http.MethodPost, "/api/auth/rotate", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/auth/rotate", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]string](t, w)
	require.NotEmpty(t, body["api_key"])
	assert.NotEqual(t, oldKey, body["api_key"])

	// The old key was cached by the earlier calls and must stop working.
	w = ts.do(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ts.key = body["api_key"]
	w = ts.do(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Routing and middleware
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		allowed    string
		origin     string
		wantHeader string
	}{
		{"wildcard", "*", "http://any.example", "*"},
		{"listed origin", "http://a.example, http://b.example", "http://b.example", "http://b.example"},
		{"unlisted origin", "http://a.example", "http://evil.example", ""},
		{"same-origin only", "", "http://a.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(corsMiddleware(tt.allowed))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware("*"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/requests", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestBasePath(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.BasePath = "/requestarr"
	srv := NewRESTServer(ServerDeps{Repo: ts.repo, Requests: ts.requests, Config: ts.cfg})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/requestarr/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketUnavailableWithoutEventBus(t *testing.T) {
	ts := newTestServer(t)
	srv := NewRESTServer(ServerDeps{Repo: ts.repo, Requests: ts.requests, Config: ts.cfg})

	req := httptest.NewRequest(http.MethodGet, "/api/ws?apikey="+ts.key, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
