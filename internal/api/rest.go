// Package api provides the REST API and WebSocket hub for Requestarr:
// requests, moderation, sync, notification endpoints and health.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/auth"
	"github.com/mescon/Requestarr/internal/cache"
	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
	"github.com/mescon/Requestarr/internal/metrics"
	"github.com/mescon/Requestarr/internal/notifier"
	"github.com/mescon/Requestarr/internal/requests"
	"github.com/mescon/Requestarr/internal/services"
)

const (
	ctxActor     = "actor"
	headerUserID = "X-User-ID"
)

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config

	repo      *db.Repository
	requests  *requests.Service
	endpoints *notifier.Store
	notifier  *notifier.Dispatcher
	scheduler *services.SchedulerService
	movies    integration.MovieProvider
	episodes  integration.EpisodeProvider
	breakers  *integration.CircuitBreakerRegistry
	cache     *cache.RecentCache
	metrics   *metrics.MetricsService
	hub       *WebSocketHub
	startTime time.Time

	createLimiter *RateLimiter

	keyMu       sync.Mutex
	verifiedKey [sha256.Size]byte
}

// ServerDeps contains all dependencies required for the REST server.
// Everything but Repo, Requests and Config may be nil.
type ServerDeps struct {
	Repo      *db.Repository
	EventBus  eventbus.Publisher
	Requests  *requests.Service
	Endpoints *notifier.Store
	Notifier  *notifier.Dispatcher
	Scheduler *services.SchedulerService
	Movies    integration.MovieProvider
	Episodes  integration.EpisodeProvider
	Breakers  *integration.CircuitBreakerRegistry
	Cache     *cache.RecentCache
	Metrics   *metrics.MetricsService
	Config    *config.Config
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	r.Use(corsMiddleware(os.Getenv(config.EnvPrefix + "CORS_ORIGIN")))

	s := &RESTServer{
		router:        r,
		cfg:           deps.Config,
		repo:          deps.Repo,
		requests:      deps.Requests,
		endpoints:     deps.Endpoints,
		notifier:      deps.Notifier,
		scheduler:     deps.Scheduler,
		movies:        deps.Movies,
		episodes:      deps.Episodes,
		breakers:      deps.Breakers,
		cache:         deps.Cache,
		metrics:       deps.Metrics,
		startTime:     time.Now(),
		createLimiter: NewRateLimiter(10, time.Minute, 10),
	}
	if deps.EventBus != nil {
		s.hub = NewWebSocketHub(deps.EventBus)
	}

	s.setupRoutes()
	return s
}

// corsMiddleware allows the comma-separated origins, "*" for any, or none
// (same-origin) when empty.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-User-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Router exposes the engine for tests and embedding.
func (s *RESTServer) Router() http.Handler {
	return s.router
}

func (s *RESTServer) setupRoutes() {
	basePath := s.cfg.BasePath

	// Prometheus scrapes the root path regardless of the base path.
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	var base *gin.RouterGroup
	if basePath == "" || basePath == "/" {
		base = s.router.Group("")
	} else {
		base = s.router.Group(basePath)
	}

	api := base.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		protected := api.Group("")
		protected.Use(s.authMiddleware(), s.actorMiddleware())
		{
			protected.POST("/auth/rotate", s.rotateAdminKey)
			protected.GET("/system/info", s.handleSystemInfo)
			protected.GET("/stats", s.getStats)

			// Requests. Static segments are registered before :id.
			protected.GET("/requests", s.listRequests)
			protected.POST("/requests", s.createLimiter.Middleware(), s.createRequest)
			protected.POST("/requests/sync", s.syncPendingRequests)
			protected.POST("/requests/bulk/approve", s.bulkApprove)
			protected.POST("/requests/bulk/deny", s.bulkDeny)
			protected.GET("/requests/:id", s.getRequest)
			protected.DELETE("/requests/:id", s.deleteRequest)
			protected.POST("/requests/:id/approve", s.approveRequest)
			protected.POST("/requests/:id/deny", s.denyRequest)
			protected.POST("/requests/:id/available", s.markAvailable)
			protected.POST("/requests/:id/sync", s.syncRequest)
			protected.GET("/media/:tmdbId/status", s.getMediaStatus)

			// Notification endpoints
			protected.GET("/notifications", s.getNotifications)
			protected.POST("/notifications", s.createNotification)
			protected.GET("/notifications/events", s.getNotificationEvents)
			protected.GET("/notifications/:id", s.getNotification)
			protected.PUT("/notifications/:id", s.updateNotification)
			protected.DELETE("/notifications/:id", s.deleteNotification)
			protected.POST("/notifications/:id/test", s.createLimiter.Middleware(), s.testNotification)
			protected.GET("/notifications/:id/log", s.getNotificationLog)

			// Providers
			protected.GET("/providers/:name/status", s.getProviderStatus)
			protected.GET("/providers/:name/logs", s.getProviderLogs)

			// Logs
			protected.GET("/logs/recent", s.handleRecentLogs)
			protected.GET("/logs/download", s.handleDownloadLogs)

			protected.GET("/ws", func(c *gin.Context) {
				if s.hub == nil {
					respondServiceUnavailable(c, "Live updates")
					return
				}
				s.hub.HandleConnection(c)
			})
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and the WebSocket hub.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware checks the admin API key. Successful keys are remembered by
// digest so bcrypt only runs once per key.
func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		// Query parameters cover WebSocket clients that cannot set headers.
		if token == "" {
			token = c.Query("apikey")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}

		digest := sha256.Sum256([]byte(token))
		s.keyMu.Lock()
		cached := subtle.ConstantTimeCompare(digest[:], s.verifiedKey[:]) == 1
		s.keyMu.Unlock()
		if cached {
			c.Next()
			return
		}

		if err := auth.VerifyAdminKey(c.Request.Context(), s.repo, token); err != nil {
			if errors.Is(err, auth.ErrInvalidKey) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
				return
			}
			respondWithError(c, http.StatusInternalServerError, ErrMsgAuthenticationError, err)
			c.Abort()
			return
		}

		s.keyMu.Lock()
		s.verifiedKey = digest
		s.keyMu.Unlock()
		c.Next()
	}
}

// actorMiddleware resolves the acting user from X-User-ID. Requests without
// the header act as the system.
func (s *RESTServer) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerUserID)
		if id == "" {
			c.Next()
			return
		}
		user, err := s.repo.GetUser(c.Request.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown user"})
			return
		}
		if err != nil {
			respondDatabaseError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxActor, user)
		c.Next()
	}
}

// actor returns the acting user, or nil for system calls.
func actor(c *gin.Context) *domain.User {
	if v, ok := c.Get(ctxActor); ok {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}

func actorID(c *gin.Context) string {
	if u := actor(c); u != nil {
		return u.ID
	}
	return ""
}
