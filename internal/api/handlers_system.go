package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
)

// SystemInfo contains runtime environment information
type SystemInfo struct {
	Version     string           `json:"version"`
	Environment string           `json:"environment"` // "docker" or "native"
	OS          string           `json:"os"`
	Arch        string           `json:"arch"`
	GoVersion   string           `json:"go_version"`
	Uptime      string           `json:"uptime"`
	UptimeSecs  int64            `json:"uptime_seconds"`
	StartedAt   time.Time        `json:"started_at"`
	Config      SystemConfigInfo `json:"config"`
}

// SystemConfigInfo contains configuration details. Secrets are reported only
// as present or absent.
type SystemConfigInfo struct {
	Port                 string  `json:"port"`
	BasePath             string  `json:"base_path"`
	LogLevel             string  `json:"log_level"`
	DataDir              string  `json:"data_dir"`
	DatabasePath         string  `json:"database_path"`
	LogDir               string  `json:"log_dir"`
	RadarrConfigured     bool    `json:"radarr_configured"`
	SonarrConfigured     bool    `json:"sonarr_configured"`
	TMDBConfigured       bool    `json:"tmdb_configured"`
	CacheEnabled         bool    `json:"cache_enabled"`
	AMQPEnabled          bool    `json:"amqp_enabled"`
	EncryptionEnabled    bool    `json:"encryption_enabled"`
	SyncSchedule         string  `json:"sync_schedule"`
	SyncConcurrency      int     `json:"sync_concurrency"`
	BulkApproveSyncDelay string  `json:"bulk_approve_sync_delay"`
	ProviderTimeout      string  `json:"provider_timeout"`
	RetentionDays        int     `json:"retention_days"`
	ArrRateLimitRPS      float64 `json:"arr_rate_limit_rps"`
	ArrRateLimitBurst    int     `json:"arr_rate_limit_burst"`
}

// handleSystemInfo returns runtime environment information
func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	cfg := s.cfg
	uptime := time.Since(s.startTime)

	environment := "native"
	if isDockerEnvironment() {
		environment = "docker"
	}

	c.JSON(http.StatusOK, SystemInfo{
		Version:     config.Version,
		Environment: environment,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		Uptime:      formatUptime(uptime),
		UptimeSecs:  int64(uptime.Seconds()),
		StartedAt:   s.startTime,
		Config: SystemConfigInfo{
			Port:                 cfg.Port,
			BasePath:             cfg.BasePath,
			LogLevel:             cfg.LogLevel,
			DataDir:              cfg.DataDir,
			DatabasePath:         cfg.DatabasePath,
			LogDir:               cfg.LogDir,
			RadarrConfigured:     cfg.Radarr.Enabled(),
			SonarrConfigured:     cfg.Sonarr.Enabled(),
			TMDBConfigured:       cfg.TMDBAPIKey != "",
			CacheEnabled:         s.cache.Enabled(),
			AMQPEnabled:          cfg.AMQPURL != "",
			EncryptionEnabled:    cfg.EncryptionKey != "",
			SyncSchedule:         cfg.SyncSchedule,
			SyncConcurrency:      cfg.SyncConcurrency,
			BulkApproveSyncDelay: cfg.BulkApproveSyncDelay.String(),
			ProviderTimeout:      cfg.ProviderTimeout.String(),
			RetentionDays:        cfg.RetentionDays,
			ArrRateLimitRPS:      cfg.ArrRateLimitRPS,
			ArrRateLimitBurst:    cfg.ArrRateLimitBurst,
		},
	})
}

// isDockerEnvironment checks if we're running inside a Docker container
func isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}
	// podman
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}
	return false
}

// getStats returns request counts by status plus scheduler state.
func (s *RESTServer) getStats(c *gin.Context) {
	counts, err := s.repo.CountRequestsByStatus(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	byStatus := make(map[domain.Status]int, len(domain.RequestStatusPriority))
	total := 0
	for _, st := range domain.RequestStatusPriority {
		byStatus[st] = counts[st]
		total += counts[st]
	}

	stats := gin.H{
		"total_requests": total,
		"by_status":      byStatus,
	}
	if s.scheduler != nil {
		stats["pending_bulk_sync"] = s.scheduler.PendingBulk()
		if next := s.scheduler.NextSync(); !next.IsZero() {
			stats["next_sync"] = next
		}
	}
	if s.metrics != nil {
		if last := s.metrics.LastSync(); !last.IsZero() {
			stats["last_sync"] = last
		}
	}
	c.JSON(http.StatusOK, stats)
}

// providerInfo is the part of a download manager the provider routes use.
type providerInfo interface {
	Name() string
	Configured() bool
	ListLogs(ctx context.Context, page, pageSize int) (*integration.LogResponse, error)
	SystemStatus(ctx context.Context) (*integration.SystemStatus, error)
}

func (s *RESTServer) providerList() []providerInfo {
	var out []providerInfo
	if s.movies != nil {
		out = append(out, s.movies)
	}
	if s.episodes != nil {
		out = append(out, s.episodes)
	}
	return out
}

// lookupProvider resolves :name to a configured provider, responding when it
// cannot.
func (s *RESTServer) lookupProvider(c *gin.Context) (providerInfo, bool) {
	name := c.Param("name")
	for _, p := range s.providerList() {
		if p.Name() != name {
			continue
		}
		if !p.Configured() {
			respondServiceUnavailable(c, "Provider "+name)
			return nil, false
		}
		return p, true
	}
	respondNotFound(c, "Provider")
	return nil, false
}

func (s *RESTServer) getProviderStatus(c *gin.Context) {
	p, ok := s.lookupProvider(c)
	if !ok {
		return
	}
	status, err := p.SystemStatus(c.Request.Context())
	if err != nil {
		respondRequestError(c, providerErr(err))
		return
	}
	c.JSON(http.StatusOK, status)
}

// getProviderLogs proxies the provider's own log pages for troubleshooting.
func (s *RESTServer) getProviderLogs(c *gin.Context) {
	p, ok := s.lookupProvider(c)
	if !ok {
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if err != nil || pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	logs, err := p.ListLogs(c.Request.Context(), page, pageSize)
	if err != nil {
		respondRequestError(c, providerErr(err))
		return
	}
	c.JSON(http.StatusOK, logs)
}
