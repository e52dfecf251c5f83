package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/integration"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// checkDatabaseHealth checks database connectivity and returns status
func (s *RESTServer) checkDatabaseHealth(ctx context.Context) (gin.H, bool) {
	dbHealth := gin.H{"status": "connected"}

	if err := s.repo.DB.PingContext(ctx); err != nil {
		dbHealth["status"] = "error"
		dbHealth["error"] = err.Error()
		return dbHealth, false
	}
	if info, err := os.Stat(s.cfg.DatabasePath); err == nil {
		dbHealth["size_bytes"] = info.Size()
	}
	return dbHealth, true
}

// checkCacheHealth reports the Redis cache. A failing cache degrades nothing:
// requests fall back to the database.
func (s *RESTServer) checkCacheHealth(ctx context.Context) gin.H {
	if !s.cache.Enabled() {
		return gin.H{"status": "disabled"}
	}
	if err := s.cache.Ping(ctx); err != nil {
		return gin.H{"status": "error", "error": err.Error()}
	}
	return gin.H{"status": "connected"}
}

// checkProvidersHealth reports configuration and breaker state per provider.
// No provider is called, so health stays fast while one is down.
func (s *RESTServer) checkProvidersHealth() (gin.H, bool) {
	providers := gin.H{}
	healthy := true

	var stats map[string]integration.CircuitBreakerStats
	if s.breakers != nil {
		stats = s.breakers.AllStats()
	}

	for _, p := range s.providerList() {
		entry := gin.H{"configured": p.Configured()}
		if st, ok := stats[p.Name()]; ok {
			entry["circuit"] = st.State
			entry["consecutive_failures"] = st.ConsecutiveFailures
			if st.State == integration.CircuitOpen {
				healthy = false
			}
		}
		providers[p.Name()] = entry
	}
	return providers, healthy
}

// handleHealth returns server health status for container orchestration.
// This endpoint must return quickly (within 5 seconds) for Docker healthchecks.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, dbHealthy := s.checkDatabaseHealth(ctx)
	providers, providersHealthy := s.checkProvidersHealth()

	status := "healthy"
	if !dbHealthy || !providersHealthy {
		status = "degraded"
	}

	health := gin.H{
		"status":    status,
		"version":   config.Version,
		"uptime":    formatUptime(time.Since(s.startTime)),
		"database":  dbHealth,
		"cache":     s.checkCacheHealth(ctx),
		"providers": providers,
	}
	if s.hub != nil {
		health["websocket_clients"] = s.hub.ClientCount()
	}
	if s.scheduler != nil {
		if next := s.scheduler.NextSync(); !next.IsZero() {
			health["next_sync"] = next
		}
	}

	code := http.StatusOK
	if !dbHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}
