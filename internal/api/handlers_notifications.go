package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/notifier"
)

// requireNotifier checks if the endpoint store is available, returning false and sending error if not
func (s *RESTServer) requireNotifier(c *gin.Context) bool {
	if s.endpoints == nil {
		respondServiceUnavailable(c, "Notification service")
		return false
	}
	return true
}

// canManageAll reports whether the caller may see global endpoints and
// everyone else's. The admin key alone, without X-User-ID, counts as admin.
func canManageAll(c *gin.Context) bool {
	u := actor(c)
	return u == nil || u.Role == domain.RoleAdmin
}

func endpointID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return 0, false
	}
	return id, true
}

// loadEndpoint fetches the endpoint named by :id and checks the caller owns it.
// Endpoints the caller may not see are reported as missing.
func (s *RESTServer) loadEndpoint(c *gin.Context) (*notifier.Endpoint, bool) {
	id, ok := endpointID(c)
	if !ok {
		return nil, false
	}
	ep, err := s.endpoints.Get(c.Request.Context(), id)
	if err != nil {
		respondEndpointError(c, err)
		return nil, false
	}
	if !canManageAll(c) && ep.OwnerUserID != actorID(c) {
		respondNotFound(c, "Notification endpoint")
		return nil, false
	}
	return ep, true
}

func (s *RESTServer) getNotifications(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}

	eps, err := s.endpoints.List(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if !canManageAll(c) {
		own := make([]*notifier.Endpoint, 0, len(eps))
		for _, ep := range eps {
			if ep.OwnerUserID == actorID(c) {
				own = append(own, ep)
			}
		}
		eps = own
	}

	c.JSON(http.StatusOK, eps)
}

func (s *RESTServer) getNotification(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}
	ep, ok := s.loadEndpoint(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *RESTServer) createNotification(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}

	var ep notifier.Endpoint
	if err := c.ShouldBindJSON(&ep); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	// Regular users can only create personal endpoints.
	if !canManageAll(c) {
		ep.OwnerUserID = actorID(c)
	}

	id, err := s.endpoints.Create(c.Request.Context(), &ep)
	if err != nil {
		respondEndpointError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "message": "Notification endpoint created"})
}

func (s *RESTServer) updateNotification(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}
	existing, ok := s.loadEndpoint(c)
	if !ok {
		return
	}

	var ep notifier.Endpoint
	if err := c.ShouldBindJSON(&ep); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	ep.ID = existing.ID
	if !canManageAll(c) {
		ep.OwnerUserID = existing.OwnerUserID
	}

	if err := s.endpoints.Update(c.Request.Context(), &ep); err != nil {
		respondEndpointError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification endpoint updated"})
}

func (s *RESTServer) deleteNotification(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}
	ep, ok := s.loadEndpoint(c)
	if !ok {
		return
	}

	if err := s.endpoints.Delete(c.Request.Context(), ep.ID); err != nil {
		respondEndpointError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification endpoint deleted"})
}

func (s *RESTServer) testNotification(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}
	if s.notifier == nil {
		respondServiceUnavailable(c, "Notification service")
		return
	}
	ep, ok := s.loadEndpoint(c)
	if !ok {
		return
	}

	if err := s.notifier.SendTest(c.Request.Context(), ep.ID, actor(c)); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"skipped": notifier.IsSkip(err),
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Test notification sent successfully",
	})
}

// getNotificationEvents lists the lifecycle events endpoints can subscribe to.
func (s *RESTServer) getNotificationEvents(c *gin.Context) {
	events := make([]gin.H, 0, len(domain.LifecycleEvents))
	for _, et := range domain.LifecycleEvents {
		events = append(events, gin.H{
			"name":     et,
			"severity": notifier.EventSeverity(et),
		})
	}
	c.JSON(http.StatusOK, events)
}

func (s *RESTServer) getNotificationLog(c *gin.Context) {
	if !s.requireNotifier(c) {
		return
	}
	ep, ok := s.loadEndpoint(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.endpoints.DeliveryLog(c.Request.Context(), ep.ID, limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}
