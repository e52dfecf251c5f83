package api

import (
	"crypto/sha256"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/auth"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

// rotateAdminKey replaces the admin API key. The new key is shown once; the
// old one stops working immediately.
func (s *RESTServer) rotateAdminKey(c *gin.Context) {
	if u := actor(c); u != nil && u.Role != domain.RoleAdmin {
		respondWithError(c, http.StatusForbidden, ErrMsgForbidden, nil)
		return
	}

	key, err := auth.RotateAdminKey(c.Request.Context(), s.repo)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, ErrMsgAuthenticationError, err)
		return
	}

	s.keyMu.Lock()
	s.verifiedKey = [sha256.Size]byte{}
	s.keyMu.Unlock()

	logger.Infof("Admin API key rotated from %s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{
		"api_key": key,
		"message": "API key rotated. Update your clients!",
	})
}
