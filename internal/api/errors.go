package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
	"github.com/mescon/Requestarr/internal/notifier"
	"github.com/mescon/Requestarr/internal/requests"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgDatabaseError       = "Database error"
	ErrMsgAuthenticationError = "Authentication error"
	ErrMsgInvalidRequest      = "Invalid request"
	ErrMsgInternalError       = "Internal server error"
	ErrMsgNoIDsProvided       = "No IDs provided"
	ErrMsgInvalidID           = "Invalid ID"
	ErrMsgForbidden           = "Not allowed"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

func respondDatabaseError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgDatabaseError, err)
}

// respondBadRequest handles bad request errors, optionally exposing the error message
// Use exposeError=true only for validation errors safe to show users
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

func respondNotFound(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}

func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}

// respondRequestError maps request workflow errors to status codes.
// Precondition messages are safe to show; anything else is logged only.
func respondRequestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, requests.ErrNotFound):
		respondNotFound(c, "Request")
	case errors.Is(err, requests.ErrForbidden):
		respondWithError(c, http.StatusForbidden, ErrMsgForbidden, err)
	case errors.Is(err, requests.ErrInvalidRequest), errors.Is(err, requests.ErrTooManyIDs):
		respondBadRequest(c, err, true)
	case errors.Is(err, requests.ErrInvalidState),
		errors.Is(err, requests.ErrMissingTvdbID),
		errors.Is(err, requests.ErrMultipleSeasons),
		errors.Is(err, requests.ErrNoEpisodesMatched):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, requests.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": requests.ErrConflict.Error()})
	case errors.Is(err, requests.ErrProviderUnavailable):
		respondWithError(c, http.StatusBadGateway, requests.ErrProviderUnavailable.Error(), err)
	case errors.Is(err, integration.ErrCircuitOpen):
		respondWithError(c, http.StatusServiceUnavailable, integration.ErrCircuitOpen.Error(), err)
	default:
		logger.Errorf("Request operation failed: %v", err)
		respondWithError(c, http.StatusInternalServerError, ErrMsgInternalError, nil)
	}
}

// providerErr classifies a direct provider call failure. An open breaker is
// kept as is so it maps to 503.
func providerErr(err error) error {
	if errors.Is(err, integration.ErrCircuitOpen) {
		return err
	}
	return fmt.Errorf("%w: %v", requests.ErrProviderUnavailable, err)
}

// respondEndpointError maps notification endpoint store errors.
func respondEndpointError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notifier.ErrEndpointNotFound):
		respondNotFound(c, "Notification endpoint")
	case errors.Is(err, notifier.ErrInvalidEndpoint):
		respondBadRequest(c, err, true)
	default:
		respondDatabaseError(c, err)
	}
}
