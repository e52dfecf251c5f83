package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
	"github.com/mescon/Requestarr/internal/requests"
	"github.com/mescon/Requestarr/internal/services"
)

const (
	maxListLimit = 500

	// redactedReason replaces provider error text for callers that are not admins.
	redactedReason = domain.FailedReasonPublic
)

type bulkBody struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
}

type denyBody struct {
	Reason string `json:"reason"`
}

// redact hides provider failure details from non-admin users. The cached
// request objects are left untouched.
func redact(c *gin.Context, reqs ...*domain.Request) []*domain.Request {
	out := make([]*domain.Request, 0, len(reqs))
	admin := canManageAll(c)
	for _, r := range reqs {
		if !admin && r.Status == domain.StatusFailed && r.StatusReason != "" {
			cp := *r
			cp.StatusReason = redactedReason
			r = &cp
		}
		out = append(out, r)
	}
	return out
}

// parseListFilter reads status, limit, tmdb_id and type. The second return
// is false when no filter was given at all.
func parseListFilter(c *gin.Context) (db.RequestFilter, bool, error) {
	var f db.RequestFilter
	filtered := false

	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := domain.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return f, false, errors.New("unknown status " + strconv.Quote(string(st)))
			}
			f.Statuses = append(f.Statuses, st)
		}
		filtered = true
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, false, errors.New("limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		f.Limit = n
		filtered = true
	}
	if raw := c.Query("tmdb_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return f, false, errors.New("tmdb_id must be a positive integer")
		}
		f.TmdbID = n
		filtered = true
	}
	if raw := c.Query("type"); raw != "" {
		t := domain.RequestType(raw)
		if !t.Valid() {
			return f, false, errors.New("type must be movie or episode")
		}
		f.Type = t
		filtered = true
	}
	return f, filtered, nil
}

func (s *RESTServer) listRequests(c *gin.Context) {
	f, filtered, err := parseListFilter(c)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}

	var reqs []*domain.Request
	if filtered {
		reqs, err = s.requests.List(c.Request.Context(), f)
	} else {
		reqs, err = s.requests.Recent(c.Request.Context())
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, redact(c, reqs...))
}

func (s *RESTServer) createRequest(c *gin.Context) {
	var in requests.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	in.RequestedBy = actorID(c)

	req, err := s.requests.Create(c.Request.Context(), in)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *RESTServer) getRequest(c *gin.Context) {
	req, err := s.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(c, req)[0])
}

func (s *RESTServer) approveRequest(c *gin.Context) {
	req, err := s.requests.Approve(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *RESTServer) denyRequest(c *gin.Context) {
	var body denyBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondBadRequest(c, err, true)
			return
		}
	}

	req, err := s.requests.Deny(c.Request.Context(), c.Param("id"), actorID(c), strings.TrimSpace(body.Reason))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *RESTServer) markAvailable(c *gin.Context) {
	req, err := s.requests.MarkAvailable(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *RESTServer) deleteRequest(c *gin.Context) {
	result, err := s.requests.Delete(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Request deleted",
		"cleanup": result,
	})
}

func (s *RESTServer) syncRequest(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	summary, err := s.requests.SyncRequestByID(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"message": summary.Message(),
	})
}

func (s *RESTServer) syncPendingRequests(c *gin.Context) {
	var (
		summary requests.Summary
		err     error
	)
	if s.scheduler != nil {
		summary, err = s.scheduler.TriggerSync(c.Request.Context())
	} else {
		summary, err = s.requests.SyncPendingRequests(c.Request.Context())
	}
	if errors.Is(err, services.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	logger.Infof("Manual sync by %s: %s", c.ClientIP(), summary.Message())
	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"message": summary.Message(),
	})
}

func bindBulk(c *gin.Context) (bulkBody, bool) {
	var body bulkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err, true)
		return body, false
	}
	if len(body.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgNoIDsProvided})
		return body, false
	}
	return body, true
}

func (s *RESTServer) bulkApprove(c *gin.Context) {
	body, ok := bindBulk(c)
	if !ok {
		return
	}
	res, err := s.requests.BulkApprove(c.Request.Context(), body.IDs, actorID(c))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *RESTServer) bulkDeny(c *gin.Context) {
	body, ok := bindBulk(c)
	if !ok {
		return
	}
	res, err := s.requests.BulkDeny(c.Request.Context(), body.IDs, actorID(c), strings.TrimSpace(body.Reason))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *RESTServer) getMediaStatus(c *gin.Context) {
	tmdbID, err := strconv.ParseInt(c.Param("tmdbId"), 10, 64)
	if err != nil || tmdbID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}
	typ := domain.RequestType(c.Query("type"))
	if typ != "" && !typ.Valid() {
		respondBadRequest(c, errors.New("type must be movie or episode"), true)
		return
	}

	view, err := s.requests.MediaStatus(c.Request.Context(), tmdbID, typ)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
