package domain

import (
	"time"
)

type EventType string

// Lifecycle events, one per request status a notification can be sent for.
const (
	RequestPending            EventType = "request_pending"
	RequestSubmitted          EventType = "request_submitted"
	RequestDenied             EventType = "request_denied"
	RequestFailed             EventType = "request_failed"
	RequestAlreadyExists      EventType = "request_already_exists"
	RequestPartiallyAvailable EventType = "request_partially_available"
	RequestDownloading        EventType = "request_downloading"
	RequestAvailable          EventType = "request_available"
	RequestRemoved            EventType = "request_removed"
)

// Operational events.
const (
	NotificationSent    EventType = "NotificationSent"
	NotificationFailed  EventType = "NotificationFailed"
	NotificationSkipped EventType = "NotificationSkipped"
	SyncCompleted       EventType = "SyncCompleted"
)

// AggregateRequest is the aggregate type of every lifecycle event.
const AggregateRequest = "request"

// LifecycleEvents lists the event types notification endpoints can filter on.
var LifecycleEvents = []EventType{
	RequestPending,
	RequestSubmitted,
	RequestDenied,
	RequestFailed,
	RequestAlreadyExists,
	RequestPartiallyAvailable,
	RequestDownloading,
	RequestAvailable,
	RequestRemoved,
}

var statusEvents = map[Status]EventType{
	StatusPending:            RequestPending,
	StatusSubmitted:          RequestSubmitted,
	StatusDenied:             RequestDenied,
	StatusFailed:             RequestFailed,
	StatusAlreadyExists:      RequestAlreadyExists,
	StatusPartiallyAvailable: RequestPartiallyAvailable,
	StatusDownloading:        RequestDownloading,
	StatusAvailable:          RequestAvailable,
	StatusRemoved:            RequestRemoved,
}

// EventForStatus returns the lifecycle event emitted on entering status.
func EventForStatus(s Status) (EventType, bool) {
	et, ok := statusEvents[s]
	return et, ok
}

// IsLifecycle reports whether et is one of the request lifecycle events.
func (et EventType) IsLifecycle() bool {
	for _, l := range LifecycleEvents {
		if l == et {
			return true
		}
	}
	return false
}

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
	UserID        string                 `json:"user_id,omitempty"`
}

// =============================================================================
// Event data accessors
// =============================================================================

// GetString returns the string at key, or false if absent or not a string.
func (e *Event) GetString(key string) (string, bool) {
	v, ok := e.EventData[key].(string)
	return v, ok
}

func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 accepts int, int64 and float64 (what encoding/json produces).
func (e *Event) GetInt64(key string) (int64, bool) {
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

func (e *Event) GetFloat64Or(key string, defaultVal float64) float64 {
	switch v := e.EventData[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultVal
}

// =============================================================================
// Lifecycle event payload
// =============================================================================

// RequestEventData is the context carried by every lifecycle event.
// Year, Rating, Overview and ImagePath are optional and may be filled in
// later by notification enrichment.
type RequestEventData struct {
	RequestID   string      `json:"request_id"`
	RequestType RequestType `json:"request_type"`
	TmdbID      int64       `json:"tmdb_id"`
	TvdbID      int64       `json:"tvdb_id,omitempty"`
	Title       string      `json:"title"`
	Status      Status      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	RequestedBy string      `json:"requested_by"`
	Season      int         `json:"season,omitempty"`
	Year        int         `json:"year,omitempty"`
	Rating      float64     `json:"rating,omitempty"`
	Overview    string      `json:"overview,omitempty"`
	ImagePath   string      `json:"image_path,omitempty"`
}

// FailedReasonPublic is shown instead of the provider error on failed
// requests anywhere outside the admin view. The raw error stays in the
// stored status reason and the log.
const FailedReasonPublic = "The download manager could not be reached, check connectivity"

// PublicReason returns the status reason that may leave the server.
func PublicReason(status Status, reason string) string {
	if status == StatusFailed && reason != "" {
		return FailedReasonPublic
	}
	return reason
}

// NewRequestEventData captures the notification context of a request.
func NewRequestEventData(r *Request) RequestEventData {
	d := RequestEventData{
		RequestID:   r.ID,
		RequestType: r.Type,
		TmdbID:      r.TmdbID,
		TvdbID:      r.TvdbID,
		Title:       r.Title,
		Status:      r.Status,
		Reason:      PublicReason(r.Status, r.StatusReason),
		RequestedBy: r.RequestedBy,
	}
	if seasons := r.Seasons(); len(seasons) == 1 {
		d.Season = seasons[0]
	}
	return d
}

// ToMap flattens the payload into EventData form.
func (d RequestEventData) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"request_id":   d.RequestID,
		"request_type": string(d.RequestType),
		"tmdb_id":      d.TmdbID,
		"title":        d.Title,
		"status":       string(d.Status),
		"requested_by": d.RequestedBy,
	}
	if d.TvdbID != 0 {
		m["tvdb_id"] = d.TvdbID
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if d.Season != 0 {
		m["season"] = d.Season
	}
	if d.Year != 0 {
		m["year"] = d.Year
	}
	if d.Rating != 0 {
		m["rating"] = d.Rating
	}
	if d.Overview != "" {
		m["overview"] = d.Overview
	}
	if d.ImagePath != "" {
		m["image_path"] = d.ImagePath
	}
	return m
}

// ParseRequestEventData extracts the lifecycle payload from an event.
func (e *Event) ParseRequestEventData() (RequestEventData, bool) {
	requestID, ok := e.GetString("request_id")
	if !ok {
		return RequestEventData{}, false
	}
	return RequestEventData{
		RequestID:   requestID,
		RequestType: RequestType(e.GetStringOr("request_type", "")),
		TmdbID:      e.GetInt64Or("tmdb_id", 0),
		TvdbID:      e.GetInt64Or("tvdb_id", 0),
		Title:       e.GetStringOr("title", ""),
		Status:      Status(e.GetStringOr("status", "")),
		Reason:      e.GetStringOr("reason", ""),
		RequestedBy: e.GetStringOr("requested_by", ""),
		Season:      int(e.GetInt64Or("season", 0)),
		Year:        int(e.GetInt64Or("year", 0)),
		Rating:      e.GetFloat64Or("rating", 0),
		Overview:    e.GetStringOr("overview", ""),
		ImagePath:   e.GetStringOr("image_path", ""),
	}, true
}

// NewLifecycleEvent builds the event emitted when r enters its current status.
func NewLifecycleEvent(r *Request, actingUserID string) (Event, bool) {
	et, ok := EventForStatus(r.Status)
	if !ok {
		return Event{}, false
	}
	return Event{
		AggregateType: AggregateRequest,
		AggregateID:   r.ID,
		EventType:     et,
		EventData:     NewRequestEventData(r).ToMap(),
		UserID:        actingUserID,
	}, true
}
