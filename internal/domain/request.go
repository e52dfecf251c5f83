package domain

import (
	"fmt"
	"sort"
	"time"
)

// RequestType distinguishes movie requests from TV episode requests.
type RequestType string

const (
	RequestMovie   RequestType = "movie"
	RequestEpisode RequestType = "episode"
)

func (t RequestType) Valid() bool {
	return t == RequestMovie || t == RequestEpisode
}

// Provider names the external download manager that owns an item.
type Provider string

const (
	ProviderRadarr Provider = "radarr" // movie manager
	ProviderSonarr Provider = "sonarr" // episode manager
)

// ProviderFor returns the manager responsible for a request type.
func ProviderFor(t RequestType) Provider {
	if t == RequestEpisode {
		return ProviderSonarr
	}
	return ProviderRadarr
}

// BulkApprovedReason marks requests that were approved in bulk and still
// await provider submission.
const BulkApprovedReason = "bulk approved"

// Submission records how approval reached the provider. Only titles the
// service added itself are removed from the provider when a request is
// deleted.
type Submission string

const (
	SubmissionNone   Submission = ""
	SubmissionLinked Submission = "linked" // approval reused a title already in the library
	SubmissionAdded  Submission = "added"  // approval added the title
)

// Request is a single user ask for a movie or a set of episodes.
type Request struct {
	ID           string        `json:"id"`
	Type         RequestType   `json:"request_type"`
	TmdbID       int64         `json:"tmdb_id"`
	TvdbID       int64         `json:"tvdb_id,omitempty"`
	Title        string        `json:"title"`
	Status       Status        `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	RequestedBy  string        `json:"requested_by"`
	ActedBy      string        `json:"acted_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Submission   Submission    `json:"submission,omitempty"`
	Items        []RequestItem `json:"items"`

	// Version is bumped on every save; a save carrying a stale version is rejected.
	Version int64 `json:"-"`
}

// RequestItem is the per-title (movie) or per-episode sub-state of a Request.
// Nil Season and Episode mean the whole title.
type RequestItem struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Provider   Provider  `json:"provider"`
	ProviderID *int64    `json:"provider_id,omitempty"`
	Season     *int      `json:"season,omitempty"`
	Episode    *int      `json:"episode,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Key identifies the item's (season, episode) slot for cross-request dedup.
func (i RequestItem) Key() string {
	s, e := "-", "-"
	if i.Season != nil {
		s = fmt.Sprint(*i.Season)
	}
	if i.Episode != nil {
		e = fmt.Sprint(*i.Episode)
	}
	return s + "x" + e
}

func (i RequestItem) HasProviderID() bool {
	return i.ProviderID != nil && *i.ProviderID > 0
}

// SetStatus moves the request and every item to status.
func (r *Request) SetStatus(status Status, reason string) {
	r.Status = status
	r.StatusReason = reason
	for i := range r.Items {
		r.Items[i].Status = status
	}
}

// SetProviderID records the provider-side id on every item.
func (r *Request) SetProviderID(id int64) {
	for i := range r.Items {
		v := id
		r.Items[i].ProviderID = &v
	}
}

// ProviderID returns the first provider id found on the request's items.
func (r *Request) ProviderID() (int64, bool) {
	for _, it := range r.Items {
		if it.HasProviderID() {
			return *it.ProviderID, true
		}
	}
	return 0, false
}

// RecordSubmission notes how approval reached the provider. Once the
// service has added the title, a later link does not downgrade it.
func (r *Request) RecordSubmission(sub Submission) {
	if r.Submission == SubmissionAdded {
		return
	}
	r.Submission = sub
}

// Seasons returns the distinct seasons targeted by the request, sorted.
func (r *Request) Seasons() []int {
	seen := make(map[int]bool)
	var out []int
	for _, it := range r.Items {
		if it.Season == nil || seen[*it.Season] {
			continue
		}
		seen[*it.Season] = true
		out = append(out, *it.Season)
	}
	sort.Ints(out)
	return out
}

// AwaitingSubmission reports whether a bulk-approved request has not yet
// reached its provider.
func (r *Request) AwaitingSubmission() bool {
	if r.Status != StatusSubmitted || r.StatusReason != BulkApprovedReason {
		return false
	}
	_, ok := r.ProviderID()
	return !ok
}

// IntPtr is a convenience for building items with season/episode numbers.
func IntPtr(v int) *int { return &v }

// Int64Ptr is the int64 counterpart of IntPtr.
func Int64Ptr(v int64) *int64 { return &v }

// Role controls which request operations a user may perform.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
	RoleUser  Role = "user"
)

// CanApprove reports whether the role may approve, deny or delete requests.
func (r Role) CanApprove() bool {
	return r == RoleAdmin || r == RoleStaff
}

// User is a member of the request directory.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Role           Role      `json:"role"`
	Email          string    `json:"email,omitempty"`
	TelegramChatID string    `json:"telegram_chat_id,omitempty"`
	PushEnabled    bool      `json:"push_enabled"`
	CreatedAt      time.Time `json:"created_at"`
}
