package testutil

import (
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
)

// RequestOption customizes a fixture request.
type RequestOption func(*domain.Request)

// WithRequester sets the requesting user id.
func WithRequester(userID string) RequestOption {
	return func(r *domain.Request) {
		r.RequestedBy = userID
	}
}

// WithProviderID records id on every item.
func WithProviderID(id int64) RequestOption {
	return func(r *domain.Request) {
		r.SetProviderID(id)
	}
}

// WithSubmission records how approval reached the provider.
func WithSubmission(sub domain.Submission) RequestOption {
	return func(r *domain.Request) {
		r.Submission = sub
	}
}

func WithTvdbID(id int64) RequestOption {
	return func(r *domain.Request) {
		r.TvdbID = id
	}
}

// WithReason sets the status reason.
func WithReason(reason string) RequestOption {
	return func(r *domain.Request) {
		r.StatusReason = reason
	}
}

// WithItemStatus overrides the status of item i.
func WithItemStatus(i int, status domain.Status) RequestOption {
	return func(r *domain.Request) {
		r.Items[i].Status = status
	}
}

// NewMovieRequest builds a movie request for tmdbID with one item in status.
func NewMovieRequest(id string, tmdbID int64, status domain.Status, opts ...RequestOption) *domain.Request {
	r := &domain.Request{
		ID:          id,
		Type:        domain.RequestMovie,
		TmdbID:      tmdbID,
		Title:       "Movie " + id,
		RequestedBy: "alice",
		Items:       []domain.RequestItem{{Provider: domain.ProviderRadarr}},
	}
	r.SetStatus(status, "")
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEpisodeRequest builds an episode request for one season.
func NewEpisodeRequest(id string, tmdbID int64, season int, episodes []int, status domain.Status, opts ...RequestOption) *domain.Request {
	r := &domain.Request{
		ID:          id,
		Type:        domain.RequestEpisode,
		TmdbID:      tmdbID,
		Title:       "Show " + id,
		RequestedBy: "alice",
	}
	for _, e := range episodes {
		r.Items = append(r.Items, domain.RequestItem{
			Provider: domain.ProviderSonarr,
			Season:   domain.IntPtr(season),
			Episode:  domain.IntPtr(e),
		})
	}
	r.SetStatus(status, "")
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SeasonEpisodes builds the provider episode list for one season. Episodes
// listed in withFiles report HasFile. Episode ids are seriesID*1000 + number.
func SeasonEpisodes(seriesID int64, season, count int, withFiles ...int) []integration.Episode {
	has := make(map[int]bool, len(withFiles))
	for _, n := range withFiles {
		has[n] = true
	}
	out := make([]integration.Episode, 0, count)
	for n := 1; n <= count; n++ {
		out = append(out, integration.Episode{
			ID:            EpisodeID(seriesID, n),
			SeriesID:      seriesID,
			SeasonNumber:  season,
			EpisodeNumber: n,
			HasFile:       has[n],
			Monitored:     false,
		})
	}
	return out
}

// EpisodeID is the id SeasonEpisodes assigns to episode n of seriesID.
func EpisodeID(seriesID int64, n int) int64 {
	return seriesID*1000 + int64(n)
}

// QueueEntry builds a queue record for one episode with the given
// download status ("downloading", "completed", "failed", ...).
func QueueEntry(id, seriesID int64, season, episode int, status string) integration.QueueItem {
	return integration.QueueItem{
		ID:       id,
		Status:   status,
		SeriesID: seriesID,
		Episode: &integration.QueueEpisode{
			ID:            EpisodeID(seriesID, episode),
			SeasonNumber:  season,
			EpisodeNumber: episode,
		},
		EpisodeID: EpisodeID(seriesID, episode),
	}
}
