package requests

import (
	"context"
	"sort"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
)

// MergedItem is the combined status of one (season, episode) slot across all
// requests for a title.
type MergedItem struct {
	Season  *int          `json:"season,omitempty"`
	Episode *int          `json:"episode,omitempty"`
	Status  domain.Status `json:"status"`
}

// MergedView is the cross-request status of a title.
type MergedView struct {
	TmdbID     int64         `json:"tmdb_id"`
	Status     domain.Status `json:"status"`
	RequestIDs []string      `json:"request_ids"`
	Items      []MergedItem  `json:"items"`
}

// MergeRequests folds requests targeting the same title into one view.
// Request statuses merge by RequestStatusPriority, duplicate items by
// ItemStatusPriority.
func MergeRequests(reqs []*domain.Request) MergedView {
	var view MergedView
	slots := make(map[string]*MergedItem)
	var order []string

	for i, r := range reqs {
		view.TmdbID = r.TmdbID
		view.RequestIDs = append(view.RequestIDs, r.ID)
		if i == 0 {
			view.Status = r.Status
		} else {
			view.Status = domain.PickStatus(view.Status, r.Status, domain.RequestStatusPriority)
		}

		for _, it := range r.Items {
			key := it.Key()
			slot, ok := slots[key]
			if !ok {
				slots[key] = &MergedItem{Season: it.Season, Episode: it.Episode, Status: it.Status}
				order = append(order, key)
				continue
			}
			slot.Status = domain.PickStatus(slot.Status, it.Status, domain.ItemStatusPriority)
		}
	}

	for _, key := range order {
		view.Items = append(view.Items, *slots[key])
	}
	sort.SliceStable(view.Items, func(i, j int) bool {
		a, b := view.Items[i], view.Items[j]
		if deref(a.Season) != deref(b.Season) {
			return deref(a.Season) < deref(b.Season)
		}
		return deref(a.Episode) < deref(b.Episode)
	})
	return view
}

func deref(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// MediaStatus returns the merged view of every request for tmdbID. It
// returns ErrNotFound when nothing has been requested.
func (s *Service) MediaStatus(ctx context.Context, tmdbID int64, typ domain.RequestType) (*MergedView, error) {
	reqs, err := s.store.ListRequests(ctx, db.RequestFilter{TmdbID: tmdbID, Type: typ})
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNotFound
	}
	view := MergeRequests(reqs)
	return &view, nil
}
