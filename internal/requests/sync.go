package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// Sync triggers, recorded on SyncCompleted events.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerBulk      = "bulk_approve"
)

// SyncableStatuses are the statuses a background sync pass re-evaluates.
var SyncableStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusSubmitted,
	domain.StatusDownloading,
	domain.StatusPartiallyAvailable,
}

// Summary counts the outcome of a sync pass. Status counters reflect the
// resulting status of every processed request, so an unchanged provider state
// yields the same Summary on every run.
type Summary struct {
	Processed          int `json:"processed"`
	Available          int `json:"available"`
	PartiallyAvailable int `json:"partially_available"`
	Downloading        int `json:"downloading"`
	Removed            int `json:"removed"`
	Errors             int `json:"errors"`
}

func (s *Summary) count(status domain.Status) {
	s.Processed++
	switch status {
	case domain.StatusAvailable:
		s.Available++
	case domain.StatusPartiallyAvailable:
		s.PartiallyAvailable++
	case domain.StatusDownloading:
		s.Downloading++
	case domain.StatusRemoved:
		s.Removed++
	}
}

func (s *Summary) add(o Summary) {
	s.Processed += o.Processed
	s.Available += o.Available
	s.PartiallyAvailable += o.PartiallyAvailable
	s.Downloading += o.Downloading
	s.Removed += o.Removed
	s.Errors += o.Errors
}

// Message renders the summary for admins, e.g.
// "Synced 5 requests: 2 available, 1 downloading, 1 error".
func (s Summary) Message() string {
	head := fmt.Sprintf("Synced %d %s", s.Processed, plural(s.Processed, "request", "requests"))
	var parts []string
	if s.Available > 0 {
		parts = append(parts, fmt.Sprintf("%d available", s.Available))
	}
	if s.PartiallyAvailable > 0 {
		parts = append(parts, fmt.Sprintf("%d partially available", s.PartiallyAvailable))
	}
	if s.Downloading > 0 {
		parts = append(parts, fmt.Sprintf("%d downloading", s.Downloading))
	}
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", s.Removed))
	}
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", s.Errors, plural(s.Errors, "error", "errors")))
	}
	if len(parts) == 0 {
		return head
	}
	return head + ": " + strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// SyncRequestByID reconciles one request. Without force, a terminal request
// only has its non-terminal items re-evaluated.
func (s *Service) SyncRequestByID(ctx context.Context, id string, force bool) (Summary, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	run := s.newSyncRun(TriggerManual)
	var summary Summary
	summary.add(run.syncOne(ctx, req, force, false))
	s.finishRun(ctx, run, summary)
	return summary, nil
}

// SyncPendingRequests reconciles every request that has not reached a final
// state. It only fails when the request list cannot be loaded.
func (s *Service) SyncPendingRequests(ctx context.Context) (Summary, error) {
	reqs, err := s.store.ListRequests(ctx, db.RequestFilter{Statuses: SyncableStatuses})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list requests to sync: %w", err)
	}
	return s.syncBatch(ctx, reqs, TriggerScheduled), nil
}

// SyncRequests reconciles the given ids. Unknown ids are skipped.
func (s *Service) SyncRequests(ctx context.Context, ids []string) Summary {
	var reqs []*domain.Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			logger.Debugf("Skipping sync of request %s: %v", id, err)
			continue
		}
		reqs = append(reqs, req)
	}
	return s.syncBatch(ctx, reqs, TriggerBulk)
}

func (s *Service) syncBatch(ctx context.Context, reqs []*domain.Request, trigger string) Summary {
	run := s.newSyncRun(trigger)

	var (
		mu      sync.Mutex
		summary Summary
	)
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, req := range reqs {
		g.Go(func() error {
			result := run.syncOne(ctx, req, false, true)
			mu.Lock()
			summary.add(result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.finishRun(ctx, run, summary)
	return summary
}

func (s *Service) finishRun(ctx context.Context, run *syncRun, summary Summary) {
	s.bustCache(ctx)

	elapsed := time.Since(run.started)
	if summary.Processed > 0 || summary.Errors > 0 {
		logger.Infof("%s (%s, %v)", summary.Message(), run.trigger, elapsed.Round(time.Millisecond))
	} else {
		logger.Debugf("Sync pass (%s) found nothing to do", run.trigger)
	}

	if s.eventBus == nil {
		return
	}
	err := s.eventBus.Publish(domain.Event{
		AggregateType: "sync",
		AggregateID:   uuid.New().String(),
		EventType:     domain.SyncCompleted,
		EventData: map[string]interface{}{
			"processed":           summary.Processed,
			"available":           summary.Available,
			"partially_available": summary.PartiallyAvailable,
			"downloading":         summary.Downloading,
			"removed":             summary.Removed,
			"errors":              summary.Errors,
			"duration_ms":         elapsed.Milliseconds(),
			"trigger":             run.trigger,
		},
	})
	if err != nil {
		logger.Errorf("Failed to publish sync summary: %v", err)
	}
}

// syncRun is the state shared by one sync pass. Each provider's download
// queue is fetched at most once per pass.
type syncRun struct {
	s       *Service
	trigger string
	started time.Time

	mu     sync.Mutex
	queues map[domain.Provider]*queueSnapshot
}

type queueSnapshot struct {
	once  sync.Once
	items []integration.QueueItem
	err   error
}

func (s *Service) newSyncRun(trigger string) *syncRun {
	return &syncRun{
		s:       s,
		trigger: trigger,
		started: time.Now(),
		queues:  make(map[domain.Provider]*queueSnapshot),
	}
}

func (run *syncRun) queue(ctx context.Context, p domain.Provider) ([]integration.QueueItem, error) {
	run.mu.Lock()
	snap, ok := run.queues[p]
	if !ok {
		snap = &queueSnapshot{}
		run.queues[p] = snap
	}
	run.mu.Unlock()

	snap.once.Do(func() {
		callCtx, cancel := run.s.callCtx(ctx)
		defer cancel()
		switch p {
		case domain.ProviderRadarr:
			snap.items, snap.err = run.s.providers.Movies.GetAllQueueItems(callCtx)
		case domain.ProviderSonarr:
			snap.items, snap.err = run.s.providers.Episodes.GetAllQueueItems(callCtx)
		default:
			snap.err = fmt.Errorf("no queue for provider %q", p)
		}
		if snap.err != nil {
			logger.Warnf("Failed to fetch %s queue: %v", p, snap.err)
		}
	})
	return snap.items, snap.err
}

// syncOne reconciles a single request and returns its contribution to the
// Summary. bulk skips terminal requests outright; otherwise terminal items
// are left alone unless force is set.
func (run *syncRun) syncOne(ctx context.Context, req *domain.Request, force, bulk bool) (result Summary) {
	s := run.s
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Panic while syncing request %s: %v", req.ID, r)
			result = Summary{Errors: 1}
		}
	}()

	// The batch was listed before this worker started. Work from the stored
	// copy so an approval or denial that landed in between is not overwritten.
	unlock := s.locks.lock(req.ID)
	defer unlock()
	fresh, err := s.store.GetRequest(ctx, req.ID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Debugf("Request %s was deleted before it could be synced", req.ID)
		return Summary{}
	}
	if err != nil {
		logger.Warnf("Failed to reload request %s for sync: %v", req.ID, err)
		return Summary{Errors: 1}
	}
	req = fresh

	if req.Status.IsTerminal() && bulk {
		return Summary{}
	}

	if req.AwaitingSubmission() {
		if err := s.submit(ctx, req, req.ActedBy); err != nil {
			if errors.Is(err, ErrConflict) {
				logger.Debugf("Request %s changed during deferred submission, skipping", req.ID)
				return Summary{}
			}
			if isPrecondition(err) {
				// submit leaves precondition failures untouched; a deferred
				// submission has no caller to report them to.
				previous := req.Status
				req.SetStatus(domain.StatusFailed, err.Error())
				if saveErr := s.save(ctx, req, previous, req.ActedBy); saveErr != nil {
					logger.Errorf("Failed to record failure of request %s: %v", req.ID, saveErr)
				}
			}
			logger.Warnf("Deferred submission of request %s failed: %v", req.ID, err)
			return Summary{Errors: 1}
		}
	}

	targets := make([]int, 0, len(req.Items))
	for i, it := range req.Items {
		if force || !it.Status.IsTerminal() {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return Summary{}
	}

	before := fingerprint(req)
	previous := req.Status

	switch req.Type {
	case domain.RequestMovie:
		err = run.evaluateMovie(ctx, req, targets)
	case domain.RequestEpisode:
		err = run.evaluateEpisodes(ctx, req, targets)
	default:
		err = fmt.Errorf("unknown request type %q", req.Type)
	}
	if err != nil {
		logger.Warnf("Sync of request %s (%q) failed: %v", req.ID, req.Title, err)
		return Summary{Errors: 1}
	}

	statuses := make([]domain.Status, len(req.Items))
	for i, it := range req.Items {
		statuses[i] = it.Status
	}
	req.Status = domain.AggregateStatus(statuses, req.Status)
	if req.Status != previous {
		req.StatusReason = ""
	}

	if fingerprint(req) != before {
		if err := s.save(ctx, req, previous, ""); err != nil {
			if errors.Is(err, ErrConflict) {
				logger.Debugf("Request %s changed during sync, keeping the newer state", req.ID)
				return Summary{}
			}
			logger.Errorf("Failed to save synced request %s: %v", req.ID, err)
			return Summary{Errors: 1}
		}
		if req.Status != previous {
			logger.Infof("Request %s (%q) %s -> %s", req.ID, req.Title, previous, req.Status)
		}
	}

	var summary Summary
	summary.count(req.Status)
	return summary
}

// fingerprint captures everything sync may change, to skip no-op writes.
func fingerprint(req *domain.Request) string {
	var b strings.Builder
	b.WriteString(string(req.Status))
	for _, it := range req.Items {
		b.WriteByte('|')
		b.WriteString(it.Key())
		b.WriteByte('=')
		b.WriteString(string(it.Status))
		if it.ProviderID != nil {
			fmt.Fprintf(&b, "#%d", *it.ProviderID)
		}
	}
	return b.String()
}

func (run *syncRun) evaluateMovie(ctx context.Context, req *domain.Request, targets []int) error {
	s := run.s
	movies := s.providers.Movies
	if movies == nil || !movies.Configured() {
		return integration.ErrNotConfigured
	}

	var (
		movie *integration.Movie
		err   error
	)
	callCtx, cancel := s.callCtx(ctx)
	providerID, known := req.ProviderID()
	if known {
		movie, err = movies.GetMovie(callCtx, providerID)
	} else {
		movie, err = movies.FindByTmdbID(callCtx, req.TmdbID)
	}
	cancel()

	switch {
	case errors.Is(err, integration.ErrNotFound):
		if known {
			setItems(req, targets, domain.StatusRemoved)
		}
		return nil
	case err != nil:
		return err
	}
	if !known {
		req.SetProviderID(movie.ID)
	}

	if movie.Available() {
		setItems(req, targets, domain.StatusAvailable)
		return nil
	}

	queue, err := run.queue(ctx, domain.ProviderRadarr)
	if err != nil {
		return err
	}
	var active, failed bool
	for _, q := range queue {
		if q.MovieID != movie.ID {
			continue
		}
		if q.Active() {
			active = true
		} else if q.Failed() {
			failed = true
		}
	}
	switch {
	case active:
		setItems(req, targets, domain.StatusDownloading)
	case failed:
		setItems(req, targets, domain.StatusFailed)
	}
	return nil
}

func (run *syncRun) evaluateEpisodes(ctx context.Context, req *domain.Request, targets []int) error {
	s := run.s
	episodes := s.providers.Episodes
	if episodes == nil || !episodes.Configured() {
		return integration.ErrNotConfigured
	}

	series, err := run.resolveSeries(ctx, req)
	if errors.Is(err, integration.ErrNotFound) {
		if _, known := req.ProviderID(); known {
			setItems(req, targets, domain.StatusRemoved)
		}
		return nil
	}
	if err != nil {
		return err
	}

	callCtx, cancel := s.callCtx(ctx)
	list, err := episodes.GetEpisodes(callCtx, series.ID)
	cancel()
	if err != nil {
		return err
	}
	files := make(map[EpisodeRef]bool, len(list))
	for _, ep := range list {
		files[EpisodeRef{Season: ep.SeasonNumber, Episode: ep.EpisodeNumber}] = ep.HasFile
	}

	queue, err := run.queue(ctx, domain.ProviderSonarr)
	if err != nil {
		return err
	}
	active := make(map[EpisodeRef]bool)
	failed := make(map[EpisodeRef]bool)
	for _, q := range queue {
		if q.SeriesID != series.ID {
			continue
		}
		season, episode, ok := q.EpisodeRef()
		if !ok {
			continue
		}
		ref := EpisodeRef{Season: season, Episode: episode}
		switch {
		case q.Active():
			active[ref] = true
		case q.Failed():
			failed[ref] = true
		}
	}

	for _, i := range targets {
		it := &req.Items[i]
		if it.Season == nil || it.Episode == nil {
			continue
		}
		ref := EpisodeRef{Season: *it.Season, Episode: *it.Episode}
		switch {
		case active[ref]:
			it.Status = domain.StatusDownloading
		case files[ref]:
			it.Status = domain.StatusAvailable
		case failed[ref]:
			it.Status = domain.StatusFailed
		}
	}
	if _, known := req.ProviderID(); !known {
		req.SetProviderID(series.ID)
	}
	return nil
}

// resolveSeries finds the request's series by provider id, falling back to a
// library match on TVDB id. integration.ErrNotFound means it is not in the
// library.
func (run *syncRun) resolveSeries(ctx context.Context, req *domain.Request) (*integration.Series, error) {
	s := run.s
	episodes := s.providers.Episodes

	if id, ok := req.ProviderID(); ok {
		callCtx, cancel := s.callCtx(ctx)
		defer cancel()
		return episodes.GetSeries(callCtx, id)
	}

	if req.TvdbID <= 0 {
		if err := s.resolveTvdbID(ctx, req); err != nil {
			if errors.Is(err, ErrMissingTvdbID) {
				return nil, integration.ErrNotFound
			}
			return nil, err
		}
	}

	callCtx, cancel := s.callCtx(ctx)
	library, err := episodes.ListSeries(callCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	for i := range library {
		if library[i].TvdbID == req.TvdbID {
			return &library[i], nil
		}
	}
	return nil, integration.ErrNotFound
}

func setItems(req *domain.Request, targets []int, status domain.Status) {
	for _, i := range targets {
		req.Items[i].Status = status
	}
}
