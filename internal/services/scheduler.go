package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/Requestarr/internal/clock"
	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/logger"
	"github.com/mescon/Requestarr/internal/requests"
)

// ErrSyncInProgress is returned when a full sync pass is requested while
// another one is still running.
var ErrSyncInProgress = errors.New("a sync pass is already running")

const (
	// retentionSchedule runs the daily prune at 03:30.
	retentionSchedule = "30 3 * * *"
	syncTimeout       = 10 * time.Minute
	// bulkRetryDelay is the floor for re-arming a bulk flush that found a
	// full pass running.
	bulkRetryDelay = 5 * time.Second
)

// Syncer is the part of the request service the scheduler drives.
type Syncer interface {
	SyncPendingRequests(ctx context.Context) (requests.Summary, error)
	SyncRequests(ctx context.Context, ids []string) requests.Summary
}

// Maintainer prunes old rows. Satisfied by *db.Repository.
type Maintainer interface {
	RunMaintenance(cutoff time.Time) (db.PruneResult, error)
}

type SchedulerService struct {
	syncer Syncer
	maint  Maintainer
	cfg    *config.Config
	clock  clock.Clock
	cron   *cron.Cron

	syncEntry cron.EntryID
	syncing   atomic.Bool

	mu        sync.Mutex
	bulkIDs   []string
	bulkSeen  map[string]bool
	bulkTimer clock.Timer
	stopped   bool
	wg        sync.WaitGroup
}

func NewSchedulerService(syncer Syncer, maint Maintainer, cfg *config.Config, clk clock.Clock) *SchedulerService {
	return &SchedulerService{
		syncer:   syncer,
		maint:    maint,
		cfg:      cfg,
		clock:    clk,
		cron:     cron.New(),
		bulkSeen: make(map[string]bool),
	}
}

// Start registers the background sync and retention jobs and starts cron.
func (s *SchedulerService) Start() error {
	logger.Infof("Starting Scheduler Service...")

	if _, err := cron.ParseStandard(s.cfg.SyncSchedule); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.cfg.SyncSchedule, err)
	}
	id, err := s.cron.AddFunc(s.cfg.SyncSchedule, s.scheduledSync)
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.syncEntry = id

	if s.maint != nil && s.cfg.RetentionDays > 0 {
		if _, err := s.cron.AddFunc(retentionSchedule, s.scheduledRetention); err != nil {
			return fmt.Errorf("failed to schedule retention: %w", err)
		}
	}

	s.cron.Start()
	logger.Infof("✓ Background sync scheduled (%s), retention %d days", s.cfg.SyncSchedule, s.cfg.RetentionDays)
	return nil
}

// Stop halts cron, cancels a pending bulk sync and waits for running jobs.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.stopped = true
	if s.bulkTimer != nil {
		s.bulkTimer.Stop()
		s.bulkTimer = nil
	}
	if n := len(s.bulkIDs); n > 0 {
		logger.Infof("Dropping deferred sync of %d bulk-approved requests; the next background sync submits them", n)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// NextSync returns when the background sync runs next, zero before Start.
func (s *SchedulerService) NextSync() time.Time {
	if s.syncEntry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.syncEntry).Next
}

// TriggerSync runs a full sync pass now unless one is already running.
func (s *SchedulerService) TriggerSync(ctx context.Context) (requests.Summary, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		return requests.Summary{}, ErrSyncInProgress
	}
	defer s.syncing.Store(false)
	return s.syncer.SyncPendingRequests(ctx)
}

func (s *SchedulerService) scheduledSync() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if _, err := s.TriggerSync(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			logger.Debugf("Skipping scheduled sync: previous pass still running")
			return
		}
		logger.Errorf("Scheduled sync failed: %v", err)
	}
}

// ScheduleBulkSync queues ids for a sync after BulkApproveSyncDelay. Calls
// inside one window share a single follow-up pass.
func (s *SchedulerService) ScheduleBulkSync(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if !s.bulkSeen[id] {
			s.bulkSeen[id] = true
			s.bulkIDs = append(s.bulkIDs, id)
		}
	}
	if s.bulkTimer == nil {
		s.bulkTimer = s.clock.AfterFunc(s.cfg.BulkApproveSyncDelay, s.flushBulk)
		logger.Infof("Submitting bulk-approved requests in %v", s.cfg.BulkApproveSyncDelay)
	}
}

// PendingBulk returns how many bulk-approved ids await the follow-up pass.
func (s *SchedulerService) PendingBulk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bulkIDs)
}

// flushBulk submits the queued ids. It shares the syncing flag with full
// passes; if one is running the ids stay queued and the timer is re-armed.
func (s *SchedulerService) flushBulk() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.syncing.CompareAndSwap(false, true) {
		delay := s.cfg.BulkApproveSyncDelay
		if delay < bulkRetryDelay {
			delay = bulkRetryDelay
		}
		s.bulkTimer = s.clock.AfterFunc(delay, s.flushBulk)
		s.mu.Unlock()
		logger.Debugf("Sync pass running, deferring bulk approval follow-up by %v", delay)
		return
	}
	defer s.syncing.Store(false)
	ids := s.bulkIDs
	s.bulkIDs = nil
	s.bulkSeen = make(map[string]bool)
	s.bulkTimer = nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	summary := s.syncer.SyncRequests(ctx, ids)
	logger.Infof("Bulk approval follow-up: %s", summary.Message())
}

// RunRetention prunes events and delivery log rows older than RetentionDays.
func (s *SchedulerService) RunRetention() (db.PruneResult, error) {
	if s.maint == nil || s.cfg.RetentionDays <= 0 {
		return db.PruneResult{}, nil
	}
	return s.maint.RunMaintenance(clock.DaysAgo(s.clock, s.cfg.RetentionDays))
}

func (s *SchedulerService) scheduledRetention() {
	if _, err := s.RunRetention(); err != nil {
		logger.Errorf("Retention job failed: %v", err)
	}
}
