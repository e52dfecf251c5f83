// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mescon/Requestarr/internal/clock"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock with manually advanced time, so deferred
// work such as the bulk-approve follow-up sync can be fired on demand.
type MockClock struct {
	mu           sync.Mutex
	now          time.Time
	pendingFuncs []pendingFunc
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
}

// MockTimer implements clock.Timer for testing.
type MockTimer struct {
	clock *MockClock
	index int
}

var _ clock.Clock = (*MockClock)(nil)

func NewMockClock() *MockClock {
	return &MockClock{now: time.Now()}
}

// NewMockClockAt creates a MockClock starting at t.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has been advanced past d.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := len(m.pendingFuncs)
	m.pendingFuncs = append(m.pendingFuncs, pendingFunc{executeAt: m.now.Add(d), fn: f})
	return &MockTimer{clock: m, index: index}
}

// Advance moves time forward and runs every function that became due.
// Returns how many ran.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped && !pf.executeAt.After(m.now) {
			due = append(due, pf.fn)
			pf.stopped = true
		}
	}
	m.mu.Unlock()

	// Run outside the lock: callbacks may schedule more work.
	for _, fn := range due {
		fn()
	}
	return len(due)
}

// PendingCount returns the number of scheduled functions that have neither
// run nor been stopped.
func (m *MockClock) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, pf := range m.pendingFuncs {
		if !pf.stopped {
			count++
		}
	}
	return count
}

// Stop cancels the timer. It returns false if it already fired or was stopped.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < len(t.clock.pendingFuncs) && !t.clock.pendingFuncs[t.index].stopped {
		t.clock.pendingFuncs[t.index].stopped = true
		return true
	}
	return false
}

// =============================================================================
// Call recording
// =============================================================================

// MockCall records a method call for verification in tests.
type MockCall struct {
	Method string
	Args   []interface{}
}

// CallRecorder is embedded by the provider mocks.
type CallRecorder struct {
	mu    sync.Mutex
	Calls []MockCall
}

func (r *CallRecorder) recordCall(method string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, MockCall{Method: method, Args: args})
}

// CallCount returns the number of times a method was called.
func (r *CallRecorder) CallCount(method string) int {
	return len(r.CallsTo(method))
}

// CallsTo returns the recorded calls of one method, oldest first.
func (r *CallRecorder) CallsTo(method string) []MockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MockCall
	for _, call := range r.Calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the call history.
func (r *CallRecorder) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

// =============================================================================
// MockMovieProvider
// =============================================================================

// MockMovieProvider implements integration.MovieProvider. Methods delegate to
// the function fields; an unset lookup reports integration.ErrNotFound and an
// unset mutation succeeds.
type MockMovieProvider struct {
	CallRecorder
	Unconfigured bool

	AddTitleFunc         func(tmdbID int64, meta integration.MovieMetadata) (*integration.Movie, error)
	DeleteTitleFunc      func(movieID int64, deleteFiles, addExclusion bool) error
	GetMovieFunc         func(movieID int64) (*integration.Movie, error)
	FindByTmdbIDFunc     func(tmdbID int64) (*integration.Movie, error)
	ListLibraryFunc      func() ([]integration.Movie, error)
	GetAllQueueItemsFunc func() ([]integration.QueueItem, error)
	ListLogsFunc         func(page, pageSize int) (*integration.LogResponse, error)
	SystemStatusFunc     func() (*integration.SystemStatus, error)
}

var _ integration.MovieProvider = (*MockMovieProvider)(nil)

func (m *MockMovieProvider) Name() string     { return "radarr" }
func (m *MockMovieProvider) Configured() bool { return !m.Unconfigured }

func (m *MockMovieProvider) AddTitle(_ context.Context, tmdbID int64, meta integration.MovieMetadata) (*integration.Movie, error) {
	m.recordCall("AddTitle", tmdbID, meta)
	if m.AddTitleFunc != nil {
		return m.AddTitleFunc(tmdbID, meta)
	}
	return &integration.Movie{ID: tmdbID, TmdbID: tmdbID, Title: meta.Title}, nil
}

func (m *MockMovieProvider) DeleteTitle(_ context.Context, movieID int64, deleteFiles, addExclusion bool) error {
	m.recordCall("DeleteTitle", movieID, deleteFiles, addExclusion)
	if m.DeleteTitleFunc != nil {
		return m.DeleteTitleFunc(movieID, deleteFiles, addExclusion)
	}
	return nil
}

func (m *MockMovieProvider) GetMovie(_ context.Context, movieID int64) (*integration.Movie, error) {
	m.recordCall("GetMovie", movieID)
	if m.GetMovieFunc != nil {
		return m.GetMovieFunc(movieID)
	}
	return nil, integration.ErrNotFound
}

func (m *MockMovieProvider) FindByTmdbID(_ context.Context, tmdbID int64) (*integration.Movie, error) {
	m.recordCall("FindByTmdbID", tmdbID)
	if m.FindByTmdbIDFunc != nil {
		return m.FindByTmdbIDFunc(tmdbID)
	}
	return nil, integration.ErrNotFound
}

func (m *MockMovieProvider) ListLibrary(_ context.Context) ([]integration.Movie, error) {
	m.recordCall("ListLibrary")
	if m.ListLibraryFunc != nil {
		return m.ListLibraryFunc()
	}
	return nil, nil
}

func (m *MockMovieProvider) ListQueue(ctx context.Context, page, pageSize int) (*integration.QueueResponse, error) {
	items, err := m.GetAllQueueItems(ctx)
	if err != nil {
		return nil, err
	}
	return &integration.QueueResponse{Page: page, PageSize: pageSize, TotalRecords: len(items), Records: items}, nil
}

func (m *MockMovieProvider) GetAllQueueItems(_ context.Context) ([]integration.QueueItem, error) {
	m.recordCall("GetAllQueueItems")
	if m.GetAllQueueItemsFunc != nil {
		return m.GetAllQueueItemsFunc()
	}
	return nil, nil
}

func (m *MockMovieProvider) ListLogs(_ context.Context, page, pageSize int) (*integration.LogResponse, error) {
	m.recordCall("ListLogs", page, pageSize)
	if m.ListLogsFunc != nil {
		return m.ListLogsFunc(page, pageSize)
	}
	return &integration.LogResponse{Page: page, PageSize: pageSize}, nil
}

func (m *MockMovieProvider) SystemStatus(_ context.Context) (*integration.SystemStatus, error) {
	m.recordCall("SystemStatus")
	if m.SystemStatusFunc != nil {
		return m.SystemStatusFunc()
	}
	return &integration.SystemStatus{AppName: "Radarr"}, nil
}

// =============================================================================
// MockEpisodeProvider
// =============================================================================

// MockEpisodeProvider implements integration.EpisodeProvider with the same
// conventions as MockMovieProvider.
type MockEpisodeProvider struct {
	CallRecorder
	Unconfigured bool

	LookupByTvdbIDFunc      func(tvdbID int64) ([]integration.Series, error)
	AddFromLookupFunc       func(candidate integration.Series, monitored bool) (*integration.Series, error)
	ListSeriesFunc          func() ([]integration.Series, error)
	GetSeriesFunc           func(seriesID int64) (*integration.Series, error)
	GetEpisodesFunc         func(seriesID int64) ([]integration.Episode, error)
	SetEpisodeMonitoredFunc func(episodeIDs []int64, monitored bool) error
	SearchEpisodesFunc      func(episodeIDs []int64) error
	DeleteSeriesFunc        func(seriesID int64, deleteFiles, addExclusion bool) error
	GetAllQueueItemsFunc    func() ([]integration.QueueItem, error)
	RemoveFromQueueFunc     func(queueID int64, removeFromClient, blocklist bool) error
	ListLogsFunc            func(page, pageSize int) (*integration.LogResponse, error)
	SystemStatusFunc        func() (*integration.SystemStatus, error)
}

var _ integration.EpisodeProvider = (*MockEpisodeProvider)(nil)

func (m *MockEpisodeProvider) Name() string     { return "sonarr" }
func (m *MockEpisodeProvider) Configured() bool { return !m.Unconfigured }

func (m *MockEpisodeProvider) LookupByTvdbID(_ context.Context, tvdbID int64) ([]integration.Series, error) {
	m.recordCall("LookupByTvdbID", tvdbID)
	if m.LookupByTvdbIDFunc != nil {
		return m.LookupByTvdbIDFunc(tvdbID)
	}
	return nil, nil
}

func (m *MockEpisodeProvider) AddFromLookup(_ context.Context, candidate integration.Series, monitored bool) (*integration.Series, error) {
	m.recordCall("AddFromLookup", candidate, monitored)
	if m.AddFromLookupFunc != nil {
		return m.AddFromLookupFunc(candidate, monitored)
	}
	added := candidate
	added.ID = candidate.TvdbID
	return &added, nil
}

func (m *MockEpisodeProvider) ListSeries(_ context.Context) ([]integration.Series, error) {
	m.recordCall("ListSeries")
	if m.ListSeriesFunc != nil {
		return m.ListSeriesFunc()
	}
	return nil, nil
}

func (m *MockEpisodeProvider) GetSeries(_ context.Context, seriesID int64) (*integration.Series, error) {
	m.recordCall("GetSeries", seriesID)
	if m.GetSeriesFunc != nil {
		return m.GetSeriesFunc(seriesID)
	}
	return nil, integration.ErrNotFound
}

func (m *MockEpisodeProvider) GetEpisodes(_ context.Context, seriesID int64) ([]integration.Episode, error) {
	m.recordCall("GetEpisodes", seriesID)
	if m.GetEpisodesFunc != nil {
		return m.GetEpisodesFunc(seriesID)
	}
	return nil, nil
}

func (m *MockEpisodeProvider) SetEpisodeMonitored(_ context.Context, episodeIDs []int64, monitored bool) error {
	m.recordCall("SetEpisodeMonitored", episodeIDs, monitored)
	if m.SetEpisodeMonitoredFunc != nil {
		return m.SetEpisodeMonitoredFunc(episodeIDs, monitored)
	}
	return nil
}

func (m *MockEpisodeProvider) SearchEpisodes(_ context.Context, episodeIDs []int64) error {
	m.recordCall("SearchEpisodes", episodeIDs)
	if m.SearchEpisodesFunc != nil {
		return m.SearchEpisodesFunc(episodeIDs)
	}
	return nil
}

func (m *MockEpisodeProvider) DeleteSeries(_ context.Context, seriesID int64, deleteFiles, addExclusion bool) error {
	m.recordCall("DeleteSeries", seriesID, deleteFiles, addExclusion)
	if m.DeleteSeriesFunc != nil {
		return m.DeleteSeriesFunc(seriesID, deleteFiles, addExclusion)
	}
	return nil
}

func (m *MockEpisodeProvider) ListQueue(ctx context.Context, page, pageSize int) (*integration.QueueResponse, error) {
	items, err := m.GetAllQueueItems(ctx)
	if err != nil {
		return nil, err
	}
	return &integration.QueueResponse{Page: page, PageSize: pageSize, TotalRecords: len(items), Records: items}, nil
}

func (m *MockEpisodeProvider) GetAllQueueItems(_ context.Context) ([]integration.QueueItem, error) {
	m.recordCall("GetAllQueueItems")
	if m.GetAllQueueItemsFunc != nil {
		return m.GetAllQueueItemsFunc()
	}
	return nil, nil
}

func (m *MockEpisodeProvider) RemoveFromQueue(_ context.Context, queueID int64, removeFromClient, blocklist bool) error {
	m.recordCall("RemoveFromQueue", queueID, removeFromClient, blocklist)
	if m.RemoveFromQueueFunc != nil {
		return m.RemoveFromQueueFunc(queueID, removeFromClient, blocklist)
	}
	return nil
}

func (m *MockEpisodeProvider) ListLogs(_ context.Context, page, pageSize int) (*integration.LogResponse, error) {
	m.recordCall("ListLogs", page, pageSize)
	if m.ListLogsFunc != nil {
		return m.ListLogsFunc(page, pageSize)
	}
	return &integration.LogResponse{Page: page, PageSize: pageSize}, nil
}

func (m *MockEpisodeProvider) SystemStatus(_ context.Context) (*integration.SystemStatus, error) {
	m.recordCall("SystemStatus")
	if m.SystemStatusFunc != nil {
		return m.SystemStatusFunc()
	}
	return &integration.SystemStatus{AppName: "Sonarr"}, nil
}

// =============================================================================
// MockMetadataProvider
// =============================================================================

// MockMetadataProvider implements integration.MetadataProvider. Unset
// functions report integration.ErrNotFound.
type MockMetadataProvider struct {
	CallRecorder

	GetMovieFunc         func(tmdbID int64) (*integration.Metadata, error)
	GetTvFunc            func(tmdbID int64) (*integration.Metadata, error)
	GetTvExternalIdsFunc func(tmdbID int64) (*integration.ExternalIDs, error)
}

var _ integration.MetadataProvider = (*MockMetadataProvider)(nil)

func (m *MockMetadataProvider) GetMovie(_ context.Context, tmdbID int64) (*integration.Metadata, error) {
	m.recordCall("GetMovie", tmdbID)
	if m.GetMovieFunc != nil {
		return m.GetMovieFunc(tmdbID)
	}
	return nil, integration.ErrNotFound
}

func (m *MockMetadataProvider) GetTv(_ context.Context, tmdbID int64) (*integration.Metadata, error) {
	m.recordCall("GetTv", tmdbID)
	if m.GetTvFunc != nil {
		return m.GetTvFunc(tmdbID)
	}
	return nil, integration.ErrNotFound
}

func (m *MockMetadataProvider) GetTvExternalIds(_ context.Context, tmdbID int64) (*integration.ExternalIDs, error) {
	m.recordCall("GetTvExternalIds", tmdbID)
	if m.GetTvExternalIdsFunc != nil {
		return m.GetTvExternalIdsFunc(tmdbID)
	}
	return nil, integration.ErrNotFound
}

// =============================================================================
// MockEventBus
// =============================================================================

// MockEventBus captures published events and notifies subscribers
// synchronously. Implements eventbus.Publisher.
type MockEventBus struct {
	mu              sync.Mutex
	PublishedEvents []domain.Event
	Subscribers     map[domain.EventType][]func(domain.Event)
}

var _ eventbus.Publisher = (*MockEventBus)(nil)

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		Subscribers: make(map[domain.EventType][]func(domain.Event)),
	}
}

// Publish stores the event and notifies subscribers synchronously.
func (m *MockEventBus) Publish(event domain.Event) error {
	m.mu.Lock()
	m.PublishedEvents = append(m.PublishedEvents, event)
	subscribers := m.Subscribers[event.EventType]
	m.mu.Unlock()

	for _, handler := range subscribers {
		handler(event)
	}
	return nil
}

func (m *MockEventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscribers[eventType] = append(m.Subscribers[eventType], handler)
}

// GetEvents returns all published events of a given type.
func (m *MockEventBus) GetEvents(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Event
	for _, e := range m.PublishedEvents {
		if e.EventType == eventType {
			result = append(result, e)
		}
	}
	return result
}

// GetAllEvents returns a copy of every published event.
func (m *MockEventBus) GetAllEvents() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]domain.Event, len(m.PublishedEvents))
	copy(result, m.PublishedEvents)
	return result
}

// Reset clears published events but keeps subscribers.
func (m *MockEventBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedEvents = nil
}

func (m *MockEventBus) EventCount(eventType domain.EventType) int {
	return len(m.GetEvents(eventType))
}

// LastEvent returns the most recently published event, or nil if none.
func (m *MockEventBus) LastEvent() *domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PublishedEvents) == 0 {
		return nil
	}
	e := m.PublishedEvents[len(m.PublishedEvents)-1]
	return &e
}
