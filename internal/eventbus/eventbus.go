package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

// Publisher defines the interface for publishing events.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

var _ Publisher = (*EventBus)(nil)

// EventBus persists every event to the events table, then hands it to
// in-process subscribers. Each subscriber runs in its own goroutine fed by a
// buffered channel.
type EventBus struct {
	db          *sql.DB
	subscribers map[domain.EventType][]chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	dropped     atomic.Uint64
}

func NewEventBus(db *sql.DB) *EventBus {
	return &EventBus{
		db:          db,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

func (eb *EventBus) Publish(event domain.Event) error {
	logger.Debugf("EventBus: Publishing event %s (AggregateID: %s)", event.EventType, event.AggregateID)

	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	res, err := db.ExecWithRetry(eb.db, `
        INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, event.AggregateType, event.AggregateID, event.EventType, string(eventDataJSON), event.EventVersion,
		db.FormatTime(event.CreatedAt), event.UserID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.EventType] {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
			logger.Warnf("EventBus: subscriber buffer full, dropped %s for %s", event.EventType, event.AggregateID)
		}
	}
	return nil
}

func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, 100)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event := <-ch:
				eb.dispatch(handler, event)
			case <-eb.stopChan:
				return
			}
		}
	}()
}

// SubscribeLifecycle registers handler for every request lifecycle event.
func SubscribeLifecycle(p Publisher, handler func(domain.Event)) {
	for _, et := range domain.LifecycleEvents {
		p.Subscribe(et, handler)
	}
}

// dispatch runs handler, logging instead of propagating a panic.
func (eb *EventBus) dispatch(handler func(domain.Event), event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("EventBus: handler for %s panicked: %v", event.EventType, r)
		}
	}()
	handler(event)
}

// Dropped returns the number of deliveries lost to full subscriber buffers.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// History returns the persisted events for one aggregate, oldest first.
func (eb *EventBus) History(aggregateID string) ([]domain.Event, error) {
	rows, err := eb.db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id
		FROM events WHERE aggregate_id = ? ORDER BY id ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var data, createdAt string
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &data, &e.EventVersion, &createdAt, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", e.ID, err)
		}
		e.CreatedAt = db.ParseTime(createdAt)
		e.UserID = userID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Shutdown stops all subscriber goroutines and waits for them to finish.
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() { close(eb.stopChan) })
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
