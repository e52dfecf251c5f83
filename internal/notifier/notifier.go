// Package notifier turns request lifecycle events into notifications: the
// configured channel endpoints, a browser push to the requester and, for a
// few events, a direct Telegram message.
package notifier

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mescon/Requestarr/internal/clock"
	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
)

// dispatchTimeout bounds one event's endpoint fan-out including retries.
const dispatchTimeout = 2 * time.Minute

// UserDirectory resolves requesters. Satisfied by *db.Repository.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// DispatchResult counts endpoint outcomes for one event.
type DispatchResult struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
}

func (r *DispatchResult) add(outcome string) {
	switch outcome {
	case DeliverySent:
		r.Sent++
	case DeliveryFailed:
		r.Failed++
	case DeliverySkipped:
		r.Skipped++
	case outcomeDuplicate:
		r.Duplicates++
	}
}

const outcomeDuplicate = "duplicate"

// IdempotencyKey identifies one endpoint's delivery of one event for one
// request. A key already logged as sent is never sent again.
func IdempotencyKey(endpointID int64, et domain.EventType, requestID string) string {
	return fmt.Sprintf("%d:%s:%s", endpointID, et, requestID)
}

type Dispatcher struct {
	store    *Store
	users    UserDirectory
	metadata integration.MetadataProvider
	eb       eventbus.Publisher
	cfg      *config.Config
	clock    clock.Clock

	senders    map[string]Sender
	push       PushSender
	dm         DirectMessenger
	retryDelay time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(store *Store, users UserDirectory, metadata integration.MetadataProvider, eb eventbus.Publisher, cfg *config.Config, clk clock.Clock) *Dispatcher {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Dispatcher{
		store:      store,
		users:      users,
		metadata:   metadata,
		eb:         eb,
		cfg:        cfg,
		clock:      clk,
		senders:    defaultSenders(client),
		push:       webPushRelay{endpoint: cfg.WebPushEndpoint, client: client},
		dm:         telegramDM{token: cfg.TelegramBotToken},
		retryDelay: 2 * time.Second,
	}
}

// SetSender replaces the sender for a channel.
func (d *Dispatcher) SetSender(channel string, s Sender) {
	d.senders[channel] = s
}

// Start subscribes the three delivery paths to every lifecycle event. Each
// path fails independently of the others.
func (d *Dispatcher) Start() {
	eventbus.SubscribeLifecycle(d.eb, d.guard("endpoints", func(ctx context.Context, ev domain.Event) {
		d.Dispatch(ctx, ev)
	}))
	eventbus.SubscribeLifecycle(d.eb, d.guard("push", func(ctx context.Context, ev domain.Event) {
		if err := d.Push(ctx, ev); err != nil && !IsSkip(err) {
			logger.Warnf("Web push for %s failed: %v", ev.AggregateID, err)
		}
	}))
	eventbus.SubscribeLifecycle(d.eb, d.guard("telegram dm", func(ctx context.Context, ev domain.Event) {
		if err := d.DirectMessage(ctx, ev); err != nil && !IsSkip(err) {
			logger.Warnf("Telegram DM for %s failed: %v", ev.AggregateID, err)
		}
	}))
	logger.Infof("Notification dispatcher started")
}

// Wait blocks until in-flight handlers finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) guard(path string, fn func(context.Context, domain.Event)) func(domain.Event) {
	return func(ev domain.Event) {
		d.wg.Add(1)
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Notification %s handler panicked on %s: %v", path, ev.EventType, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		fn(ctx, ev)
	}
}

// Dispatch delivers ev to every matching endpoint. It never fails; outcomes
// are logged per endpoint and summarized in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) DispatchResult {
	var result DispatchResult

	data, ok := ev.ParseRequestEventData()
	if !ok {
		logger.Debugf("Event %s for %s has no request payload, not notifying", ev.EventType, ev.AggregateID)
		return result
	}
	data = d.enrich(ctx, data)
	requester := d.lookupUser(ctx, data.RequestedBy)

	endpoints, err := d.selectRecipients(ctx, ev.EventType, data.RequestedBy)
	if err != nil {
		logger.Errorf("Failed to load notification endpoints: %v", err)
		return result
	}
	if len(endpoints) == 0 {
		return result
	}

	msg := Render(ev.EventType, data, displayName(requester, data.RequestedBy), d.cfg.PublicURL, d.clock.Now())

	var mu sync.Mutex
	var g errgroup.Group
	for _, ep := range endpoints {
		g.Go(func() error {
			outcome := d.deliver(ctx, Delivery{Endpoint: ep, Message: msg, Recipient: requester})
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Debugf("Notified %s for %s: %d sent, %d failed, %d skipped, %d duplicate",
		ev.EventType, data.RequestID, result.Sent, result.Failed, result.Skipped, result.Duplicates)
	return result
}

// selectRecipients merges global and personal endpoints, dropping
// duplicates and those not subscribed to et.
func (d *Dispatcher) selectRecipients(ctx context.Context, et domain.EventType, requesterID string) ([]*Endpoint, error) {
	candidates, err := d.store.Recipients(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(candidates))
	selected := make([]*Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if seen[ep.ID] || !ep.Enabled || !ep.Wants(et) {
			continue
		}
		seen[ep.ID] = true
		selected = append(selected, ep)
	}
	return selected, nil
}

// deliver runs one endpoint delivery through dedup, retries and the
// delivery log, returning the outcome.
func (d *Dispatcher) deliver(ctx context.Context, del Delivery) string {
	ep, msg := del.Endpoint, del.Message
	key := IdempotencyKey(ep.ID, msg.EventType, msg.Data.RequestID)

	if sent, err := d.store.WasSent(ctx, key); err != nil {
		logger.Debugf("Delivery log lookup for %s failed, sending anyway: %v", key, err)
	} else if sent {
		logger.Debugf("Skipping %s: already delivered", key)
		return outcomeDuplicate
	}

	maxAttempts := d.cfg.NotificationMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	attempts := 0
	sender, ok := d.senders[ep.Channel]
	if !ok {
		err = Skip(fmt.Sprintf("no sender for channel %q", ep.Channel))
	}
	for ok && attempts < maxAttempts {
		attempts++
		err = d.sendOnce(ctx, sender, del)
		if err == nil || IsSkip(err) {
			break
		}
		logger.Debugf("Endpoint %d attempt %d/%d for %s failed: %v", ep.ID, attempts, maxAttempts, msg.EventType, err)
		if attempts < maxAttempts && !d.sleep(ctx, d.retryDelay*time.Duration(attempts)) {
			break
		}
	}

	rec := DeliveryRecord{
		EndpointID:     ep.ID,
		IdempotencyKey: key,
		EventType:      string(msg.EventType),
		RequestID:      msg.Data.RequestID,
		Attempts:       attempts,
		CreatedAt:      d.clock.Now(),
	}
	switch {
	case err == nil:
		rec.Status = DeliverySent
		logger.Debugf("Sent %s to endpoint %d (%s)", msg.EventType, ep.ID, ep.Name)
	case IsSkip(err):
		rec.Status = DeliverySkipped
		rec.Error = err.Error()
		logger.Infof("Skipped %s for endpoint %d (%s): %v", msg.EventType, ep.ID, ep.Name, err)
	default:
		rec.Status = DeliveryFailed
		rec.Error = err.Error()
		logger.Errorf("Failed to send %s to endpoint %d (%s) after %d attempts: %v", msg.EventType, ep.ID, ep.Name, attempts, err)
	}

	// The log write must survive a caller that already gave up.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeQueryTimeout)
	defer cancel()
	if logErr := d.store.LogDelivery(logCtx, rec); logErr != nil {
		logger.Errorf("%v", logErr)
	}
	d.publishOutcome(ep, rec)
	return rec.Status
}

func (d *Dispatcher) sendOnce(ctx context.Context, s Sender, del Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return s.Send(ctx, del)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var outcomeEvents = map[string]domain.EventType{
	DeliverySent:    domain.NotificationSent,
	DeliveryFailed:  domain.NotificationFailed,
	DeliverySkipped: domain.NotificationSkipped,
}

func (d *Dispatcher) publishOutcome(ep *Endpoint, rec DeliveryRecord) {
	data := map[string]interface{}{
		"endpoint_id":   ep.ID,
		"endpoint_name": ep.Name,
		"channel":       ep.Channel,
		"trigger_event": rec.EventType,
		"attempts":      rec.Attempts,
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	if err := d.eb.Publish(domain.Event{
		AggregateType: domain.AggregateRequest,
		AggregateID:   rec.RequestID,
		EventType:     outcomeEvents[rec.Status],
		EventData:     data,
	}); err != nil {
		logger.Debugf("Failed to publish %s event: %v", outcomeEvents[rec.Status], err)
	}
}

// Push sends the browser push side channel for ev.
func (d *Dispatcher) Push(ctx context.Context, ev domain.Event) error {
	data, ok := ev.ParseRequestEventData()
	if !ok {
		return Skip("no request payload")
	}
	user := d.lookupUser(ctx, data.RequestedBy)
	if user == nil {
		return Skip("requester unknown")
	}
	msg := Render(ev.EventType, data, displayName(user, data.RequestedBy), d.cfg.PublicURL, d.clock.Now())
	return d.push.Push(ctx, user, msg)
}

// DirectMessage sends the Telegram DM side channel for ev. Only the events
// in dmEvents qualify.
func (d *Dispatcher) DirectMessage(ctx context.Context, ev domain.Event) error {
	if !dmEvents[ev.EventType] {
		return Skip("event not sent as a direct message")
	}
	data, ok := ev.ParseRequestEventData()
	if !ok {
		return Skip("no request payload")
	}
	user := d.lookupUser(ctx, data.RequestedBy)
	if user == nil {
		return Skip("requester unknown")
	}
	msg := Render(ev.EventType, data, displayName(user, data.RequestedBy), d.cfg.PublicURL, d.clock.Now())
	return d.dm.DirectMessage(ctx, user, msg)
}

// SendTest delivers a sample notification to one endpoint, bypassing event
// filters and dedup. Skip errors are returned so the caller sees why.
func (d *Dispatcher) SendTest(ctx context.Context, endpointID int64, actor *domain.User) error {
	ep, err := d.store.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	sender, ok := d.senders[ep.Channel]
	if !ok {
		return Skip(fmt.Sprintf("no sender for channel %q", ep.Channel))
	}

	data := domain.RequestEventData{
		RequestID:   "test",
		RequestType: domain.RequestMovie,
		Title:       "Requestarr Test Notification",
		Status:      domain.StatusAvailable,
		Overview:    "Your notification endpoint is working.",
	}
	name := "Requestarr"
	if actor != nil {
		data.RequestedBy = actor.ID
		name = actor.Username
	}
	msg := Render(domain.RequestAvailable, data, name, d.cfg.PublicURL, d.clock.Now())

	err = d.sendOnce(ctx, sender, Delivery{Endpoint: ep, Message: msg, Recipient: actor})
	rec := DeliveryRecord{
		EndpointID:     ep.ID,
		IdempotencyKey: fmt.Sprintf("test:%d:%d", ep.ID, d.clock.Now().UnixNano()),
		EventType:      "test",
		Status:         DeliverySent,
		CreatedAt:      d.clock.Now(),
	}
	if err != nil {
		rec.Status, rec.Error = DeliveryFailed, err.Error()
		if IsSkip(err) {
			rec.Status = DeliverySkipped
		}
	}
	if logErr := d.store.LogDelivery(ctx, rec); logErr != nil {
		logger.Errorf("%v", logErr)
	}
	return err
}

// enrich fills missing overview, artwork, year and rating from the
// metadata provider. Lookup failures leave data as it was.
func (d *Dispatcher) enrich(ctx context.Context, data domain.RequestEventData) domain.RequestEventData {
	if d.metadata == nil || data.TmdbID == 0 {
		return data
	}
	if data.Overview != "" && data.ImagePath != "" && data.Year != 0 && data.Rating != 0 {
		return data
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	var meta *integration.Metadata
	var err error
	if data.RequestType == domain.RequestEpisode {
		meta, err = d.metadata.GetTv(ctx, data.TmdbID)
	} else {
		meta, err = d.metadata.GetMovie(ctx, data.TmdbID)
	}
	if err != nil {
		logger.Debugf("Metadata enrichment for tmdb %d failed: %v", data.TmdbID, err)
		return data
	}

	if data.Title == "" {
		data.Title = meta.Title
	}
	if data.Overview == "" {
		data.Overview = meta.Overview
	}
	if data.ImagePath == "" {
		data.ImagePath = meta.ImagePath
	}
	if data.Year == 0 {
		data.Year = meta.Year
	}
	if data.Rating == 0 {
		data.Rating = meta.Rating
	}
	return data
}

func (d *Dispatcher) lookupUser(ctx context.Context, id string) *domain.User {
	if id == "" || d.users == nil {
		return nil
	}
	u, err := d.users.GetUser(ctx, id)
	if err != nil {
		logger.Debugf("Could not resolve requester %s: %v", id, err)
		return nil
	}
	return u
}

func displayName(u *domain.User, fallback string) string {
	if u != nil && u.Username != "" {
		return u.Username
	}
	return fallback
}
