package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

// LifecycleQueue is the durable queue lifecycle events are mirrored to.
const LifecycleQueue = "requestarr.lifecycle"

const publishTimeout = 5 * time.Second

// amqpChannel is the subset of *amqp.Channel the bridge uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a channel with the lifecycle queue declared.
type dialFunc func(url string) (amqpChannel, func() error, error)

// LifecycleMessage is the JSON body published for every lifecycle event.
type LifecycleMessage struct {
	EventType   domain.EventType       `json:"event_type"`
	RequestID   string                 `json:"request_id"`
	Data        map[string]interface{} `json:"data"`
	ActedBy     string                 `json:"acted_by,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
}

// AMQPBridge mirrors lifecycle events onto a RabbitMQ queue. Delivery is best
// effort: a failed publish is logged, the connection is reopened on the next
// event, and the in-process bus is never affected.
type AMQPBridge struct {
	url  string
	dial dialFunc

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
	published uint64
	failed    uint64
}

// NewAMQPBridge connects to url and declares the lifecycle queue.
func NewAMQPBridge(url string) (*AMQPBridge, error) {
	b := &AMQPBridge{url: url, dial: dialAMQP}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(LifecycleQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return ch, conn.Close, nil
}

func (b *AMQPBridge) connect() error {
	ch, closeConn, err := b.dial(b.url)
	if err != nil {
		return err
	}
	b.ch = ch
	b.closeConn = closeConn
	return nil
}

// Attach subscribes the bridge to every lifecycle event on p.
func (b *AMQPBridge) Attach(p Publisher) {
	SubscribeLifecycle(p, func(e domain.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := b.Forward(ctx, e); err != nil {
			logger.Warnf("AMQP: failed to forward %s for %s: %v", e.EventType, e.AggregateID, err)
		}
	})
}

// Forward publishes one event as a persistent JSON message.
func (b *AMQPBridge) Forward(ctx context.Context, e domain.Event) error {
	body, err := json.Marshal(LifecycleMessage{
		EventType:   e.EventType,
		RequestID:   e.AggregateID,
		Data:        e.EventData,
		ActedBy:     e.UserID,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal lifecycle message: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(e.EventType),
		MessageId:    fmt.Sprintf("%s:%s:%d", e.AggregateID, e.EventType, e.ID),
		Body:         body,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil {
		if err := b.connect(); err != nil {
			b.failed++
			return err
		}
	}

	if err := b.ch.PublishWithContext(ctx, "", LifecycleQueue, false, false, msg); err != nil {
		b.failed++
		b.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	b.published++
	return nil
}

// Stats returns (published, failed) counts.
func (b *AMQPBridge) Stats() (uint64, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.failed
}

func (b *AMQPBridge) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.closeConn != nil {
		_ = b.closeConn()
	}
	b.ch = nil
	b.closeConn = nil
}

// Close releases the channel and connection.
func (b *AMQPBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	logger.Infof("AMQP bridge closed")
}
