// ABOUTME: In-memory fan-out broadcaster for bot state-change events
// ABOUTME: Publishes to subscribers of the event's tenant and of the wildcard topic

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/botfleet/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllTenants subscribes to events from every tenant.
	AllTenants = "*"
)

// EventType names a state change.
type EventType string

const (
	EventRegistered         EventType = "bot.registered"
	EventStatus             EventType = "bot.status"
	EventApproved           EventType = "bot.approved"
	EventRejected           EventType = "bot.rejected"
	EventExpired            EventType = "bot.expired"
	EventDeleted            EventType = "bot.deleted"
	EventCredentialsRotated EventType = "bot.credentials_rotated"
	EventIdentityMoved      EventType = "identity.moved"
)

// Event is a state-change notification.
type Event struct {
	Type     EventType
	BotID    string
	Tenant   string
	Identity string
	Status   store.BotStatus
	Detail   map[string]any
	At       time.Time
}

// Publisher is the sink core components publish to. Delivery is best effort.
type Publisher interface {
	Publish(event Event)
}

// Broadcaster provides in-memory pub/sub for Events. Subscribers register
// for a tenant name or AllTenants.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given topic.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends event to subscribers of its tenant and of AllTenants.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	// Sends are non-blocking, so holding the read lock keeps Close from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliverLocked(event.Tenant, event)
	if event.Tenant != AllTenants {
		b.deliverLocked(AllTenants, event)
	}
}

func (b *Broadcaster) deliverLocked(topic string, event Event) {
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"type", event.Type,
				"bot_id", event.BotID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
