package services

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/models"
)

const subscriberBuffer = 64

// EventBus is an in-memory typed broadcast channel for live analysis
// events. Publishing is serialized, so every subscriber observes events in
// publication order; a subscriber that falls more than a buffer behind
// loses events rather than blocking the publisher.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan models.AnalysisEvent
	nextID int
	log    *logrus.Entry
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]chan models.AnalysisEvent),
		log:  logrus.WithField("component", "events"),
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *EventBus) Subscribe() (<-chan models.AnalysisEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.AnalysisEvent, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every registered subscriber. Delivery is
// best-effort per subscriber: when a subscriber's buffer is full the event
// is dropped for that subscriber instead of blocking the publisher.
func (b *EventBus) Publish(ev models.AnalysisEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warnf("subscriber %d lagging, dropping %s event", id, ev.Type)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
