// Package broadcast fans party events out to topic subscribers.
//
// Topics are plain strings (party/{id}, party/listing, user/{id}/notifications)
// and carry typed event envelopes. Delivery is best effort: a subscriber that
// stops draining its channel loses events rather than stalling publishers.
package broadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/squadup/partyhub/internal/party/event"
)

// DefaultSubscriberBuffer is the per-subscription channel capacity.
const DefaultSubscriberBuffer = 16

// Subscription is a live feed of events for a single topic.
type Subscription struct {
	topic string
	hub   *Hub

	// mu serializes deliver against Cancel so a publish racing an
	// unsubscribe never sends on the closed channel.
	mu     sync.Mutex
	events chan event.Event
	closed bool
}

// Events returns the subscription's delivery channel. The channel closes when
// the subscription is cancelled.
func (s *Subscription) Events() <-chan event.Event {
	return s.events
}

// Topic returns the topic this subscription listens to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Cancel removes the subscription from its topic and closes the channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.hub.remove(s)

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

// deliver attempts a non-blocking send. Returns false when the subscription
// is cancelled or its buffer is full.
func (s *Subscription) deliver(evt event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

// Hub routes events to topic subscribers.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int

	publishedTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer overrides the per-subscription channel capacity.
func WithBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// NewHub constructs a topic hub and registers its metrics with registerer.
// A nil registerer skips metric registration, which tests rely on.
func NewHub(registerer prometheus.Registerer, opts ...Option) *Hub {
	hub := &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: DefaultSubscriberBuffer,
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partyhub_broadcast_events_published_total",
			Help: "Events delivered to topic subscribers.",
		}, []string{"event_type"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partyhub_broadcast_events_dropped_total",
			Help: "Events dropped because a subscriber channel was full.",
		}, []string{"event_type"}),
	}
	for _, opt := range opts {
		opt(hub)
	}
	if registerer != nil {
		registerer.MustRegister(hub.publishedTotal, hub.droppedTotal)
	}
	return hub
}

// Subscribe registers a new subscription for topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		events: make(chan event.Event, h.buffer),
		hub:    h,
	}

	h.mu.Lock()
	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[*Subscription]struct{})
		h.topics[topic] = subscribers
	}
	subscribers[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish delivers evt to every subscriber of every topic in topics. Slow
// subscribers are skipped, never waited on.
func (h *Hub) Publish(evt event.Event, topics ...string) {
	h.mu.Lock()
	var targets []*Subscription
	for _, topic := range topics {
		for sub := range h.topics[topic] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if sub.deliver(evt) {
			h.publishedTotal.WithLabelValues(string(evt.Type)).Inc()
		} else {
			h.droppedTotal.WithLabelValues(string(evt.Type)).Inc()
		}
	}
}

// SubscriberCount reports how many subscriptions a topic currently has.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	delete(subscribers, sub)
	if len(subscribers) == 0 {
		delete(h.topics, sub.topic)
	}
}
