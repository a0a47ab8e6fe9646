// Package fanout broadcasts freshly written snapshots to live viewers.
//
// Delivery is at-most-once: a subscriber that is not connected at publish
// time, or whose buffer is full, misses the event. The snapshot store stays
// the source of truth.
package fanout

import (
	"fmt"
	"sync"

	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/pkg/logger"
)

// Topic identifies the stream of one promoter as seen by its owner.
type Topic struct {
	PromoterID string
	UserID     string
}

func (t Topic) String() string {
	return fmt.Sprintf("%s-%s", t.PromoterID, t.UserID)
}

// Subscription receives snapshots published on its topic until Close.
type Subscription struct {
	topic Topic
	ch    chan *models.Snapshot
	hub   *Hub
	once  sync.Once
}

// C returns the delivery channel. It is closed after Close or Hub.Close.
func (s *Subscription) C() <-chan *models.Snapshot {
	return s.ch
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is an in-process publish/subscribe registry.
type Hub struct {
	mu     sync.RWMutex
	subs   map[Topic]map[*Subscription]struct{}
	buffer int
	closed bool
	log    *logger.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[Topic]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log.WithComponent("fanout"),
	}
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *models.Snapshot, h.buffer),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[topic] = set
	}
	set[sub] = struct{}{}

	h.log.Debug().
		Str("topic", topic.String()).
		Int("subscribers", len(set)).
		Msg("Subscriber added")
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.topic)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers snapshot to every current subscriber of topic without
// blocking. It returns the number of subscribers that received it.
func (h *Hub) Publish(topic Topic, snapshot *models.Snapshot) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- snapshot:
			delivered++
		default:
			h.log.Warn().
				Str("topic", topic.String()).
				Uint("snapshot_id", snapshot.ID).
				Msg("Subscriber buffer full, dropping update")
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers on topic
func (h *Hub) Subscribers(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Topics returns the number of topics with at least one subscriber
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for topic, set := range h.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(h.subs, topic)
	}
}
