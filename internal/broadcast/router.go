package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsprackett/agent-mascot/internal/events"
)

const defaultBuffer = 16

// Subscription receives every event published on its topic after it was
// created, until Close.
type Subscription struct {
	topic  string
	ch     chan events.Event
	router *Router
	once   sync.Once
	// dropped counts events discarded because the buffer was full.
	dropped atomic.Int64
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan events.Event {
	return s.ch
}

func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.router.remove(s)
	})
}

// Router fans published events out to the subscribers of exactly one topic.
// Delivery is fire-and-forget: nothing is buffered for future subscribers and
// a full subscriber buffer drops the event for that subscriber only.
type Router struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
		logger: logger,
	}
}

// SetBuffer changes the per-subscriber buffer for subscriptions created
// afterwards.
func (r *Router) SetBuffer(n int) {
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	r.buffer = n
	r.mu.Unlock()
}

func (r *Router) Subscribe(topic string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan events.Event, r.buffer),
		router: r,
	}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[sub.topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.topics, sub.topic)
	}
	close(sub.ch)
}

// Publish implements events.Broadcaster.
func (r *Router) Publish(topic string, e events.Event) {
	// Sends happen under the read lock so that remove cannot close a channel
	// mid-send.
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.topics[topic] {
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			r.logger.Warn("broadcast: subscriber too slow, event dropped",
				"event", e.Event,
				"dropped", n,
			)
		}
	}
}

func (r *Router) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}
