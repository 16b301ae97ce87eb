// Package fanout provides the in-process dispatch stage that sits between a
// single message source and many subscribers. Every subscriber owns a bounded
// buffer; dispatch never blocks, and a subscriber whose buffer is full loses
// the message and is told so with a gap marker on its next read.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/resumable-stream-go/broadcast"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 64

// Hub routes messages by topic to the subscribers of that topic.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscriber]struct{}
	buffer  int
	closed  bool
	onEmpty func(topic string)
}

// Subscriber is one consumer's view of a topic.
type Subscriber struct {
	hub    *Hub
	topic  string
	ch     chan broadcast.Message
	done   chan struct{}
	lagged atomic.Bool
	closed atomic.Bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOnEmpty registers a callback invoked after the last subscriber of a topic
// leaves. It runs without the hub's lock held.
func WithOnEmpty(fn func(topic string)) Option {
	return func(h *Hub) { h.onEmpty = fn }
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{topics: make(map[string]map[*Subscriber]struct{}), buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add registers a new subscriber for topic. first reports whether it is the
// only subscriber of the topic, i.e. the caller should start listening upstream.
func (h *Hub) Add(topic string) (sub *Subscriber, first bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false, broadcast.ErrClosed
	}

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.topics[topic] = subs
	}
	sub = &Subscriber{
		hub:   h,
		topic: topic,
		ch:    make(chan broadcast.Message, h.buffer),
		done:  make(chan struct{}),
	}
	subs[sub] = struct{}{}
	return sub, len(subs) == 1, nil
}

// Dispatch delivers msg to every subscriber of topic without blocking and
// returns how many subscribers received it.
func (h *Hub) Dispatch(topic string, msg broadcast.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.topics[topic] {
		if sub.offer(msg) {
			delivered++
		}
	}
	return delivered
}

// Lag tells every current subscriber it may have missed messages. Idle
// subscribers are woken with a gap marker.
func (h *Hub) Lag() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, subs := range h.topics {
		for sub := range subs {
			sub.offer(broadcast.Gap())
		}
	}
}

// Len returns the number of subscribers of topic.
func (h *Hub) Len(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscriber
	for _, set := range h.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.topics = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	subs, ok := h.topics[sub.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, sub)
	empty := len(subs) == 0
	if empty {
		delete(h.topics, sub.topic)
	}
	h.mu.Unlock()

	if empty && h.onEmpty != nil {
		h.onEmpty(sub.topic)
	}
}

// offer must be called with the hub's read lock held so that it never races a
// removal.
func (s *Subscriber) offer(msg broadcast.Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.lagged.Store(true)
		return false
	}
}

// Next implements broadcast.Subscription.Next. A pending gap is reported
// before any buffered message.
func (s *Subscriber) Next(ctx context.Context) (broadcast.Message, error) {
	if s.closed.Load() {
		return broadcast.Message{}, broadcast.ErrClosed
	}
	if s.lagged.CompareAndSwap(true, false) {
		return broadcast.Gap(), nil
	}

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return broadcast.Message{}, broadcast.ErrClosed
	case <-ctx.Done():
		return broadcast.Message{}, ctx.Err()
	}
}

// Close implements broadcast.Subscription.Close.
func (s *Subscriber) Close() error {
	if s.stop() {
		s.hub.remove(s)
	}
	return nil
}

func (s *Subscriber) stop() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	return true
}

// Compile-time interface check
var _ broadcast.Subscription = (*Subscriber)(nil)
