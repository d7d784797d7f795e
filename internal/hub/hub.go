// Package hub provides single-producer, multi-consumer fan-out of terminal
// output frames with bounded per-consumer buffering.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// DefaultMaxFrames bounds a subscriber's queue in frames.
	DefaultMaxFrames = 256

	// DefaultMaxBytes bounds a subscriber's queue in bytes.
	DefaultMaxBytes = 2 << 20
)

// Subscriber is one consumer's view of the hub. Frames are delivered in
// publish order; a subscriber that falls behind either bound is evicted and
// its Evicted channel closes.
type Subscriber struct {
	id     string
	frames chan []byte
	queued atomic.Int64

	evictOnce sync.Once
	evicted   chan struct{}
}

// ID returns the subscriber's viewer ID.
func (s *Subscriber) ID() string {
	return s.id
}

// Frames returns the delivery channel. After pulling a frame the consumer
// must call Ack with its length so byte accounting stays correct.
func (s *Subscriber) Frames() <-chan []byte {
	return s.frames
}

// Ack releases queue budget for a frame previously received from Frames.
func (s *Subscriber) Ack(n int) {
	s.queued.Add(-int64(n))
}

// Evicted returns a channel that is closed when the hub drops this
// subscriber for slowness.
func (s *Subscriber) Evicted() <-chan struct{} {
	return s.evicted
}

func (s *Subscriber) evict() {
	s.evictOnce.Do(func() {
		close(s.evicted)
	})
}

// Hub fans one producer's frames out to every live subscriber.
type Hub struct {
	maxFrames int
	maxBytes  int64

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New creates a hub with the given per-subscriber bounds. Non-positive
// values fall back to the defaults.
func New(maxFrames int, maxBytes int64) *Hub {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Hub{
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
		subs:      make(map[string]*Subscriber),
	}
}

// Subscribe registers a new consumer with an empty queue.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:      uuid.New().String(),
		frames:  make(chan []byte, h.maxFrames),
		evicted: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a consumer and drains its queue.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	for {
		select {
		case <-sub.frames:
		default:
			return
		}
	}
}

// Publish appends the frame to every live subscriber's queue. It never
// blocks: a subscriber whose queue would exceed either bound is evicted
// instead, leaving the others unaffected. The same frame slice is shared by
// every queue; consumers must not mutate it.
func (h *Hub) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	// Snapshot so no channel send happens under the table lock.
	h.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	for _, sub := range snapshot {
		if sub.queued.Load()+int64(len(frame)) > h.maxBytes {
			h.drop(sub)
			continue
		}
		select {
		case sub.frames <- frame:
			sub.queued.Add(int64(len(frame)))
		default:
			h.drop(sub)
		}
	}
}

// drop evicts a slow subscriber: removes it from the table and signals the
// owning viewer session via the Evicted channel.
func (h *Hub) drop(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.evict()
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close evicts every subscriber. Publish after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.evict()
	}
}
