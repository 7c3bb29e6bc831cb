// Package hub fans out frames to live WebSocket subscribers. It
// generalizes the control plane's original SSE event bus to a
// depth-bounded, per-subscriber queue with a drop-OLDEST policy: a slow
// subscriber loses stale frames rather than blocking the Frame Broker or
// losing the frame it's about to receive. A subscriber stuck behind K
// consecutive drops is assumed gone and closed.
package hub

import (
	"sync"

	"github.com/flowmesh/fleetd/internal/metrics"
)

// subscriberBufferDepth is the bounded queue depth per subscriber.
const subscriberBufferDepth = 4

// maxConsecutiveDrops is the number of back-to-back drops that causes a
// subscriber to be auto-closed as unresponsive.
const maxConsecutiveDrops = 64

// Message is one frame dispatched to subscribers of a stream.
type Message struct {
	StreamID string
	Payload  []byte
}

// Hub is a fan-out dispatcher over live frames, filterable per subscriber
// by stream ID.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	ch               chan Message
	filter           string // empty = all streams
	consecutiveDrops int
	closed           bool
}

// New creates a ready-to-use Hub.
func New() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber. If filter is non-empty, only
// frames for that stream ID are delivered; otherwise all frames are.
// The returned cancel function must be called when the caller is done,
// to release the subscription.
func (h *Hub) Subscribe(filter string) (<-chan Message, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	sub := &subscriber{ch: make(chan Message, subscriberBufferDepth), filter: filter}
	h.subs[id] = sub
	h.mu.Unlock()
	metrics.HubSubscribers.Set(float64(h.SubscriberCount()))

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closeLocked(id)
	}
	return sub.ch, cancel
}

func (h *Hub) closeLocked(id uint64) {
	sub, ok := h.subs[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, id)
	close(sub.ch)
	metrics.HubSubscribers.Set(float64(len(h.subs)))
}

// Dispatch delivers a frame to every subscriber whose filter matches the
// stream. A full subscriber queue has its oldest message discarded to
// make room, rather than dropping the new one or blocking the caller —
// WebSocket viewers care about the freshest frame, not every frame.
func (h *Hub) Dispatch(streamID string, payload []byte) {
	msg := Message{StreamID: streamID, Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if sub.filter != "" && sub.filter != streamID {
			continue
		}
		if h.sendLocked(sub, msg) {
			sub.consecutiveDrops = 0
			continue
		}
		// The queue was full and had to be evicted to make room (or, in
		// the rare race where a concurrent receive emptied it between our
		// checks, delivery simply failed): either way this subscriber is
		// falling behind.
		metrics.HubDropsTotal.Inc()
		sub.consecutiveDrops++
		if sub.consecutiveDrops >= maxConsecutiveDrops {
			metrics.HubAutoClosedTotal.Inc()
			h.closeLocked(id)
		}
	}
}

// sendLocked attempts delivery. If the queue is full, it evicts the
// oldest queued message and retries once, reporting false (a drop
// occurred) even though the new message was ultimately enqueued.
func (h *Hub) sendLocked(sub *subscriber, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
	}

	select {
	case <-sub.ch:
	default:
	}

	select {
	case sub.ch <- msg:
	default:
	}
	return false
}

// SubscriberCount reports the number of live subscribers, for metrics.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
