// Package hub fans out match events to live subscribers. Publishing never
// blocks: a subscriber that cannot keep up with its buffered channel is
// dropped and its channel closed.
package hub

import (
	"sync"

	"worldbuild/internal/logging"
	"worldbuild/internal/types"
)

const defaultBuffer = 256

// Subscription is one live listener on a match's event stream.
type Subscription struct {
	id int64
	ch chan types.MatchEvent
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is cancelled or the subscriber falls too far behind.
func (s *Subscription) Events() <-chan types.MatchEvent { return s.ch }

// Hub routes published events to per-match subscriber sets.
type Hub struct {
	mu      sync.Mutex
	nextID  int64
	buffer  int
	matches map[string]map[int64]*Subscription
}

// New creates a hub with the default per-subscriber buffer.
func New() *Hub {
	return &Hub{buffer: defaultBuffer, matches: make(map[string]map[int64]*Subscription)}
}

// Subscribe registers a listener for a match's events.
func (h *Hub) Subscribe(matchID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan types.MatchEvent, h.buffer)}
	if h.matches[matchID] == nil {
		h.matches[matchID] = make(map[int64]*Subscription)
	}
	h.matches[matchID][sub.id] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel. Safe to call more
// than once.
func (h *Hub) Unsubscribe(matchID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(matchID, sub)
}

func (h *Hub) removeLocked(matchID string, sub *Subscription) {
	subs := h.matches[matchID]
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.matches, matchID)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of its match. Subscribers
// with a full buffer are dropped rather than blocking the producer.
func (h *Hub) Publish(ev types.MatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.matches[ev.MatchID] {
		select {
		case sub.ch <- ev:
		default:
			logging.Hub().Warnw("dropping slow subscriber",
				"match_id", ev.MatchID, "subscriber", sub.id, "seq", ev.Seq)
			h.removeLocked(ev.MatchID, sub)
		}
	}
}

// CloseMatch drops every subscriber of a finished match.
func (h *Hub) CloseMatch(matchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.matches[matchID] {
		h.removeLocked(matchID, sub)
	}
}
