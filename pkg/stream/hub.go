// Package stream fans query progress events out to the user who issued the
// query. Slow subscribers lose events rather than block the publisher.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventDomainStarted       = "domain_started"
	EventDomainCompleted     = "domain_completed"
	EventDomainFailed        = "domain_failed"
	EventSynthesisCompleted  = "synthesis_completed"
	EventConfirmationPending = "confirmation_pending"
)

type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	At        string          `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, requestID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, RequestID: requestID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(userID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan Event]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(userID string, ch chan Event) {
	h.mu.Lock()
	set := h.subs[userID]
	_, exists := set[ch]
	if exists {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, userID)
		}
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to userID's subscribers only.
func (h *Hub) Publish(userID string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
