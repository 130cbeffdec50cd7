// Package events is an in-memory pub/sub hub carrying run progress to
// observers such as the terminal progress view.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// subscriberBuffer is the channel depth of each subscriber.
const subscriberBuffer = 256

// Event is one published run event. Data holds the JSON encoding of the
// payload type registered for Type in types.go.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type subscriber struct {
	ch chan Event
}

// Hub fans run events out to subscribers and keeps the most recent ones for
// observers that attach late. It is safe for concurrent use; a nil *Hub
// discards everything published to it.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	keep    int
	history []Event
	subs    map[*subscriber]struct{}
	dropped int64
}

// NewHub creates a hub remembering the last keep events.
func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = 100
	}
	return &Hub{
		keep:    keep,
		history: make([]Event, 0, keep),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish encodes data and broadcasts it as an event of eventType. A
// subscriber whose buffer is full misses the event; producers never block.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.history) == h.keep {
		copy(h.history, h.history[1:])
		h.history = h.history[:h.keep-1]
	}
	h.history = append(h.history, ev)

	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes
// it. Cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// History returns the remembered events with ID > afterID, oldest first.
func (h *Hub) History(afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.history))
	for _, ev := range h.history {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many deliveries subscribers have missed so far.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
