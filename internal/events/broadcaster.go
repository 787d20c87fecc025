package events

import (
	"sync"
	"time"
)

// Event types published on the admission path
const (
	TypeAdmitted = "admitted"
	TypeRejected = "rejected"
	TypeEvicted  = "evicted"
	TypeReleased = "released"
)

// Event is one admission-path outcome, as streamed to /events subscribers
type Event struct {
	Type             string    `json:"type"`
	Username         string    `json:"username"`
	SessionID        string    `json:"session_id"`
	EvictedSessionID string    `json:"evicted_session_id,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Broadcaster fans admission events out to websocket subscribers. A
// subscriber that falls behind loses events; publishing never blocks
// the admission path.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel function
// must be called when the subscriber goes away.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall admissions
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
