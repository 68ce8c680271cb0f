package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls more than this far behind starts losing events; delivery is
// best-effort, at-most-once per event per subscriber.
const subscriberBuffer = 64

// Broker fans out task lifecycle events to per-user SSE subscribers.
//
// It is an explicitly constructed instance wired into the handlers at server
// start and closed at shutdown, never package-level state. The registry is
// the only shared mutable structure: reader-heavy on Publish, low-frequency
// writes on Subscribe/Unsubscribe, so an RWMutex fits.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan []byte]struct{}
	closed      bool
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan []byte]struct{}),
	}
}

// Subscribe registers a new channel for the user's events.
// The caller must call Unsubscribe when done. Returns nil after Close.
func (b *Broker) Subscribe(userID uuid.UUID) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	ch := make(chan []byte, subscriberBuffer)
	if b.subscribers[userID] == nil {
		b.subscribers[userID] = make(map[chan []byte]struct{})
	}
	b.subscribers[userID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. Idempotent:
// unsubscribing a channel that is already gone is a no-op.
func (b *Broker) Unsubscribe(userID uuid.UUID, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subscribers[userID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subscribers, userID)
	}
	close(ch)
}

// Publish delivers an event to every channel currently registered for the
// user. Fire-and-forget per destination: a subscriber with a full buffer
// loses this one event and nothing else; no subscriber can slow down the
// publisher or the other subscribers. Implements lifecycle.EventPublisher.
func (b *Broker) Publish(userID uuid.UUID, event model.TaskEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("broker: marshal event", "task_id", event.TaskID, "error", err)
		return
	}
	msg := formatSSE(string(event.Type), string(payload))

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[userID] {
		select {
		case ch <- msg:
		default:
			// Subscriber buffer full. Drop this event for them.
			b.logger.Debug("broker: dropped event for slow subscriber",
				"user_id", userID, "task_id", event.TaskID)
		}
	}
}

// SubscriberCount returns the number of active subscriber channels across
// all users. Used by the health endpoint.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, set := range b.subscribers {
		n += len(set)
	}
	return n
}

// Close closes every subscriber channel and empties the registry. Called
// once at process shutdown; Subscribe returns nil afterwards.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for userID, set := range b.subscribers {
		for ch := range set {
			close(ch)
		}
		delete(b.subscribers, userID)
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
