package services

import (
	"sync"

	"github.com/amirphl/Kusanagi/utils"
)

// EventKind identifies the dispatch-core lifecycle events
type EventKind string

const (
	EventMessageReceived EventKind = "message.received"
	EventMessageSent     EventKind = "message.sent"
	EventMessageFailed   EventKind = "message.failed"
)

// Event is one lifecycle notification for real-time observers
type Event struct {
	Kind           EventKind
	TenantID       uint
	ConversationID uint
	JobID          string
	MessageID      uint
	Detail         string
	AtUnix         int64
}

// EventBus fans lifecycle events out to in-process subscribers. Publication
// never blocks the hot path: handlers run synchronously and must be cheap, or
// hand off to their own goroutine.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a handler for all events
func (b *EventBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish delivers the event to every subscriber
func (b *EventBus) Publish(ev Event) {
	if ev.AtUnix == 0 {
		ev.AtUnix = utils.UTCNowUnix()
	}
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
