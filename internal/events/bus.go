package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskLocked is published when a poller acquires a task lock.
	EventTaskLocked EventType = "task_locked"
	// EventTaskStarted is published when a task enters execution.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted is published when a task finishes, in any outcome.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetried is published when a failed execution is re-queued.
	EventTaskRetried EventType = "task_retried"
	// EventStatusChanged is published when a task's lifecycle status changes.
	EventStatusChanged EventType = "status_changed"
	// EventSessionFinished is published when a processing session ends.
	EventSessionFinished EventType = "session_finished"
	// EventStaleLockCleaned is published when an abandoned lock is reclaimed.
	EventStaleLockCleaned EventType = "stale_lock_cleaned"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Sink receives lifecycle events fire-and-forget. Delivery failures are
// never reported to the caller; a Sink must not block.
type Sink interface {
	Notify(eventType EventType, data map[string]interface{})
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			// Recover so a panicking subscriber cannot take down delivery
			// for everyone else.
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// If a subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop rather than block the publisher.
		}
	}
}

// Notify implements Sink by publishing.
func (b *Bus) Notify(eventType EventType, data map[string]interface{}) {
	b.Publish(eventType, data)
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
