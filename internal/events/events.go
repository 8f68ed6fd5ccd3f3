// Package events carries dispatcher observability signals to listeners.
// Each dispatcher owns its EventBus; there is no process-wide bus.
package events

import (
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rest-dispatch/internal/constants"
	"github.com/rescale/rest-dispatch/internal/ratelimit"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventDebug                 EventType = "debug"
	EventRateLimited           EventType = "rate_limited"
	EventInvalidRequestWarning EventType = "invalid_request_warning"

	// Request and response events are only built when someone listens
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// DebugEvent is a free-form diagnostic message from a bucket queue.
type DebugEvent struct {
	BaseEvent
	Message string
}

// RateLimitedEvent is published before a request waits on a rate limit.
type RateLimitedEvent struct {
	BaseEvent
	ratelimit.Info
}

// InvalidRequestWarningEvent reports the invalid request count in the
// current window.
type InvalidRequestWarningEvent struct {
	BaseEvent
	Count         int
	RemainingTime time.Duration
}

// RequestEvent is published before each network attempt.
type RequestEvent struct {
	BaseEvent
	Method  string
	Path    string
	Route   string
	Retries int
}

// ResponseEvent is published after each network attempt that returned.
type ResponseEvent struct {
	BaseEvent
	Method   string
	Path     string
	Route    string
	Retries  int
	Status   int
	Header   http.Header
	Duration time.Duration
}

// Hook observes events synchronously, in the publisher's goroutine. It
// must be quick and must not publish.
type Hook func(Event)

type hookEntry struct {
	fn    Hook
	types []EventType // empty means every type
}

func (h *hookEntry) wants(t EventType) bool {
	return len(h.types) == 0 || slices.Contains(h.types, t)
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	hooks         []*hookEntry
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// AddHook registers fn for events of the given types, or of every type
// when none are given. Unlike channel subscribers a hook never misses an
// event. The returned func removes the hook.
func (eb *EventBus) AddHook(fn Hook, types ...EventType) (remove func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return func() {}
	}

	entry := &hookEntry{fn: fn, types: types}
	eb.hooks = append(eb.hooks, entry)
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if i := slices.Index(eb.hooks, entry); i >= 0 {
			eb.hooks = slices.Delete(eb.hooks, i, i+1)
		}
	}
}

// HasSubscribers reports whether any channel would receive an event of
// eventType. Publishers use it to skip building expensive events.
func (eb *EventBus) HasSubscribers(eventType EventType) bool {
	if eb == nil {
		return false
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return false
	}
	if len(eb.subscribers[eventType]) > 0 || len(eb.all) > 0 {
		return true
	}
	for _, h := range eb.hooks {
		if h.wants(eventType) {
			return true
		}
	}
	return false
}

// Publish runs the hooks and sends an event to all subscribers without
// blocking. Events for a full channel are dropped and counted. Publishing
// on a nil bus is a no-op.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, h := range eb.hooks {
		if h.wants(event.Type()) {
			h.fn(event)
		}
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true
	eb.hooks = nil

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishDebug is a convenience method for publishing debug events
func (eb *EventBus) PublishDebug(message string) {
	if !eb.HasSubscribers(EventDebug) {
		return
	}
	eb.Publish(&DebugEvent{
		BaseEvent: BaseEvent{EventType: EventDebug, Time: time.Now()},
		Message:   message,
	})
}

// PublishRateLimited is a convenience method for publishing rate limit events
func (eb *EventBus) PublishRateLimited(info ratelimit.Info) {
	eb.Publish(&RateLimitedEvent{
		BaseEvent: BaseEvent{EventType: EventRateLimited, Time: time.Now()},
		Info:      info,
	})
}

// PublishInvalidRequestWarning is a convenience method for publishing invalid request warnings
func (eb *EventBus) PublishInvalidRequestWarning(count int, remaining time.Duration) {
	eb.Publish(&InvalidRequestWarningEvent{
		BaseEvent:     BaseEvent{EventType: EventInvalidRequestWarning, Time: time.Now()},
		Count:         count,
		RemainingTime: remaining,
	})
}

// Unsubscribe removes a subscription channel from a specific event type
// and closes it.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			close(subCh)
			return
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types
// and from the all-events list, closing it once.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	var found chan Event
	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				found = subCh
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			found = subCh
			break
		}
	}

	if found != nil {
		close(found)
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}

// PublishRequest publishes a request event if anyone listens for one.
func (eb *EventBus) PublishRequest(method, path, route string, retries int) {
	if !eb.HasSubscribers(EventRequest) {
		return
	}
	eb.Publish(&RequestEvent{
		BaseEvent: BaseEvent{EventType: EventRequest, Time: time.Now()},
		Method:    method,
		Path:      path,
		Route:     route,
		Retries:   retries,
	})
}

// PublishResponse publishes a response event if anyone listens for one.
func (eb *EventBus) PublishResponse(method, path, route string, retries, status int, header http.Header, took time.Duration) {
	if !eb.HasSubscribers(EventResponse) {
		return
	}
	eb.Publish(&ResponseEvent{
		BaseEvent: BaseEvent{EventType: EventResponse, Time: time.Now()},
		Method:    method,
		Path:      path,
		Route:     route,
		Retries:   retries,
		Status:    status,
		Header:    header.Clone(),
		Duration:  took,
	})
}
