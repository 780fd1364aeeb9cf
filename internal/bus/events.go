package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event represents a change notification for in-process pub/sub.
type Event struct {
	Type      string    // e.g. "message.inserted:<conversation>", "connection.changed"
	Source    string    // originating component
	Payload   any       // event-specific data
	Timestamp time.Time // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides a topic-based publish/subscribe event system.
// Handlers registered on "*" receive every event.
type EventBus struct {
	handlers map[string][]namedHandler
	mu       sync.RWMutex
	logger   *slog.Logger
	nextID   uint64
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type and returns its ID.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.FormatUint(eb.nextID, 10)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID. Unknown IDs are ignored.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			next := make([]namedHandler, 0, len(handlers)-1)
			next = append(next, handlers[:i]...)
			next = append(next, handlers[i+1:]...)
			if len(next) == 0 {
				delete(eb.handlers, eventType)
			} else {
				eb.handlers[eventType] = next
			}
			return
		}
	}
}

// Subscribe is On with a closure that removes the handler. The returned
// function is idempotent.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	id := eb.On(eventType, handler)
	var once sync.Once
	return func() {
		once.Do(func() { eb.Off(eventType, id) })
	}
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

// Clear removes every handler for eventType.
func (eb *EventBus) Clear(eventType string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.handlers, eventType)
}

// ClearAll removes every handler.
func (eb *EventBus) ClearAll() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers = make(map[string][]namedHandler)
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in registration order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// --- Well-known event types ---
const (
	EventMessageInserted   = "message.inserted"
	EventConnectionChanged = "connection.changed"
	EventLivenessReported  = "liveness.reported"
)

// MessageTopic is the per-conversation insert topic.
func MessageTopic(conversationID string) string {
	return EventMessageInserted + ":" + conversationID
}
