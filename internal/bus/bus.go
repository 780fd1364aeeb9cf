package bus

import (
	"log/slog"
	"sync"
	"time"
)

const publishTimeout = 10 * time.Second

// Queue delivers events to an EventBus from a single goroutine, preserving
// publish order and keeping handlers off the publisher's call stack.
type Queue struct {
	events chan Event
	target *EventBus
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewQueue starts a delivery goroutine with the given buffer size.
func NewQueue(target *EventBus, bufferSize int, logger *slog.Logger) *Queue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		events: make(chan Event, bufferSize),
		target: target,
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.events {
		q.target.Emit(ev)
	}
}

// Publish enqueues ev. Blocks up to 10 seconds if the queue is full instead
// of dropping.
func (q *Queue) Publish(ev Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue", "event", ev.Type)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case q.events <- ev:
	default:
		q.logger.Warn("event queue full, waiting...", "event", ev.Type)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case q.events <- ev:
			q.logger.Info("event delivered after wait", "event", ev.Type)
		case <-timer.C:
			q.logger.Error("event dropped: queue full for 10s", "event", ev.Type, "source", ev.Source)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
}
