// Package transport holds the interchangeable ChatProvider implementations
// and the factory that picks one from configuration.
package transport

import (
	"log/slog"
	"sync"

	"agentchat/internal/bus"
	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

var allStatuses = []string{
	string(domain.ConnConnecting),
	string(domain.ConnConnected),
	string(domain.ConnDisconnected),
	string(domain.ConnError),
}

// StatusTracker holds a transport's connection status. Observers run
// synchronously on the goroutine that reports a transition and must not
// call Set.
type StatusTracker struct {
	transport string
	events    *bus.EventBus
	metrics   *metrics.Metrics

	// emitMu orders transitions and their notifications.
	emitMu sync.Mutex
	mu     sync.Mutex
	status domain.ConnectionStatus
}

func NewStatusTracker(transport string, m *metrics.Metrics, logger *slog.Logger) *StatusTracker {
	st := &StatusTracker{
		transport: transport,
		events:    bus.NewEventBus(logger),
		metrics:   m,
		status:    domain.ConnDisconnected,
	}
	m.ConnectionStatus(transport, string(st.status), allStatuses)
	return st
}

// Set records a transition and notifies observers. Repeating the current
// status is not a transition.
func (st *StatusTracker) Set(status domain.ConnectionStatus) {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()

	st.mu.Lock()
	if st.status == status {
		st.mu.Unlock()
		return
	}
	st.status = status
	st.mu.Unlock()

	st.metrics.ConnectionStatus(st.transport, string(status), allStatuses)
	st.events.Emit(bus.Event{
		Type:    bus.EventConnectionChanged,
		Source:  st.transport,
		Payload: status,
	})
}

func (st *StatusTracker) Status() domain.ConnectionStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// OnChange registers fn and immediately reports the current status to it.
func (st *StatusTracker) OnChange(fn func(domain.ConnectionStatus)) domain.Unsubscribe {
	st.emitMu.Lock()
	defer st.emitMu.Unlock()
	cancel := st.events.Subscribe(bus.EventConnectionChanged, func(ev bus.Event) {
		if status, ok := ev.Payload.(domain.ConnectionStatus); ok {
			fn(status)
		}
	})
	fn(st.Status())
	return domain.Unsubscribe(cancel)
}

// Reset drops every observer.
func (st *StatusTracker) Reset() {
	st.events.Clear(bus.EventConnectionChanged)
}
