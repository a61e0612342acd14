package hive

import (
	"context"
	"time"
)

// Event represents an agent lifecycle event.
type Event struct {
	Type      EventType         `json:"type"`
	AgentID   string            `json:"agent_id"`
	RoleName  string            `json:"role_name,omitempty"`
	ParentID  string            `json:"parent_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// EventType identifies the kind of event.
type EventType string

const (
	EventAgentSpawned    EventType = "agent_spawned"
	EventAgentTerminated EventType = "agent_terminated"
	EventAgentRestored   EventType = "agent_restored"
	EventIdleWarning     EventType = "idle_warning"
)

// EventRecorder is implemented by stores that can persist lifecycle events.
// The manager records through it when its store supports it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventType, agentID string, data map[string]string) error
}

// OnEvent registers a callback invoked for every lifecycle event.
func (m *Manager) OnEvent(fn func(Event)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

// emit notifies all event callbacks and records the event if the store
// supports it.
func (m *Manager) emit(ev Event) {
	ev.Timestamp = m.now()

	if rec, ok := m.store.(EventRecorder); ok {
		if err := rec.RecordEvent(context.Background(), string(ev.Type), ev.AgentID, ev.Data); err != nil {
			m.logger.Warn("event: record failed", "type", ev.Type, "agent", ev.AgentID, "error", err)
		}
	}

	m.callbackMu.RLock()
	callbacks := make([]func(Event), len(m.onEvent))
	copy(callbacks, m.onEvent)
	m.callbackMu.RUnlock()

	for _, fn := range callbacks {
		go fn(ev)
	}
}
