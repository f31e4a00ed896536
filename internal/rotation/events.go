package rotation

import (
	"sync/atomic"
	"time"
)

// EventType classifies coordinator events.
type EventType string

const (
	EventAction EventType = "action"
	EventIdle   EventType = "idle"
	EventState  EventType = "state"
	EventReload EventType = "reload"
)

// Event is published to observers after state changes, reloads and ticks.
type Event struct {
	Type       EventType     `json:"type"`
	Time       time.Time     `json:"time"`
	RunID      string        `json:"run_id,omitempty"`
	State      State         `json:"state"`
	SkillID    string        `json:"skill_id,omitempty"`
	Key        string        `json:"key,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Pressed    bool          `json:"pressed,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Version    uint64        `json:"version,omitempty"`
}

type eventBus struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newEventBus(size int) *eventBus {
	return &eventBus{ch: make(chan Event, size)}
}

// emit never blocks the loop; a slow observer loses events.
func (b *eventBus) emit(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}
