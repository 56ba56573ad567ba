package desk

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types emitted by a Desk.
const (
	EventPositionChanged = "position_changed"
	EventSpeedChanged    = "speed_changed"
	EventFavoriteChanged = "favorite_changed"
	EventSettingChanged  = "setting_changed"
	EventOffsetChanged   = "offset_changed"
	EventConnection      = "connection"
	EventMoveState       = "move_state"
	EventDeskError       = "desk_error"
)

// Event represents a desk event.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty matches every type
	handler EventHandler
}

// EventBus fans desk events out to subscribers in registration order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

// Subscribers returns the number of registered handlers.
func (eb *EventBus) Subscribers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is
// logged and does not stop delivery to the others.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	subs := slices.Clone(eb.subs)
	eb.mu.RUnlock()

	for _, s := range subs {
		if s.typ != "" && s.typ != event.Type {
			continue
		}
		eb.call(s.handler, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
