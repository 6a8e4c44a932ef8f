// Package events is the typed, in-process event bus the Store uses to notify
// subscribers of state changes.
//
// Dispatch is synchronous and best-effort: every handler registered for an
// event's type is called in registration order, and a handler that returns an
// error or panics is logged and skipped. One failing handler never prevents
// the others from running and never fails the operation that emitted the event.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handler receives one event. Returned errors are logged, never propagated.
type Handler func(ev models.StateEvent) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to per-type handler lists.
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.EventType][]subscription
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[models.EventType][]subscription)}
}

// Subscribe registers h for events of the given type and returns a function
// that removes it. Unknown types are rejected with a warning and a no-op
// unsubscribe.
func (b *Bus) Subscribe(kind models.EventType, h Handler) func() {
	if !kind.Valid() || h == nil {
		log.Warn().Str("event_type", string(kind)).Msg("Ignoring subscription to unsupported event type")
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind models.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every handler of its type and returns how many
// handlers completed without error.
func (b *Bus) Publish(ev models.StateEvent) int {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if err := invoke(s.handler, ev); err != nil {
			log.Warn().
				Err(err).
				Str("event_type", string(ev.Type)).
				Str("event_id", ev.EventID).
				Str("agent_id", ev.AgentID).
				Msg("Event handler failed")
			continue
		}
		delivered++
	}
	return delivered
}

// HandlerCount returns the number of handlers registered for kind.
func (b *Bus) HandlerCount(kind models.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

func invoke(h Handler, ev models.StateEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// NewEvent builds a StateEvent with a fresh id and timestamp.
func NewEvent(kind models.EventType, agentID, sessionID string, payload map[string]interface{}) models.StateEvent {
	return models.StateEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		SessionID: sessionID,
		Type:      kind,
		Payload:   payload,
	}
}
