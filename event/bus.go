// Package event publishes state-transition events to external observers.
// Delivery is at-least-once best effort: the engine never blocks on a slow
// subscriber and never retries a failed publish.
package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Entity distinguishes what kind of record transitioned.
type Entity string

const (
	EntityTask      Entity = "task"
	EntityExecution Entity = "execution"
	EntityProxy     Entity = "proxy"
)

// Event is one structured state transition.
type Event struct {
	Entity    Entity    `json:"entity"`
	ID        string    `json:"id"`
	From      string    `json:"from_state"`
	To        string    `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes events.
type Handler func(Event)

var subscriptionCounter int64

// Bus is an async event bus. Publishing is non-blocking: when the buffer is
// full the event is dropped rather than stalling a worker.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Entity]map[string]Handler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
	logger   *zap.Logger
}

// NewBus creates a bus with the given buffer size (defaults to 256) and
// starts its dispatch loop.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		handlers: make(map[Entity]map[string]Handler),
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.events <- ev:
	case <-b.done:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a handler for one entity kind and returns a
// subscription id.
func (b *Bus) Subscribe(entity Entity, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[entity] == nil {
		b.handlers[entity] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", entity, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[entity][id] = h
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for entity, handlers := range b.handlers {
		if _, ok := handlers[id]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.handlers, entity)
			}
			return
		}
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Stop shuts down the dispatch loop.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

func (b *Bus) dispatch() {
	for {
		select {
		case ev := <-b.events:
			b.mu.RLock()
			src := b.handlers[ev.Entity]
			handlers := make([]Handler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, h := range handlers {
				func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(ev)
				}()
			}
		case <-b.done:
			return
		}
	}
}
