package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateListener is returned when a listener name is already registered on a topic.
	ErrDuplicateListener = errors.New("events: listener already registered")

	// ErrInvalidListener is returned for an empty listener name or a nil callback.
	ErrInvalidListener = errors.New("events: listener name and callback are required")
)

// Topic names an event and fixes the payload type delivered to its listeners.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed event topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the wire name of the topic.
func (t Topic[T]) Name() string {
	return t.name
}

type listener struct {
	name string
	fn   func(any)
}

// Bus is a synchronous in-process publish/subscribe hub.
//
// Listeners are invoked in registration order on the goroutine calling Emit.
// A listener that panics is recovered and logged; the remaining listeners
// still receive the event.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	logger    zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]listener),
		logger:    logger,
	}
}

// On registers fn under name for topic. Registering the same name twice on
// one topic is refused with ErrDuplicateListener.
func On[T any](b *Bus, topic Topic[T], name string, fn func(T)) error {
	if name == "" || fn == nil {
		return ErrInvalidListener
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.listeners[topic.name] {
		if l.name == name {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateListener, name, topic.name)
		}
	}

	b.listeners[topic.name] = append(b.listeners[topic.name], listener{
		name: name,
		fn: func(payload any) {
			fn(payload.(T))
		},
	})
	return nil
}

// Off removes the listener registered under name. It reports whether a
// listener was removed.
func Off[T any](b *Bus, topic Topic[T], name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[topic.name]
	for i, l := range current {
		if l.name != name {
			continue
		}
		remaining := make([]listener, 0, len(current)-1)
		remaining = append(remaining, current[:i]...)
		remaining = append(remaining, current[i+1:]...)
		if len(remaining) == 0 {
			delete(b.listeners, topic.name)
		} else {
			b.listeners[topic.name] = remaining
		}
		return true
	}
	return false
}

// Has reports whether name is registered on topic.
func Has[T any](b *Bus, topic Topic[T], name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners[topic.name] {
		if l.name == name {
			return true
		}
	}
	return false
}

// Emit delivers payload to every listener currently registered on topic and
// returns once all of them have run. Listeners registered or removed while
// the event is being delivered take effect from the next Emit.
func Emit[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.RLock()
	snapshot := append([]listener(nil), b.listeners[topic.name]...)
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(topic.name, l, payload)
	}
}

// ListenerCount returns the number of listeners registered on the named topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

func (b *Bus) deliver(topic string, l listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", topic).
				Str("listener", l.name).
				Interface("panic", r).
				Msg("Event listener panicked")
		}
	}()
	l.fn(payload)
}
