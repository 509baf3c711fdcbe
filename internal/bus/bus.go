// Package bus delivers slice change notifications to in-process subscribers.
package bus

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/logging"
)

// Handler receives the current value of a slice after it changed
type Handler func(slice core.SliceName, value json.RawMessage) error

// ValueSource returns the current value of a slice at delivery time
type ValueSource func(slice core.SliceName) json.RawMessage

// Reconciler updates the in-memory copy of a slice from an external change.
// It reports whether the change was adopted.
type Reconciler func(slice core.SliceName, newValue json.RawMessage) bool

// Subscription identifies a registered handler
type Subscription struct {
	id    string
	slice core.SliceName // empty for wildcard subscriptions
}

// ID returns the subscription id
func (s Subscription) ID() string { return s.id }

type entry struct {
	id      string
	handler Handler
}

// Bus is the change bus
type Bus struct {
	mu         sync.RWMutex
	handlers   map[core.SliceName][]entry
	wildcard   []entry
	source     ValueSource
	reconciler Reconciler
	log        *logging.Logger
}

// New creates a bus. Values are read from source at publish time.
func New(source ValueSource, log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		handlers: make(map[core.SliceName][]entry),
		source:   source,
		log:      log.WithField("component", "bus"),
	}
}

// SetValueSource replaces the source of current values
func (b *Bus) SetValueSource(source ValueSource) {
	b.mu.Lock()
	b.source = source
	b.mu.Unlock()
}

// SetReconciler installs the hook ApplyExternal uses before publishing
func (b *Bus) SetReconciler(r Reconciler) {
	b.mu.Lock()
	b.reconciler = r
	b.mu.Unlock()
}

// Subscribe registers handler for one slice
func (b *Bus) Subscribe(slice core.SliceName, handler Handler) (Subscription, error) {
	if !slice.Known() {
		return Subscription{}, fmt.Errorf("subscribe: %w: %q", core.ErrUnknownSlice, slice)
	}
	sub := Subscription{id: uuid.NewString(), slice: slice}
	b.mu.Lock()
	b.handlers[slice] = append(b.handlers[slice], entry{id: sub.id, handler: handler})
	b.mu.Unlock()
	return sub, nil
}

// SubscribeAll registers handler for every slice
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	sub := Subscription{id: uuid.NewString()}
	b.mu.Lock()
	b.wildcard = append(b.wildcard, entry{id: sub.id, handler: handler})
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a handler. It is safe to call from inside a handler;
// the change applies to the next publish.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.slice == "" {
		b.wildcard = without(b.wildcard, sub.id)
		return
	}
	b.handlers[sub.slice] = without(b.handlers[sub.slice], sub.id)
}

func without(entries []entry, id string) []entry {
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Publish invokes the slice's handlers in subscription order, then the
// wildcard handlers. Each handler sees the value current at its own call.
func (b *Bus) Publish(slice core.SliceName) {
	b.mu.RLock()
	targets := make([]entry, 0, len(b.handlers[slice])+len(b.wildcard))
	targets = append(targets, b.handlers[slice]...)
	targets = append(targets, b.wildcard...)
	source := b.source
	b.mu.RUnlock()

	for _, e := range targets {
		var value json.RawMessage
		if source != nil {
			value = source(slice)
		}
		b.deliver(slice, e, value)
	}
}

func (b *Bus) deliver(slice core.SliceName, e entry, value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(map[string]any{
				"slice":        slice,
				"subscription": e.id,
			}).Error("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if err := e.handler(slice, value); err != nil {
		b.log.WithFields(map[string]any{
			"slice":        slice,
			"subscription": e.id,
		}).WithError(err).Warn("handler failed")
	}
}

// ApplyExternal is the input port for changes made by another process.
// Keys that are not slices are ignored. The in-memory copy is reconciled
// first, then the slice is published once.
func (b *Bus) ApplyExternal(key string, newValue json.RawMessage) bool {
	slice, err := core.ParseSlice(key)
	if err != nil {
		return false
	}

	b.mu.RLock()
	reconcile := b.reconciler
	b.mu.RUnlock()

	if reconcile != nil && !reconcile(slice, newValue) {
		return false
	}
	b.Publish(slice)
	return true
}

// Count returns the number of handlers registered for slice, excluding wildcards
func (b *Bus) Count(slice core.SliceName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[slice])
}
