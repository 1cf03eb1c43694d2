// Package events is a typed publish/subscribe channel scoped to one
// dashboard session. It carries the two cross-component signals of the
// engine: a filter reset and a request to run an action on an entry.
package events

import (
	"slices"
	"sync"

	"github.com/Tripsy/dashboard/model"
)

// FiltersReset tells the filter panel and table store of Source to restore
// their default filters.
type FiltersReset struct {
	Source string `json:"source"`
}

// ActionRequested asks the table store of Source to open ActionName as if
// its toolbar button had been clicked, targeting Entry.
type ActionRequested struct {
	Source     string       `json:"source"`
	ActionName string       `json:"action_name"`
	Entry      model.Entity `json:"entry,omitempty"`
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	resets  map[int]func(FiltersReset)
	actions map[int]func(ActionRequested)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		resets:  make(map[int]func(FiltersReset)),
		actions: make(map[int]func(ActionRequested)),
	}
}

// OnFiltersReset subscribes fn and returns a function that unsubscribes it.
func (b *Bus) OnFiltersReset(fn func(FiltersReset)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.resets[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.resets, id)
		b.mu.Unlock()
	}
}

// OnActionRequested subscribes fn and returns a function that unsubscribes it.
func (b *Bus) OnActionRequested(fn func(ActionRequested)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.actions[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.actions, id)
		b.mu.Unlock()
	}
}

// PublishFiltersReset delivers e to every FiltersReset subscriber.
func (b *Bus) PublishFiltersReset(e FiltersReset) {
	for _, fn := range snapshot(b, b.resets) {
		fn(e)
	}
}

// PublishActionRequested delivers e to every ActionRequested subscriber.
func (b *Bus) PublishActionRequested(e ActionRequested) {
	for _, fn := range snapshot(b, b.actions) {
		fn(e)
	}
}

// snapshot copies the handlers in subscription order so they can run
// without holding the lock, letting handlers (un)subscribe or publish.
func snapshot[E any](b *Bus, handlers map[int]func(E)) []func(E) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(E), len(ids))
	for i, id := range ids {
		out[i] = handlers[id]
	}
	return out
}
