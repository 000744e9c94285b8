package engine

import (
	"sync"

	"github.com/italolelis/offline_downloader/internal/bridge"
)

// Emitter is a minimal observer registry implementing bridge.Source.
// Subscribe returns the disposer that removes the handler; disposers are
// idempotent.
type Emitter struct {
	name string

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]bridge.Handler
}

// NewEmitter creates an emitter identified by name in bridge logs.
func NewEmitter(name string) *Emitter {
	return &Emitter{
		name:     name,
		handlers: make(map[string]map[int]bridge.Handler),
	}
}

func (e *Emitter) Name() string {
	return e.name
}

// Subscribe registers h for the named event.
func (e *Emitter) Subscribe(event string, h bridge.Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]bridge.Handler)
	}

	id := e.nextID
	e.nextID++
	e.handlers[event][id] = h

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			delete(e.handlers[event], id)
		})
	}
}

// Emit delivers payload to every handler of the named event, synchronously
// and in registration order per map iteration. Events for a single job-id are
// emitted from a single goroutine, preserving source ordering.
func (e *Emitter) Emit(event string, payload map[string]any) {
	e.mu.RLock()
	hs := make([]bridge.Handler, 0, len(e.handlers[event]))

	for _, h := range e.handlers[event] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}
