// Package entity holds the normalized remote-control entities that the
// openHAB integration keeps in sync.
package entity

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	fieldState     = "state"
	fieldConnected = "connected"
)

type record struct {
	def        Definition
	connected  bool
	state      State
	attributes map[Attribute]any
}

func (r *record) snapshot() Snapshot {
	attrs := make(map[Attribute]any, len(r.attributes))
	for k, v := range r.attributes {
		attrs[k] = v
	}
	return Snapshot{
		ID:          r.def.ID,
		Name:        r.def.Name,
		Integration: r.def.IntegrationID,
		Type:        r.def.Type,
		Features:    r.def.Features.Names(),
		Connected:   r.connected,
		State:       r.state,
		Attributes:  attrs,
	}
}

type subscription struct {
	id       int
	registry *Registry
}

func (s *subscription) Unsubscribe() {
	s.registry.unsubscribe(s.id)
}

// Registry is an in-memory Store with change notifications.
type Registry struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	entities    map[string]*record
	order       []string
	subsMu      sync.RWMutex
	subscribers map[int]ChangeHandler
	nextSubID   int
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger,
		entities:    make(map[string]*record),
		subscribers: make(map[int]ChangeHandler),
	}
}

// Add registers an entity. New entities start disconnected in an unknown state.
func (r *Registry) Add(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("entity id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[def.ID]; ok {
		return fmt.Errorf("entity %s already registered", def.ID)
	}
	r.entities[def.ID] = &record{
		def:        def,
		state:      StateUnknown,
		attributes: make(map[Attribute]any),
	}
	r.order = append(r.order, def.ID)

	r.logger.Debug("Registered entity",
		zap.String("entity_id", def.ID),
		zap.String("type", string(def.Type)))
	return nil
}

// Lookup returns the capability view of an entity.
func (r *Registry) Lookup(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entities[id]
	if !ok {
		return Info{}, false
	}
	return Info{ID: id, Type: rec.def.Type, Features: rec.def.Features, Connected: rec.connected}, true
}

// ByIntegration returns all entities owned by an integration, in registration order.
func (r *Registry) ByIntegration(integrationID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		rec := r.entities[id]
		if rec.def.IntegrationID != integrationID {
			continue
		}
		infos = append(infos, Info{ID: id, Type: rec.def.Type, Features: rec.def.Features, Connected: rec.connected})
	}
	return infos
}

// Snapshot returns a copy of a single entity.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entities[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// Snapshots returns copies of all entities in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entities[id].snapshot())
	}
	return out
}

// SetConnected updates the connectivity flag.
func (r *Registry) SetConnected(id string, connected bool) {
	r.mutate(id, fieldConnected, func(rec *record) (any, any) {
		old := rec.connected
		rec.connected = connected
		return old, connected
	})
}

// SetState updates the coarse state.
func (r *Registry) SetState(id string, s State) {
	r.mutate(id, fieldState, func(rec *record) (any, any) {
		old := rec.state
		rec.state = s
		return old, s
	})
}

// SetAttribute writes a typed attribute slot. Values must be comparable.
func (r *Registry) SetAttribute(id string, attr Attribute, v any) {
	r.mutate(id, string(attr), func(rec *record) (any, any) {
		old := rec.attributes[attr]
		rec.attributes[attr] = v
		return old, v
	})
}

// mutate applies fn under the write lock and notifies subscribers when the
// value actually changed, so repeated identical writes are silent.
func (r *Registry) mutate(id, field string, fn func(rec *record) (old, new any)) {
	r.mu.Lock()
	rec, ok := r.entities[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Ignoring write to unknown entity",
			zap.String("entity_id", id),
			zap.String("field", field))
		return
	}
	oldValue, newValue := fn(rec)
	if oldValue == newValue {
		r.mu.Unlock()
		return
	}
	snap := rec.snapshot()
	r.mu.Unlock()

	r.logger.Debug("Entity changed",
		zap.String("entity_id", id),
		zap.String("field", field),
		zap.Any("old", oldValue),
		zap.Any("new", newValue))

	r.notifySubscribers(Change{
		EntityID: id,
		Field:    field,
		Old:      oldValue,
		New:      newValue,
		Snapshot: snap,
	})
}

// Subscribe registers a handler for every entity change. Handlers run
// synchronously on the writing goroutine and must not block.
func (r *Registry) Subscribe(handler ChangeHandler) Subscription {
	r.subsMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = handler
	r.subsMu.Unlock()

	return &subscription{id: id, registry: r}
}

func (r *Registry) unsubscribe(id int) {
	r.subsMu.Lock()
	delete(r.subscribers, id)
	r.subsMu.Unlock()
}

func (r *Registry) notifySubscribers(change Change) {
	r.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(r.subscribers))
	for _, h := range r.subscribers {
		handlers = append(handlers, h)
	}
	r.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(change)
	}
}

var _ Store = (*Registry)(nil)
