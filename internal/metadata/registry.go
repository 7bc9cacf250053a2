package metadata

import "sync"

// Registry is the in-memory view of all declared entity schemas. It is the
// schema source the authorization core consults when testing property-level
// permission rules.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	return entities
}

// HasField reports whether the named entity type declares the field.
// Unknown entity types have no fields.
func (r *Registry) HasField(entityType, field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.entities[entityType]
	return e != nil && e.HasField(field)
}

// Load replaces all entities in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}
}
