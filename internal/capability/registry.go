package capability

import (
	"fmt"
	"sort"
	"sync"

	"chatcore/internal/logging"
	"chatcore/internal/plans"
)

// Registry holds capabilities in registration order. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Descriptor
	order []*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Ids must be unique.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid capability: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, d.ID)
	}
	r.byID[d.ID] = d
	r.order = append(r.order, d)

	logging.CapabilityDebug("registered %s %s (enabled=%v)", d.Kind, d.ID, d.Enabled)
	return nil
}

// MustRegister registers d and panics on error. For static registration.
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(fmt.Sprintf("failed to register capability %s: %v", d.ID, err))
	}
}

// Get returns a descriptor by id, or nil.
func (r *Registry) Get(id string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	return r.Get(id) != nil
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// IDs returns all registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ForPlan returns the enabled capabilities the plan allows, in registration
// order.
func (r *Registry) ForPlan(plan plans.Plan) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, d := range r.order {
		if d.Enabled && plan.AllowsCapability(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

// Stats returns per-capability counters in registration order.
func (r *Registry) Stats() []Stats {
	all := r.All()
	out := make([]Stats, 0, len(all))
	for _, d := range all {
		out = append(out, Stats{ID: d.ID, Uses: d.Uses(), Successes: d.Successes(), SuccessRate: d.SuccessRate()})
	}
	return out
}

// SetEnabled toggles a capability.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.Enabled = enabled
	return nil
}
