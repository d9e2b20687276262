package metadata

import (
	"sync"

	"devops-backend/internal/rbac"
)

type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	order     []*Resource
}

func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]*Resource),
	}
}

// Get returns the resource with the given name, or nil.
func (r *Registry) Get(name string) *Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources[name]
}

// All returns the registered resources in declaration order.
func (r *Registry) All() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, len(r.order))
	copy(out, r.order)
	return out
}

// Tables returns the rule table of every resource, keyed by resource name.
// Resources without perms map to nil.
func (r *Registry) Tables() map[string]*rbac.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*rbac.Table, len(r.order))
	for _, res := range r.order {
		out[res.Name] = res.Perms
	}
	return out
}

// Load replaces all resources in the registry. Called once at startup.
func (r *Registry) Load(resources []*Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resources = make(map[string]*Resource, len(resources))
	r.order = make([]*Resource, 0, len(resources))
	for _, res := range resources {
		r.resources[res.Name] = res
		r.order = append(r.order, res)
	}
}
