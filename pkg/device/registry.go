package device

import (
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Resolve for unknown roles.
type ErrNotFound struct {
	Role string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no device registered for role %q", e.Role)
}

// Registry maps logical role names to live device handles. It is read
// concurrently by the run engine, the CLI, and config reloads; all
// operations are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Register adds or replaces the device bound to its role name.
func (r *Registry) Register(d Device) error {
	if d == nil || d.Name() == "" {
		return fmt.Errorf("cannot register device without a role name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Name()] = d
	return nil
}

// Unregister removes the device bound to role. Returns false if the role
// was not registered.
func (r *Registry) Unregister(role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[role]; !ok {
		return false
	}
	delete(r.devices, role)
	return true
}

// Resolve returns the device bound to role, or *ErrNotFound.
func (r *Registry) Resolve(role string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[role]
	if !ok {
		return nil, &ErrNotFound{Role: role}
	}
	return d, nil
}

// Contains reports whether a device is bound to role.
func (r *Registry) Contains(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[role]
	return ok
}

// Roles returns the registered role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.devices))
	for role := range r.devices {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Replace swaps the registry's entire contents in one step. Used by config
// hot-reload so concurrent readers see either the old or the new inventory,
// never a mix.
func (r *Registry) Replace(devices []Device) {
	next := make(map[string]Device, len(devices))
	for _, d := range devices {
		next[d.Name()] = d
	}
	r.mu.Lock()
	r.devices = next
	r.mu.Unlock()
}
