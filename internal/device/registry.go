package device

import (
	"sort"
	"sync"

	"fieldgate/internal/fault"
)

// Registry holds exactly one live device per configuration id.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register stores the device under its id. A prior instance with the same id
// is replaced and its connection closed.
func (r *Registry) Register(d *Device) string {
	r.mu.Lock()
	prior := r.devices[d.ID()]
	r.devices[d.ID()] = d
	r.mu.Unlock()
	if prior != nil && prior != d {
		prior.Close()
	}
	return d.ID()
}

// Get looks up a device by id.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "unknown device %q", id)
	}
	return d, nil
}

// Unregister removes a device and closes its connection. Unknown ids are a
// no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	d := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()
	if d != nil {
		d.Close()
	}
}

// IDs returns the registered device ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close tears down every registered device.
func (r *Registry) Close() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.devices = make(map[string]*Device)
	r.mu.Unlock()
	for _, d := range devices {
		d.Close()
	}
}
