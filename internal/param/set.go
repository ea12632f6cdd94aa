package param

import (
	"fmt"
	"sync"

	"daqcore/internal/halerr"
)

// Set is an ordered mapping from Parameter name to a type-erased Handle
// (spec §4.1). Names are unique within a device and fixed for its lifetime
// once the device finishes construction — Add panics on a duplicate name,
// the same "fail fast, don't silently shadow" posture the teacher's
// registry.RegisterBuilder takes on a duplicate device type.
type Set struct {
	mu    sync.RWMutex
	order []string
	byName map[string]Handle
}

// NewSet returns an empty, ready-to-populate Set.
func NewSet() *Set {
	return &Set{byName: make(map[string]Handle)}
}

// Add registers a Parameter under its own Descriptor.Name. Panics if the
// name is already taken — a device's parameter set is declared once at
// construction time, not mutated afterward.
func (s *Set) Add(h Handle) {
	name := h.Describe().Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		panic(fmt.Sprintf("param: duplicate parameter name %q", name))
	}
	s.byName[name] = h
	s.order = append(s.order, name)
}

// Get looks up a Parameter handle by name.
func (s *Set) Get(name string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byName[name]
	return h, ok
}

// MustGet looks up a Parameter handle by name, returning a halerr.Config
// error (not panicking) when absent — used by the run engine resolving a
// Plan's Set(device, parameter, value) message.
func (s *Set) MustGet(name string) (Handle, error) {
	h, ok := s.Get(name)
	if !ok {
		return nil, halerr.New(halerr.Config, name, "no such parameter")
	}
	return h, nil
}

// Names returns parameter names in declaration order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Snapshot captures every Parameter's current value as a variant map — the
// device-parameter-values-at-t0 half of a Start document's provenance
// (spec §4.3).
func (s *Set) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.order))
	for _, name := range s.order {
		out[name] = s.byName[name].ValueAsVariant()
	}
	return out
}

// Describe returns every Parameter's Descriptor in declaration order, for
// network/GUI enumeration.
func (s *Set) Describe() []Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Descriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name].Describe())
	}
	return out
}
