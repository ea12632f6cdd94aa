package hal

import (
	"context"
	"fmt"
	"sync"

	"daqcore/internal/halerr"
)

// Builder constructs a Driver from its declared config. Drivers register a
// Builder under their DriverType at package init time — the same
// registration idiom as the teacher's registry.RegisterBuilder, generalized
// from a fixed device-type enum to an open string so out-of-tree mock
// drivers (internal/hal/mock) register the same way real ones would.
type Builder func(cfg DeviceConfig) (Driver, error)

var (
	buildersMu sync.Mutex
	builders   = map[string]Builder{}
)

// RegisterDriver makes a Builder available under driverType for
// Registry.Add to look up. Intended to run from an init() in the driver's
// package. Panics on a duplicate driverType — a programming error, not a
// runtime condition.
func RegisterDriver(driverType string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, exists := builders[driverType]; exists {
		panic(fmt.Sprintf("hal: duplicate driver type %q", driverType))
	}
	builders[driverType] = b
}

// Registry owns every configured device's Handle and the shared-bus mutexes
// they contend on. Grounded on the teacher's services/hal/internal/core
// Registry plus services/hal/internal/registry/registry.go's name→instance
// map; this Registry additionally threads the config-declared capability
// set through to each Handle (the teacher's registry had no capability
// concept — every Device there was presumed to support every operation its
// concrete type's methods allowed).
type Registry struct {
	mu      sync.RWMutex
	bus     *sharedBus
	handles map[string]*Handle
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bus: newSharedBus(), handles: make(map[string]*Handle)}
}

// Add constructs a device from its DeviceConfig via the registered Builder
// for cfg.DriverType and adds it to the registry under cfg.ID. It does not
// connect the device — call Connect (or Handle.Connect) separately so
// startup can parallelize connection attempts.
func (r *Registry) Add(cfg DeviceConfig) (*Handle, error) {
	buildersMu.Lock()
	build, ok := builders[cfg.DriverType]
	buildersMu.Unlock()
	if !ok {
		return nil, halerr.New(halerr.Config, cfg.ID, "no driver registered for type %q", cfg.DriverType)
	}
	driver, err := build(cfg)
	if err != nil {
		return nil, halerr.Wrap(halerr.Config, cfg.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[cfg.ID]; exists {
		return nil, halerr.New(halerr.Config, cfg.ID, "duplicate device id")
	}
	h := newHandle(cfg, driver, r.bus)
	r.handles[cfg.ID] = h
	r.order = append(r.order, cfg.ID)
	return h, nil
}

// Get looks up a device's Handle by id.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, halerr.New(halerr.Config, id, "no such device")
	}
	return h, nil
}

// IDs returns every registered device id in the order it was added.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ConnectAll connects every registered device concurrently and returns a
// map of device id to connection error for any that failed (the device
// itself is left Faulted; a failure here is not fatal to the others).
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	ids := r.IDs()
	type result struct {
		id  string
		err error
	}
	results := make(chan result, len(ids))
	for _, id := range ids {
		h, _ := r.Get(id)
		go func(id string, h *Handle) {
			results <- result{id: id, err: h.Connect(ctx)}
		}(id, h)
	}
	failures := make(map[string]error)
	for range ids {
		res := <-results
		if res.err != nil {
			failures[res.id] = res.err
		}
	}
	return failures
}

// Reconnect clears a device's Faulted/Disconnected state and re-attempts
// Connect — the supplemented reconnect_device control command (spec §6
// SUPPLEMENTED FEATURES).
func (r *Registry) Reconnect(ctx context.Context, id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	h.Disconnect()
	return h.Connect(ctx)
}

// StatusOf reports a device's lifecycle state and, if Faulted, the error
// that caused it — the query_status detail supplemented into spec §6.
type StatusOf struct {
	ID    string
	State LifecycleState
	Err   error
}

// QueryStatus returns StatusOf for every registered device.
func (r *Registry) QueryStatus() []StatusOf {
	ids := r.IDs()
	out := make([]StatusOf, 0, len(ids))
	for _, id := range ids {
		h, _ := r.Get(id)
		out = append(out, StatusOf{ID: id, State: h.State(), Err: h.LastError()})
	}
	return out
}
