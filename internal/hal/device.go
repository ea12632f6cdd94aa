package hal

import (
	"context"
	"sync"
	"time"

	"daqcore/internal/halerr"
	"daqcore/internal/param"
)

// LifecycleState is a device's position in the Disconnected → Connecting →
// Connected → {Disconnected, Faulted} lifecycle (spec §4.2). Faulted is
// terminal until an operator-issued reconnect.
type LifecycleState string

const (
	Disconnected LifecycleState = "disconnected"
	Connecting   LifecycleState = "connecting"
	Connected    LifecycleState = "connected"
	Faulted      LifecycleState = "faulted"
)

// DeviceConfig is the declarative description of one device entry under the
// `devices:` config section (spec §6): which capabilities it advertises,
// which shared bus it serializes on, and whether it requires homing before
// Movable accepts motion.
type DeviceConfig struct {
	ID             string
	DriverType     string
	BusKey         string
	Declared       []Capability
	RequiresHoming bool
	ConnectTimeout time.Duration
	// Connection carries driver-specific settings (port path, baud,
	// host:port, ...) straight through from the config file (spec §6
	// "connection (driver-specific...)"); the Registry never interprets
	// it, only the matching Builder does.
	Connection map[string]any
}

// Handle is a Registry-owned wrapper around one Driver: it enforces
// lifecycle gating, declared-capability advertisement, shared-bus mutual
// exclusion, and the Movable/EmissionControl interlocks of spec §4.2. Every
// capability accessor (Movable(), Readable(), ...) returns
// CapabilityUnavailable unless both the driver implements the Go interface
// AND the config declared it — declaration, not type introspection, gates
// what a Plan may address (spec §4.2 "advertised only for declared
// capabilities").
type Handle struct {
	cfg    DeviceConfig
	driver Driver
	bus    *sharedBus

	mu    sync.Mutex
	state LifecycleState
	homed bool
	// lastErr records the cause of the most recent Faulted transition, for
	// query_status (spec §4.5 supplemented detail).
	lastErr error
}

func newHandle(cfg DeviceConfig, driver Driver, bus *sharedBus) *Handle {
	return &Handle{cfg: cfg, driver: driver, bus: bus, state: Disconnected, homed: !cfg.RequiresHoming}
}

func (h *Handle) ID() string             { return h.cfg.ID }
func (h *Handle) DriverType() string     { return h.cfg.DriverType }
func (h *Handle) Parameters() *param.Set { return h.driver.Parameters() }

// Driver returns the underlying Driver instance. Intended for tests and for
// the supplemented query_status control command that needs driver-specific
// detail beyond lifecycle state; production Plan execution never calls
// this — it always goes through a capability accessor.
func (h *Handle) Driver() Driver { return h.driver }

// State returns the device's current lifecycle state.
func (h *Handle) State() LifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the error that last drove this device to Faulted, or
// nil if it has never faulted since the most recent successful Connect.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Declares reports whether cfg.Declared names c, independent of whether the
// underlying driver's Go type actually implements it — the orchestration
// façade's submit validation (spec §4.5 "uncapable") needs this answer
// without constructing a guarded capability proxy.
func (h *Handle) Declares(c Capability) bool { return h.declares(c) }

func (h *Handle) declares(c Capability) bool {
	for _, d := range h.cfg.Declared {
		if d == c {
			return true
		}
	}
	return false
}

// Connect transitions Disconnected → Connecting → Connected, or → Faulted
// on failure. It is idempotent on an already-Connected device.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.state == Connected {
		h.mu.Unlock()
		return nil
	}
	h.state = Connecting
	h.mu.Unlock()

	cctx := ctx
	var cancel context.CancelFunc
	if h.cfg.ConnectTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer cancel()
	}

	err := h.driver.Connect(cctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = Faulted
		h.lastErr = err
		return err
	}
	h.state = Connected
	h.lastErr = nil
	return nil
}

// Disconnect forces the device back to Disconnected regardless of prior
// state — used by the supplemented reconnect_device control command to
// clear a Faulted device before re-attempting Connect (spec §6 supplement).
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Disconnected
	h.lastErr = nil
}

// invoke is the single chokepoint every capability call passes through: it
// checks the device is Connected, serializes against the device's shared
// bus (if any), runs fn, and demotes the device to Faulted on a Transport
// error — mirroring the teacher's core.Device loop, which tore down a
// device's session on a transport-level NAK rather than retrying silently.
func (h *Handle) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state != Connected {
		return halerr.New(halerr.Transport, h.cfg.ID, "device is %s, not connected", state)
	}

	unlock := h.bus.lock(ctx, h.cfg.BusKey)
	defer unlock()

	err := fn(ctx)
	if halerr.Is(err, halerr.Transport) {
		h.mu.Lock()
		h.state = Faulted
		h.lastErr = err
		h.mu.Unlock()
	}
	return err
}

func unavailable(id string, c Capability) error {
	return halerr.New(halerr.CapabilityUnavailable, id, "capability %q not declared", c)
}

// Movable returns a guarded Movable proxy, or CapabilityUnavailable if
// undeclared or the driver doesn't implement it.
func (h *Handle) Movable() (Movable, error) {
	m, ok := h.driver.(Movable)
	if !h.declares(CapMovable) || !ok {
		return nil, unavailable(h.cfg.ID, CapMovable)
	}
	return &guardedMovable{h: h, m: m}, nil
}

// Readable returns a guarded Readable proxy, or CapabilityUnavailable.
func (h *Handle) Readable() (Readable, error) {
	r, ok := h.driver.(Readable)
	if !h.declares(CapReadable) || !ok {
		return nil, unavailable(h.cfg.ID, CapReadable)
	}
	return &guardedReadable{h: h, r: r}, nil
}

// Triggerable returns a guarded Triggerable proxy, or CapabilityUnavailable.
func (h *Handle) Triggerable() (Triggerable, error) {
	t, ok := h.driver.(Triggerable)
	if !h.declares(CapTriggerable) || !ok {
		return nil, unavailable(h.cfg.ID, CapTriggerable)
	}
	return &guardedTriggerable{h: h, t: t}, nil
}

// FrameProducer returns a guarded FrameProducer proxy, or
// CapabilityUnavailable.
func (h *Handle) FrameProducer() (FrameProducer, error) {
	fp, ok := h.driver.(FrameProducer)
	if !h.declares(CapFrameProducer) || !ok {
		return nil, unavailable(h.cfg.ID, CapFrameProducer)
	}
	return &guardedFrameProducer{h: h, fp: fp}, nil
}

// ExposureControl returns a guarded ExposureControl proxy, or
// CapabilityUnavailable.
func (h *Handle) ExposureControl() (ExposureControl, error) {
	e, ok := h.driver.(ExposureControl)
	if !h.declares(CapExposureControl) || !ok {
		return nil, unavailable(h.cfg.ID, CapExposureControl)
	}
	return &guardedExposureControl{h: h, e: e}, nil
}

// WavelengthTunable returns a guarded WavelengthTunable proxy, or
// CapabilityUnavailable.
func (h *Handle) WavelengthTunable() (WavelengthTunable, error) {
	w, ok := h.driver.(WavelengthTunable)
	if !h.declares(CapWavelengthTunable) || !ok {
		return nil, unavailable(h.cfg.ID, CapWavelengthTunable)
	}
	return &guardedWavelengthTunable{h: h, w: w}, nil
}

// ShutterControl returns a guarded ShutterControl proxy, or
// CapabilityUnavailable.
func (h *Handle) ShutterControl() (ShutterControl, error) {
	s, ok := h.driver.(ShutterControl)
	if !h.declares(CapShutterControl) || !ok {
		return nil, unavailable(h.cfg.ID, CapShutterControl)
	}
	return &guardedShutterControl{h: h, s: s}, nil
}

// EmissionControl returns a guarded EmissionControl proxy interlocked
// against this same device's ShutterControl (if it has one), or
// CapabilityUnavailable.
func (h *Handle) EmissionControl() (EmissionControl, error) {
	e, ok := h.driver.(EmissionControl)
	if !h.declares(CapEmissionControl) || !ok {
		return nil, unavailable(h.cfg.ID, CapEmissionControl)
	}
	shutter, _ := h.driver.(ShutterControl)
	if !h.declares(CapShutterControl) {
		shutter = nil
	}
	return &guardedEmissionControl{h: h, e: e, shutter: shutter}, nil
}
