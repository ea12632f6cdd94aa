package orchestration

import (
	"context"

	"daqcore/internal/engine"
	"daqcore/internal/hal"
	"daqcore/internal/halerr"
)

// Orchestrator is the façade collaborators (scripts, the network control
// surface in spec §4.6) submit Plans and control commands through. It owns
// no state of its own beyond the wiring between Registry and RunEngine;
// pause/resume/abort/query_status are pure forwarding (spec §4.5 "Control
// commands (forwarded to C3)").
type Orchestrator struct {
	registry *hal.Registry
	engine   *engine.RunEngine

	// ConfigFingerprint identifies the configuration snapshot active when a
	// run is submitted (spec §3 Start: "device snapshot"); set once at
	// startup by cmd/daqd from internal/config's fingerprint.
	ConfigFingerprint string
}

// New wires an Orchestrator over an already-constructed Registry and
// RunEngine.
func New(registry *hal.Registry, eng *engine.RunEngine) *Orchestrator {
	return &Orchestrator{registry: registry, engine: eng}
}

// Submit validates spec.Requires against the Registry, builds the Start
// document's device snapshot, and queues the Plan on the Run Engine (spec
// §4.5 "Run submission"). A validation failure returns a PlanValidation
// error and queues nothing — no Start is emitted, no run uid is returned
// (spec §8 scenario 6).
func (o *Orchestrator) Submit(ctx context.Context, spec PlanSpec, metadata map[string]any) (string, error) {
	if err := o.validate(spec.Requires); err != nil {
		return "", err
	}
	snapshot := o.deviceSnapshot()
	return o.engine.Queue(ctx, spec.Plan, metadata, snapshot, o.ConfigFingerprint)
}

// validate checks every requirement's device exists and declares the
// needed capability, distinguishing "missing" from "uncapable" per spec
// §4.5's PlanValidationError(missing|uncapable).
func (o *Orchestrator) validate(requires []DeviceRequirement) error {
	for _, req := range requires {
		h, err := o.registry.Get(req.DeviceID)
		if err != nil {
			return halerr.New(halerr.PlanValidation, req.DeviceID, "%s: missing", req.DeviceID)
		}
		if !h.Declares(req.Capability) {
			return halerr.New(halerr.PlanValidation, req.DeviceID, "%s: uncapable (%s)", req.DeviceID, req.Capability)
		}
	}
	return nil
}

// deviceSnapshot captures every registered device's driver type and
// current parameter values, for the Start document's provenance (spec §3
// "device snapshot (ids + driver types + parameter values at t0)").
func (o *Orchestrator) deviceSnapshot() map[string]engine.DeviceSnapshot {
	out := make(map[string]engine.DeviceSnapshot)
	for _, id := range o.registry.IDs() {
		h, err := o.registry.Get(id)
		if err != nil {
			continue
		}
		out[id] = engine.DeviceSnapshot{
			DriverType: h.DriverType(),
			Parameters: h.Parameters().Snapshot(),
		}
	}
	return out
}

// Pause forwards to the Run Engine (spec §4.5 control command).
func (o *Orchestrator) Pause() error { return o.engine.Pause() }

// Resume forwards to the Run Engine (spec §4.5 control command).
func (o *Orchestrator) Resume() error { return o.engine.Resume() }

// Abort forwards to the Run Engine (spec §4.5 control command).
func (o *Orchestrator) Abort() error { return o.engine.Abort() }

// QueryStatus reports both the Run Engine's run-level status and every
// device's lifecycle status (spec §4.5 query_status; §6 query_status
// supplement extends this to device state too).
type StatusReport struct {
	Run     engine.Status
	Devices []hal.StatusOf
}

func (o *Orchestrator) QueryStatus() StatusReport {
	return StatusReport{Run: o.engine.QueryStatus(), Devices: o.registry.QueryStatus()}
}

// ReconnectDevice clears a Faulted/Disconnected device and re-attempts
// Connect (spec §6 SUPPLEMENTED FEATURES: reconnect_device).
func (o *Orchestrator) ReconnectDevice(ctx context.Context, id string) error {
	return o.registry.Reconnect(ctx, id)
}

// ListDevices reports every registered device id — the control surface's
// list_devices operation (spec §4.6).
func (o *Orchestrator) ListDevices() []string { return o.registry.IDs() }

// DescribeDevice reports one device's driver type and lifecycle state —
// the control surface's describe_device(id) operation. Declared
// capabilities are not included.
func (o *Orchestrator) DescribeDevice(id string) (DeviceDescription, error) {
	h, err := o.registry.Get(id)
	if err != nil {
		return DeviceDescription{}, err
	}
	return DeviceDescription{ID: id, DriverType: h.DriverType(), State: h.State()}, nil
}

// DeviceDescription is the describe_device(id) response shape.
type DeviceDescription struct {
	ID         string
	DriverType string
	State      hal.LifecycleState
}

// ListParameters reports device id's parameter names — the control
// surface's list_parameters(id) operation.
func (o *Orchestrator) ListParameters(id string) ([]string, error) {
	h, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return h.Parameters().Names(), nil
}

// ReadParameter reads one named Parameter's current value as a variant —
// the control surface's read_parameter(id,name) operation.
func (o *Orchestrator) ReadParameter(id, name string) (any, error) {
	h, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}
	p, ok := h.Parameters().Get(name)
	if !ok {
		return nil, halerr.New(halerr.Config, id, "no such parameter %q", name)
	}
	return p.ValueAsVariant(), nil
}

// WriteParameter writes value to one named Parameter — the control
// surface's write_parameter(id,name,value) operation, the live-edit path
// spec §8 scenario 4 exercises during a paused run.
func (o *Orchestrator) WriteParameter(ctx context.Context, id, name string, value any) error {
	h, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	p, ok := h.Parameters().Get(name)
	if !ok {
		return halerr.New(halerr.Config, id, "no such parameter %q", name)
	}
	return p.WriteVariant(ctx, value)
}
