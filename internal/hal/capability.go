// Package hal implements the capability-based Hardware Abstraction Layer
// and Device Registry of spec §4.2 (component C2): narrow, composable
// capability contracts over a Device rather than a monolithic interface,
// advertised only for the capabilities a device's configuration declares.
//
// Grounded on the teacher's services/hal/internal/core package: its
// Device/Builder/ResourceRegistry triple becomes this package's
// Driver/Registry/shared-bus-mutex triple, and its split-phase
// Trigger/Collect worker (services/hal/internal/worker) is the direct
// ancestor of Triggerable/FrameProducer's arm-then-wait shape. See
// DESIGN.md for the full grounding note.
package hal

import (
	"context"
	"time"

	"daqcore/internal/measurement"
	"daqcore/internal/param"
)

// Capability names a narrow contract a Device may implement (spec §4.2).
type Capability string

const (
	CapMovable            Capability = "movable"
	CapReadable           Capability = "readable"
	CapTriggerable        Capability = "triggerable"
	CapFrameProducer      Capability = "frame_producer"
	CapExposureControl    Capability = "exposure_control"
	CapWavelengthTunable  Capability = "wavelength_tunable"
	CapShutterControl     Capability = "shutter_control"
	CapEmissionControl    Capability = "emission_control"
	CapParameterized      Capability = "parameterized"
)

// Movable is absolute/relative position control in a device-defined unit
// space.
type Movable interface {
	MoveAbsolute(ctx context.Context, pos float64) error
	MoveRelative(ctx context.Context, delta float64) error
	Position(ctx context.Context) (float64, error)
	// WaitSettled returns Ok once the device reports motion complete within
	// its own declared tolerance, Timeout if deadline elapses first. It does
	// not itself issue motion.
	WaitSettled(ctx context.Context, deadline time.Time) error
	Stop(ctx context.Context) error
}

// Homer is implemented by Movable devices that require an explicit homing
// sequence before MoveAbsolute/MoveRelative will succeed (spec §4.2
// NotHomed). Devices that don't require homing simply don't implement it.
type Homer interface {
	Home(ctx context.Context) error
}

// Readable produces one scalar Measurement on demand.
type Readable interface {
	Read(ctx context.Context) (measurement.Measurement, error)
}

// Triggerable is arm/disarm/software-trigger control.
type Triggerable interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	SoftTrigger(ctx context.Context) error
	WaitTrigger(ctx context.Context, deadline time.Time) error
}

// Frame is one produced image plus the device-local sequence it was
// captured under.
type Frame struct {
	Image measurement.Image
	TsNs  int64
	Seq   uint64
}

// FrameStream is a lazy, non-restartable sequence of frames. Closing it
// must stop the underlying stream (spec §4.2).
type FrameStream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameProducer is single-frame acquisition plus continuous streaming.
type FrameProducer interface {
	AcquireOne(ctx context.Context) (Frame, error)
	StartStream(ctx context.Context) (FrameStream, error)
	StopStream(ctx context.Context) error
}

// ExposureControl is a set/get pair for camera-like exposure time.
type ExposureControl interface {
	SetExposureMs(ctx context.Context, ms float64) error
	GetExposureMs(ctx context.Context) (float64, error)
}

// WavelengthTunable is a set/get pair for tunable-wavelength sources.
type WavelengthTunable interface {
	SetWavelengthNm(ctx context.Context, nm float64) error
	GetWavelengthNm(ctx context.Context) (float64, error)
}

// ShutterState is the reported position of a ShutterControl.
type ShutterState string

const (
	ShutterOpen    ShutterState = "open"
	ShutterClosed  ShutterState = "closed"
	ShutterUnknown ShutterState = "unknown"
)

// ShutterControl gates optical emission. Open succeeds even with emission
// off; Close is idempotent (spec §4.2).
type ShutterControl interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	State(ctx context.Context) (ShutterState, error)
}

// EmissionControl enables/disables a device's emission, interlocked against
// a co-located ShutterControl (spec §4.2: Enable fails with Interlock if
// the shutter reports open or unknown).
type EmissionControl interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)
}

// Parameterized exposes a device's observable attribute set.
type Parameterized interface {
	Parameters() *param.Set
}

// Driver is the minimal contract every device driver implements regardless
// of which optional capabilities (above) it also satisfies via Go's
// structural typing — a driver that additionally implements Movable, say,
// is eligible for CapMovable once config declares it.
type Driver interface {
	ID() string
	DriverType() string
	Parameters() *param.Set
	// Connect configures the hardware and populates read-back Parameters.
	Connect(ctx context.Context) error
}
