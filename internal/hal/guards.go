package hal

import (
	"context"
	"time"

	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
)

// guardedMovable adds the NotHomed interlock (spec §4.2: "Movable.move_*
// fails with NotHomed if the device requires homing and has not yet been
// homed") on top of the driver's own Movable, and routes every call through
// Handle.invoke for lifecycle/shared-bus enforcement.
type guardedMovable struct {
	h *Handle
	m Movable
}

func (g *guardedMovable) requireHomed() error {
	g.h.mu.Lock()
	homed := g.h.homed
	g.h.mu.Unlock()
	if !homed {
		return halerr.New(halerr.NotHomed, g.h.cfg.ID, "device has not completed homing")
	}
	return nil
}

func (g *guardedMovable) MoveAbsolute(ctx context.Context, pos float64) error {
	if err := g.requireHomed(); err != nil {
		return err
	}
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.m.MoveAbsolute(ctx, pos) })
}

func (g *guardedMovable) MoveRelative(ctx context.Context, delta float64) error {
	if err := g.requireHomed(); err != nil {
		return err
	}
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.m.MoveRelative(ctx, delta) })
}

func (g *guardedMovable) Position(ctx context.Context) (float64, error) {
	var pos float64
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var err error
		pos, err = g.m.Position(ctx)
		return err
	})
	return pos, err
}

func (g *guardedMovable) WaitSettled(ctx context.Context, deadline time.Time) error {
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.m.WaitSettled(ctx, deadline) })
}

func (g *guardedMovable) Stop(ctx context.Context) error {
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.m.Stop(ctx) })
}

// Home satisfies Homer when the underlying driver does; a successful call
// clears the NotHomed interlock for subsequent moves.
func (g *guardedMovable) Home(ctx context.Context) error {
	homer, ok := g.m.(Homer)
	if !ok {
		return halerr.New(halerr.CapabilityUnavailable, g.h.cfg.ID, "driver does not support homing")
	}
	err := g.h.invoke(ctx, homer.Home)
	if err == nil {
		g.h.mu.Lock()
		g.h.homed = true
		g.h.mu.Unlock()
	}
	return err
}

type guardedReadable struct {
	h *Handle
	r Readable
}

func (g *guardedReadable) Read(ctx context.Context) (measurement.Measurement, error) {
	var result measurement.Measurement
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		v, e := g.r.Read(ctx)
		result = v
		return e
	})
	return result, err
}

type guardedTriggerable struct {
	h *Handle
	t Triggerable
}

func (g *guardedTriggerable) Arm(ctx context.Context) error {
	return g.h.invoke(ctx, g.t.Arm)
}
func (g *guardedTriggerable) Disarm(ctx context.Context) error {
	return g.h.invoke(ctx, g.t.Disarm)
}
func (g *guardedTriggerable) SoftTrigger(ctx context.Context) error {
	return g.h.invoke(ctx, g.t.SoftTrigger)
}
func (g *guardedTriggerable) WaitTrigger(ctx context.Context, deadline time.Time) error {
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.t.WaitTrigger(ctx, deadline) })
}

type guardedFrameProducer struct {
	h  *Handle
	fp FrameProducer
}

func (g *guardedFrameProducer) AcquireOne(ctx context.Context) (Frame, error) {
	var f Frame
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		f, e = g.fp.AcquireOne(ctx)
		return e
	})
	return f, err
}

func (g *guardedFrameProducer) StartStream(ctx context.Context) (FrameStream, error) {
	var s FrameStream
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		s, e = g.fp.StartStream(ctx)
		return e
	})
	return s, err
}

func (g *guardedFrameProducer) StopStream(ctx context.Context) error {
	return g.h.invoke(ctx, g.fp.StopStream)
}

type guardedExposureControl struct {
	h *Handle
	e ExposureControl
}

func (g *guardedExposureControl) SetExposureMs(ctx context.Context, ms float64) error {
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.e.SetExposureMs(ctx, ms) })
}

func (g *guardedExposureControl) GetExposureMs(ctx context.Context) (float64, error) {
	var ms float64
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		ms, e = g.e.GetExposureMs(ctx)
		return e
	})
	return ms, err
}

type guardedWavelengthTunable struct {
	h *Handle
	w WavelengthTunable
}

func (g *guardedWavelengthTunable) SetWavelengthNm(ctx context.Context, nm float64) error {
	return g.h.invoke(ctx, func(ctx context.Context) error { return g.w.SetWavelengthNm(ctx, nm) })
}

func (g *guardedWavelengthTunable) GetWavelengthNm(ctx context.Context) (float64, error) {
	var nm float64
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		nm, e = g.w.GetWavelengthNm(ctx)
		return e
	})
	return nm, err
}

type guardedShutterControl struct {
	h *Handle
	s ShutterControl
}

func (g *guardedShutterControl) Open(ctx context.Context) error {
	return g.h.invoke(ctx, g.s.Open)
}
func (g *guardedShutterControl) Close(ctx context.Context) error {
	return g.h.invoke(ctx, g.s.Close)
}
func (g *guardedShutterControl) State(ctx context.Context) (ShutterState, error) {
	var st ShutterState
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		st, e = g.s.State(ctx)
		return e
	})
	return st, err
}

// guardedEmissionControl enforces spec §4.2's interlock: Enable fails with
// Interlock unless a co-located ShutterControl reports Open. A device with
// no declared ShutterControl has nothing to interlock against and enables
// freely — the interlock exists to stop firing through a closed or
// indeterminate shutter, not to require one be present.
type guardedEmissionControl struct {
	h       *Handle
	e       EmissionControl
	shutter ShutterControl
}

func (g *guardedEmissionControl) Enable(ctx context.Context) error {
	if g.shutter != nil {
		st, err := g.shutter.State(ctx)
		if err != nil {
			return err
		}
		if st != ShutterOpen {
			return halerr.New(halerr.Interlock, g.h.cfg.ID, "shutter is %s, refusing to enable emission", st)
		}
	}
	return g.h.invoke(ctx, g.e.Enable)
}

func (g *guardedEmissionControl) Disable(ctx context.Context) error {
	return g.h.invoke(ctx, g.e.Disable)
}

func (g *guardedEmissionControl) Enabled(ctx context.Context) (bool, error) {
	var en bool
	err := g.h.invoke(ctx, func(ctx context.Context) error {
		var e error
		en, e = g.e.Enabled(ctx)
		return e
	})
	return en, err
}
