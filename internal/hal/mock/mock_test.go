package mock

import (
	"context"
	"testing"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/halerr"

	"github.com/stretchr/testify/require"
)

func TestPowerMeter_ReadsThroughRegistry(t *testing.T) {
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{ID: "pm0", DriverType: DriverPowerMeter, Declared: []hal.Capability{hal.CapReadable}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	readable, err := h.Readable()
	require.NoError(t, err)
	m, err := readable.Read(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 1.0, m.Scalar.Value, 0.1)
}

func TestStage_FailureInjectionFaultsDevice(t *testing.T) {
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{ID: "stage0", DriverType: DriverStage, Declared: []hal.Capability{hal.CapMovable}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	movable, err := h.Movable()
	require.NoError(t, err)
	require.NoError(t, movable.(hal.Homer).Home(context.Background()))

	require.NoError(t, movable.MoveAbsolute(context.Background(), 10))
	pos, err := movable.Position(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10.0, pos)

	stageDriver := h.Driver().(*Stage)
	stageDriver.FailNext = 1

	err = movable.MoveAbsolute(context.Background(), 20)
	require.Error(t, err)
	require.Equal(t, halerr.Transport, halerr.Of(err))
	require.Equal(t, hal.Faulted, h.State())

	// MoveAbsolute having faulted the device, a retry must fail Transport
	// again (not silently succeed) until an operator reconnects it.
	err = movable.MoveAbsolute(context.Background(), 20)
	require.Error(t, err)
	require.Equal(t, halerr.Transport, halerr.Of(err))
}

func TestLaser_EmissionInterlockedOnOwnShutter(t *testing.T) {
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{
		ID: "laser0", DriverType: DriverLaser,
		Declared: []hal.Capability{hal.CapEmissionControl, hal.CapShutterControl, hal.CapWavelengthTunable},
	})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	emission, err := h.EmissionControl()
	require.NoError(t, err)
	err = emission.Enable(context.Background())
	require.Error(t, err)
	require.Equal(t, halerr.Interlock, halerr.Of(err))

	shutter, err := h.ShutterControl()
	require.NoError(t, err)
	require.NoError(t, shutter.Open(context.Background()))
	require.NoError(t, emission.Enable(context.Background()))

	wave, err := h.WavelengthTunable()
	require.NoError(t, err)
	require.NoError(t, wave.SetWavelengthNm(context.Background(), 633))
	nm, err := wave.GetWavelengthNm(context.Background())
	require.NoError(t, err)
	require.Equal(t, 633.0, nm)
}

func TestCamera_AcquireOneAndTriggerCycle(t *testing.T) {
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{
		ID: "cam0", DriverType: DriverCamera,
		Declared: []hal.Capability{hal.CapFrameProducer, hal.CapTriggerable, hal.CapExposureControl},
	})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	exposure, err := h.ExposureControl()
	require.NoError(t, err)
	require.NoError(t, exposure.SetExposureMs(context.Background(), 5))

	fp, err := h.FrameProducer()
	require.NoError(t, err)
	frame, err := fp.AcquireOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, 64*64, len(frame.Image.Data))

	trig, err := h.Triggerable()
	require.NoError(t, err)
	require.NoError(t, trig.Arm(context.Background()))
	require.NoError(t, trig.SoftTrigger(context.Background()))
	require.NoError(t, trig.WaitTrigger(context.Background(), time.Now().Add(time.Second)))
	require.NoError(t, trig.Disarm(context.Background()))
}
