// Package mock implements in-memory device drivers exercising every
// internal/hal capability contract, for development and for the spec's
// end-to-end scenarios to run against without real hardware.
//
// Grounded on services/hal/devices/ltc4015's builder+device pairing: a
// small Builder closure captures static config and returns a concrete
// Device, registered by driver type at package init. Failure injection
// (mock_stage) follows worker/measure_worker_test.go's fakeAdaptor, which
// exposed settable error fields a test could flip to force a fault path.
package mock

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/measurement"
	"daqcore/internal/param"
)

const DriverPowerMeter = "mock_pm"

// PowerMeter is a Readable yielding a noisy power reading around a
// configured baseline.
type PowerMeter struct {
	id       string
	params   *param.Set
	baseline *param.Parameter[float64]
	noise    float64
	seq      uint64
}

func init() {
	hal.RegisterDriver(DriverPowerMeter, func(cfg hal.DeviceConfig) (hal.Driver, error) {
		return newPowerMeter(cfg.ID), nil
	})
}

func newPowerMeter(id string) *PowerMeter {
	set := param.NewSet()
	baseline := param.NewParameter(1.0, param.Config[float64]{
		Name: "baseline_w", Unit: "W", Writable: true, ValueKind: param.KindFloat,
		HasRange: true, RangeMin: 0, RangeMax: 100,
	})
	set.Add(baseline)
	return &PowerMeter{id: id, params: set, baseline: baseline, noise: 0.02}
}

func (m *PowerMeter) ID() string             { return m.id }
func (m *PowerMeter) DriverType() string     { return DriverPowerMeter }
func (m *PowerMeter) Parameters() *param.Set { return m.params }

func (m *PowerMeter) Connect(ctx context.Context) error { return nil }

func (m *PowerMeter) Read(ctx context.Context) (measurement.Measurement, error) {
	base := m.baseline.Get()
	jitter := (rand.Float64()*2 - 1) * m.noise * base
	seq := atomic.AddUint64(&m.seq, 1)
	return measurement.NewScalar(base+jitter, "W", time.Now().UnixNano(), seq), nil
}

var (
	_ hal.Driver   = (*PowerMeter)(nil)
	_ hal.Readable = (*PowerMeter)(nil)
)
