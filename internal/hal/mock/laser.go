package mock

import (
	"context"
	"sync"

	"daqcore/internal/hal"
	"daqcore/internal/param"
)

const DriverLaser = "mock_laser"

// Laser is a single device combining EmissionControl, WavelengthTunable,
// and its own ShutterControl — the common case where a laser head's
// internal shutter is what the Registry interlocks emission against
// (spec §4.2). A standalone beam shutter elsewhere in the optical path is
// modeled separately by mock_shutter.
type Laser struct {
	id       string
	params   *param.Set
	wavelen  *param.Parameter[float64]

	mu      sync.Mutex
	shutter hal.ShutterState
	enabled bool
}

func init() {
	hal.RegisterDriver(DriverLaser, func(cfg hal.DeviceConfig) (hal.Driver, error) {
		return newLaser(cfg.ID), nil
	})
}

func newLaser(id string) *Laser {
	set := param.NewSet()
	wavelen := param.NewParameter(532.0, param.Config[float64]{
		Name: "wavelength_nm", Unit: "nm", Writable: true, ValueKind: param.KindFloat,
		HasRange: true, RangeMin: 400, RangeMax: 1100,
	})
	set.Add(wavelen)
	return &Laser{id: id, params: set, wavelen: wavelen, shutter: hal.ShutterClosed}
}

func (l *Laser) ID() string             { return l.id }
func (l *Laser) DriverType() string     { return DriverLaser }
func (l *Laser) Parameters() *param.Set { return l.params }
func (l *Laser) Connect(ctx context.Context) error { return nil }

func (l *Laser) SetWavelengthNm(ctx context.Context, nm float64) error {
	return l.wavelen.Write(ctx, nm)
}

func (l *Laser) GetWavelengthNm(ctx context.Context) (float64, error) {
	return l.wavelen.Get(), nil
}

func (l *Laser) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutter = hal.ShutterOpen
	return nil
}

func (l *Laser) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutter = hal.ShutterClosed
	return nil
}

func (l *Laser) State(ctx context.Context) (hal.ShutterState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutter, nil
}

func (l *Laser) Enable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	return nil
}

func (l *Laser) Disable(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return nil
}

func (l *Laser) Enabled(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled, nil
}

var (
	_ hal.Driver            = (*Laser)(nil)
	_ hal.WavelengthTunable = (*Laser)(nil)
	_ hal.ShutterControl    = (*Laser)(nil)
	_ hal.EmissionControl   = (*Laser)(nil)
)
