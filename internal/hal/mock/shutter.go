package mock

import (
	"context"
	"sync"

	"daqcore/internal/hal"
	"daqcore/internal/param"
)

const DriverShutter = "mock_shutter"

// Shutter is a bare ShutterControl registered as its own device. The hal
// emission interlock consults only a device's own driver, so this shutter
// does not gate any Laser's EmissionControl.
type Shutter struct {
	id     string
	params *param.Set

	mu    sync.Mutex
	state hal.ShutterState
}

func init() {
	hal.RegisterDriver(DriverShutter, func(cfg hal.DeviceConfig) (hal.Driver, error) {
		return newShutter(cfg.ID), nil
	})
}

func newShutter(id string) *Shutter {
	return &Shutter{id: id, params: param.NewSet(), state: hal.ShutterClosed}
}

func (s *Shutter) ID() string             { return s.id }
func (s *Shutter) DriverType() string     { return DriverShutter }
func (s *Shutter) Parameters() *param.Set { return s.params }
func (s *Shutter) Connect(ctx context.Context) error { return nil }

func (s *Shutter) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = hal.ShutterOpen
	return nil
}

func (s *Shutter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = hal.ShutterClosed
	return nil
}

func (s *Shutter) State(ctx context.Context) (hal.ShutterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

var (
	_ hal.Driver         = (*Shutter)(nil)
	_ hal.ShutterControl = (*Shutter)(nil)
)
