package mock

import (
	"context"
	"sync"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/halerr"
	"daqcore/internal/mathx"
	"daqcore/internal/param"
)

const DriverStage = "mock_stage"

// Stage is a Movable linear motor with instantaneous motion and optional
// failure injection — a test may set FailNext to make the next N moves
// return a Transport error, exercising the
// Run Engine's retry(n, backoff) and fatal-by-default paths against a
// predictable fault (spec §8 end-to-end scenario 2).
type Stage struct {
	id       string
	params   *param.Set
	limit    *param.Parameter[float64]
	posParam *param.Parameter[float64]

	mu       sync.Mutex
	position float64
	homed    bool

	// FailNext, when > 0, makes the next N MoveAbsolute/MoveRelative calls
	// return a Transport error and decrements itself; tests set this
	// directly before exercising a fault path.
	FailNext int
}

func init() {
	hal.RegisterDriver(DriverStage, func(cfg hal.DeviceConfig) (hal.Driver, error) {
		return newStage(cfg.ID), nil
	})
}

func newStage(id string) *Stage {
	set := param.NewSet()
	limit := param.NewParameter(50.0, param.Config[float64]{
		Name: "travel_limit_mm", Unit: "mm", Writable: true, ValueKind: param.KindFloat,
		HasRange: true, RangeMin: 0, RangeMax: 200,
	})
	set.Add(limit)

	st := &Stage{id: id, params: set, limit: limit}
	// position_mm is the Parameter a Plan's Set(device, "position_mm", x)
	// message writes to drive motion (spec §4.3: "a running move_absolute
	// completes ... before the engine enters Paused" — motion is a Set
	// dispatch under the hood); its HardwareWrite delegates to MoveAbsolute
	// so direct Movable callers and Plan-driven moves share one code path.
	// Reloaded after every successful move so a Create message can also
	// source it as a live-read field (SourceParameter) rather than only a
	// cached Read.
	st.posParam = param.NewParameter(0.0, param.Config[float64]{
		Name: "position_mm", Unit: "mm", Writable: true, ValueKind: param.KindFloat,
		HardwareWrite: func(ctx context.Context, proposed float64) error {
			return st.MoveAbsolute(ctx, proposed)
		},
	})
	set.Add(st.posParam)
	return st
}

func (s *Stage) ID() string             { return s.id }
func (s *Stage) DriverType() string     { return DriverStage }
func (s *Stage) Parameters() *param.Set { return s.params }

func (s *Stage) Connect(ctx context.Context) error { return nil }

func (s *Stage) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext > 0 {
		s.FailNext--
		return halerr.New(halerr.Transport, s.id, "%s: injected transport failure", op)
	}
	return nil
}

func (s *Stage) MoveAbsolute(ctx context.Context, pos float64) error {
	if err := s.takeFailure("move_absolute"); err != nil {
		return err
	}
	limit := s.limit.Get()
	if !mathx.Between(pos, -limit, limit) {
		return halerr.New(halerr.OutOfRange, s.id, "%v outside travel limit %v", pos, limit)
	}
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
	s.posParam.Reload(pos)
	return nil
}

func (s *Stage) MoveRelative(ctx context.Context, delta float64) error {
	s.mu.Lock()
	target := s.position + delta
	s.mu.Unlock()
	return s.MoveAbsolute(ctx, target)
}

func (s *Stage) Position(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

// WaitSettled returns immediately (motion in this mock is instantaneous)
// unless ctx is already cancelled or the deadline has already passed.
func (s *Stage) WaitSettled(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, s.id, ctx.Err())
	default:
	}
	if time.Now().After(deadline) {
		return halerr.New(halerr.Timeout, s.id, "settle deadline already elapsed")
	}
	return nil
}

func (s *Stage) Stop(ctx context.Context) error { return nil }

// Home satisfies hal.Homer. Always succeeds in the mock.
func (s *Stage) Home(ctx context.Context) error {
	s.mu.Lock()
	s.position = 0
	s.homed = true
	s.mu.Unlock()
	s.posParam.Reload(0)
	return nil
}

var (
	_ hal.Driver  = (*Stage)(nil)
	_ hal.Movable = (*Stage)(nil)
	_ hal.Homer   = (*Stage)(nil)
)
