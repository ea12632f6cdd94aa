package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
	"daqcore/internal/param"
)

const DriverCamera = "mock_camera"

// Camera is a FrameProducer + Triggerable + ExposureControl producing
// synthetic Mono8 frames of a fixed size. Grounded on the teacher's
// split-phase trigger/collect worker (worker/measure_worker.go): Arm
// primes acquisition, SoftTrigger or an external WaitTrigger releases one
// frame, mirroring the worker's "submit, then wait for completion on a
// separate channel" shape.
type Camera struct {
	id     string
	params *param.Set
	width, height int

	exposure *param.Parameter[float64]

	mu      sync.Mutex
	armed   bool
	seq     uint64
	trigger chan struct{}
}

func init() {
	hal.RegisterDriver(DriverCamera, func(cfg hal.DeviceConfig) (hal.Driver, error) {
		return newCamera(cfg.ID, 64, 64), nil
	})
}

func newCamera(id string, width, height int) *Camera {
	set := param.NewSet()
	exposure := param.NewParameter(10.0, param.Config[float64]{
		Name: "exposure_ms", Unit: "ms", Writable: true, ValueKind: param.KindFloat,
		HasRange: true, RangeMin: 0.1, RangeMax: 10000,
	})
	set.Add(exposure)
	return &Camera{id: id, params: set, width: width, height: height, exposure: exposure}
}

func (c *Camera) ID() string             { return c.id }
func (c *Camera) DriverType() string     { return DriverCamera }
func (c *Camera) Parameters() *param.Set { return c.params }

func (c *Camera) Connect(ctx context.Context) error { return nil }

func (c *Camera) SetExposureMs(ctx context.Context, ms float64) error {
	return c.exposure.Write(ctx, ms)
}

func (c *Camera) GetExposureMs(ctx context.Context) (float64, error) {
	return c.exposure.Get(), nil
}

func (c *Camera) Arm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed {
		return halerr.New(halerr.Protocol, c.id, "already armed")
	}
	c.armed = true
	c.trigger = make(chan struct{}, 1)
	return nil
}

func (c *Camera) Disarm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.trigger = nil
	return nil
}

func (c *Camera) SoftTrigger(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return halerr.New(halerr.Protocol, c.id, "not armed")
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (c *Camera) WaitTrigger(ctx context.Context, deadline time.Time) error {
	c.mu.Lock()
	ch := c.trigger
	c.mu.Unlock()
	if ch == nil {
		return halerr.New(halerr.Protocol, c.id, "not armed")
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, c.id, ctx.Err())
	case <-timer.C:
		return halerr.New(halerr.Timeout, c.id, "no trigger before deadline")
	case <-ch:
		return nil
	}
}

// AcquireOne synthesizes one frame of solid-gray Mono8 data.
func (c *Camera) AcquireOne(ctx context.Context) (hal.Frame, error) {
	seq := atomic.AddUint64(&c.seq, 1)
	data := make([]byte, c.width*c.height)
	level := byte((seq * 7) % 256)
	for i := range data {
		data[i] = level
	}
	img := measurement.Image{Width: c.width, Height: c.height, Stride: c.width, Format: measurement.Mono8, Data: data}
	return hal.Frame{Image: img, TsNs: time.Now().UnixNano(), Seq: seq}, nil
}

// frameStream drives AcquireOne on a fixed cadence until Close.
type frameStream struct {
	cam    *Camera
	period time.Duration
	done   chan struct{}
	closed sync.Once
}

func (fs *frameStream) Next(ctx context.Context) (hal.Frame, error) {
	select {
	case <-ctx.Done():
		return hal.Frame{}, halerr.Wrap(halerr.Cancelled, fs.cam.id, ctx.Err())
	case <-fs.done:
		return hal.Frame{}, halerr.New(halerr.Protocol, fs.cam.id, "stream stopped")
	case <-time.After(fs.period):
		return fs.cam.AcquireOne(ctx)
	}
}

func (fs *frameStream) Close() error {
	fs.closed.Do(func() { close(fs.done) })
	return nil
}

func (c *Camera) StartStream(ctx context.Context) (hal.FrameStream, error) {
	return &frameStream{cam: c, period: 20 * time.Millisecond, done: make(chan struct{})}, nil
}

func (c *Camera) StopStream(ctx context.Context) error { return nil }

var (
	_ hal.Driver          = (*Camera)(nil)
	_ hal.Triggerable     = (*Camera)(nil)
	_ hal.FrameProducer   = (*Camera)(nil)
	_ hal.ExposureControl = (*Camera)(nil)
)
