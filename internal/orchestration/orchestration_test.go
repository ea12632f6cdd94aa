package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"daqcore/internal/engine"
	"daqcore/internal/hal"
	"daqcore/internal/hal/mock"
	"daqcore/internal/halerr"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	docs []engine.Document
}

func (s *recordingSink) Publish(ctx context.Context, doc engine.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

func (s *recordingSink) Flush(ctx context.Context) error { return nil }

func (s *recordingSink) snapshot() []engine.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Document, len(s.docs))
	copy(out, s.docs)
	return out
}

func newOrchestrator(t *testing.T) (*Orchestrator, *hal.Registry) {
	t.Helper()
	r := hal.NewRegistry()
	sink := &recordingSink{}
	eng := engine.NewRunEngine(r, sink, nil, nil)
	return New(r, eng), r
}

func addPowerMeter(t *testing.T, r *hal.Registry, id string) {
	t.Helper()
	h, err := r.Add(hal.DeviceConfig{ID: id, DriverType: mock.DriverPowerMeter, Declared: []hal.Capability{hal.CapReadable}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
}

func addStage(t *testing.T, r *hal.Registry, id string) {
	t.Helper()
	h, err := r.Add(hal.DeviceConfig{ID: id, DriverType: mock.DriverStage, Declared: []hal.Capability{hal.CapMovable, hal.CapParameterized}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
}

func TestOrchestrator_SubmitCountPlan(t *testing.T) {
	o, r := newOrchestrator(t)
	addPowerMeter(t, r, "mock_pm")

	spec := Count("mock_pm", 3, time.Millisecond)
	runUID, err := o.Submit(context.Background(), spec, map[string]any{"operator": "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, runUID)

	o.engine.Wait()
}

func TestOrchestrator_SubmitRejectsMissingDevice(t *testing.T) {
	o, _ := newOrchestrator(t)

	spec := Scan1D("nonexistent", 0, 1, 3, []string{"also_missing"}, time.Millisecond)
	_, err := o.Submit(context.Background(), spec, nil)
	require.Error(t, err)
	require.True(t, halerr.Is(err, halerr.PlanValidation))
}

func TestOrchestrator_SubmitRejectsUncapableDevice(t *testing.T) {
	o, r := newOrchestrator(t)
	// Power meter declares Readable only, not Movable.
	addPowerMeter(t, r, "mock_pm")

	spec := Scan1D("mock_pm", 0, 1, 2, nil, time.Millisecond)
	_, err := o.Submit(context.Background(), spec, nil)
	require.Error(t, err)
	require.True(t, halerr.Is(err, halerr.PlanValidation))
}

func TestOrchestrator_GridScanSnakeOrder(t *testing.T) {
	o, r := newOrchestrator(t)
	addStage(t, r, "x")
	addStage(t, r, "y")

	spec := GridScan([]string{"x", "y"}, []float64{0, 0}, []float64{1, 1}, []int{2, 2}, nil, true)
	var positions [][2]float64
	for _, msg := range mustSequenceMessages(spec.Plan) {
		if msg.Kind == engine.MsgSet {
			switch msg.Device {
			case "x":
				positions = append(positions, [2]float64{msg.Value.(float64), 0})
			}
		}
	}
	// Just assert the plan built without error and contains Set messages;
	// the exact point sequence is covered by TestGridPoints_SnakeOrder.
	require.NotEmpty(t, positions)
}

func TestOrchestrator_PauseResumeAbortForward(t *testing.T) {
	o, r := newOrchestrator(t)
	addPowerMeter(t, r, "mock_pm")

	spec := TimeSeries("mock_pm", 50*time.Millisecond, 500*time.Millisecond)
	_, err := o.Submit(context.Background(), spec, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, o.Pause())
	// Pause takes effect at the engine's next safe point, not synchronously.
	require.Eventually(t, func() bool { return o.QueryStatus().Run.State == engine.Paused }, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Resume())
	require.NoError(t, o.Abort())
	o.engine.Wait()
}

func TestOrchestrator_ReconnectDevice(t *testing.T) {
	o, r := newOrchestrator(t)
	addPowerMeter(t, r, "mock_pm")

	h, err := r.Get("mock_pm")
	require.NoError(t, err)
	h.Disconnect()
	require.Equal(t, hal.Disconnected, h.State())

	require.NoError(t, o.ReconnectDevice(context.Background(), "mock_pm"))
	require.Equal(t, hal.Connected, h.State())
}

// mustSequenceMessages drains a freshly constructed Plan for inspection in
// tests; Plan.Next is lazy and single-pass, matching Run Engine usage.
func mustSequenceMessages(p engine.Plan) []engine.Message {
	ctx := context.Background()
	var out []engine.Message
	for {
		msg, ok, err := p.Next(ctx)
		if err != nil || !ok {
			return out
		}
		out = append(out, msg)
	}
}
