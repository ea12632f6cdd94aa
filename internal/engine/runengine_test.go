package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/hal/mock"
	"daqcore/internal/halerr"

	"github.com/stretchr/testify/require"
)

// recordingSink is a DocumentSink that buffers every Document in order, for
// assertions on the Start/Descriptor/Event/Stop sequence spec §8's
// scenarios require.
type recordingSink struct {
	mu   sync.Mutex
	docs []Document
}

func (s *recordingSink) Publish(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

func (s *recordingSink) Flush(ctx context.Context) error { return nil }

func (s *recordingSink) snapshot() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}

func newRegistryWithPowerMeter(t *testing.T, id string) *hal.Registry {
	t.Helper()
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{ID: id, DriverType: mock.DriverPowerMeter, Declared: []hal.Capability{hal.CapReadable}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	return r
}

func newRegistryWithStage(t *testing.T, id string) (*hal.Registry, *mock.Stage) {
	t.Helper()
	r := hal.NewRegistry()
	h, err := r.Add(hal.DeviceConfig{ID: id, DriverType: mock.DriverStage, Declared: []hal.Capability{hal.CapMovable, hal.CapParameterized}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	return r, h.Driver().(*mock.Stage)
}

// countPlan builds the single-count scenario's Plan: open a stream, read a
// power meter N times, create an Event for each (spec §8 scenario 1).
func countPlan(device, stream string, n int) Plan {
	msgs := []Message{
		Open(StreamDescriptor{Name: stream, Fields: []FieldSpec{
			{Name: "power_w", DType: "float", SourceDevice: device},
		}}),
	}
	for i := 0; i < n; i++ {
		msgs = append(msgs, Read(device), Create(stream))
	}
	msgs = append(msgs, Save(), Close())
	return NewSequencePlan(msgs)
}

func TestRunEngine_SingleCountScenario(t *testing.T) {
	r := newRegistryWithPowerMeter(t, "pm1")
	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := countPlan("pm1", "primary", 3)
	runUID, err := eng.Queue(context.Background(), plan, map[string]any{"operator": "alice"}, nil, "cfg-hash")
	require.NoError(t, err)
	require.NotEmpty(t, runUID)

	eng.Wait()

	docs := sink.snapshot()
	require.Len(t, docs, 1+1+3+1) // start, descriptor, 3 events, stop
	require.Equal(t, KindStart, docs[0].Kind)
	require.Equal(t, runUID, docs[0].Start.RunUID)
	require.Equal(t, KindDescriptor, docs[1].Kind)
	for i := 0; i < 3; i++ {
		ev := docs[2+i]
		require.Equal(t, KindEvent, ev.Kind)
		require.Equal(t, uint64(i), ev.Event.Seq)
		require.Contains(t, ev.Event.Values, "power_w")
	}
	stop := docs[len(docs)-1]
	require.Equal(t, KindStop, stop.Kind)
	require.Equal(t, ReasonSuccess, stop.Stop.Reason)
	require.Equal(t, uint64(3), stop.Stop.StreamCounts["primary"])
}

// scanStepPlan mimics scan_1d's per-step shape (Move -> Read detector ->
// Create), with the motor's position_mm Parameter driving motion under Set
// (spec §4.3: motion is dispatched through Set against a Parameter).
func scanStepPlan(motor, detector, stream string, positions []float64) Plan {
	msgs := []Message{
		Open(StreamDescriptor{Name: stream, Fields: []FieldSpec{
			{Name: "position_mm", SourceDevice: motor, SourceParameter: "position_mm"},
			{Name: "power_w", SourceDevice: detector},
		}}),
	}
	for _, pos := range positions {
		msgs = append(msgs, Set(motor, "position_mm", pos), Read(detector), Create(stream))
	}
	msgs = append(msgs, Save(), Close())
	return NewSequencePlan(msgs)
}

func TestRunEngine_ScanWithTransportFailureIsFatal(t *testing.T) {
	r, stage := newRegistryWithStage(t, "stage1")
	h, err := r.Add(hal.DeviceConfig{ID: "pm2", DriverType: mock.DriverPowerMeter, Declared: []hal.Capability{hal.CapReadable}})
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := scanStepPlan("stage1", "pm2", "primary", []float64{1.0, 2.0, 3.0})
	stage.FailNext = 1 // fails the scan's first move, before any Event is created
	_, err = eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, KindStop, stop.Kind)
	require.Equal(t, ReasonFailed, stop.Stop.Reason)
	require.Equal(t, halerr.Transport, stop.Stop.FailKind)
	// No Event was created for the failed step.
	require.Equal(t, uint64(0), stop.Stop.StreamCounts["primary"])
}

func TestRunEngine_PauseResumePreservesWaitDuration(t *testing.T) {
	r := newRegistryWithPowerMeter(t, "pm3")
	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := NewSequencePlan([]Message{
		Wait(150 * time.Millisecond),
	})
	_, err := eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Pause())

	// Hold the pause well past the Wait's original deadline; if pause
	// consumed the remaining duration the run would already be Stopped.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Paused, eng.State())

	require.NoError(t, eng.Resume())
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, ReasonSuccess, stop.Stop.Reason)
}

func TestRunEngine_AbortDuringRunEmitsAbortedStop(t *testing.T) {
	r := newRegistryWithPowerMeter(t, "pm4")
	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := NewSequencePlan([]Message{
		Wait(500 * time.Millisecond),
	})
	_, err := eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Abort())
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, ReasonAborted, stop.Stop.Reason)
}

func TestRunEngine_RetryBlockSucceedsAfterTransientFailure(t *testing.T) {
	r, stage := newRegistryWithStage(t, "stage2")
	stage.FailNext = 1 // first attempt inside the retry block fails, second succeeds

	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := NewSequencePlan([]Message{
		RetryBegin(2, time.Millisecond),
		Set("stage2", "position_mm", 5.0),
		RetryEnd(),
	})
	_, err := eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, ReasonSuccess, stop.Stop.Reason)
}

func TestRunEngine_RetryBlockExhaustsAndFails(t *testing.T) {
	r, stage := newRegistryWithStage(t, "stage3")
	stage.FailNext = 5 // more failures than retries available

	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := NewSequencePlan([]Message{
		RetryBegin(1, time.Millisecond),
		Set("stage3", "position_mm", 5.0),
		RetryEnd(),
	})
	_, err := eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, ReasonFailed, stop.Stop.Reason)
	require.Equal(t, halerr.Transport, stop.Stop.FailKind)
}

func TestRunEngine_OutOfRangeIsNeverRetried(t *testing.T) {
	r, _ := newRegistryWithStage(t, "stage4")

	sink := &recordingSink{}
	eng := NewRunEngine(r, sink, nil, nil)

	plan := NewSequencePlan([]Message{
		RetryBegin(3, time.Millisecond),
		Set("stage4", "position_mm", 9999.0), // exceeds travel_limit_mm
		RetryEnd(),
	})
	_, err := eng.Queue(context.Background(), plan, nil, nil, "cfg-hash")
	require.NoError(t, err)
	eng.Wait()

	docs := sink.snapshot()
	stop := docs[len(docs)-1]
	require.Equal(t, ReasonFailed, stop.Stop.Reason)
	require.Equal(t, halerr.OutOfRange, stop.Stop.FailKind)
}
