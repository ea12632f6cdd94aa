package engine

import (
	"context"
	"sync"
	"time"

	"daqcore/internal/hal"
	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
	"daqcore/internal/telemetry/logging"
	"daqcore/internal/telemetry/metrics"
	"daqcore/internal/telemetry/tracing"
	"daqcore/internal/util"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
)

// State is the Run Engine's position in its per-run lifecycle (spec §4.3).
type State string

const (
	Idle     State = "idle"
	Running  State = "running"
	Paused   State = "paused"
	Aborting State = "aborting"
	Stopped  State = "stopped"
)

// DocumentSink is the Data Plane's ingestion surface, implemented by
// internal/dataplane. Publish fans a Document out to the reliable and
// lossy paths; Flush is the synchronous barrier a Save message waits on.
type DocumentSink interface {
	Publish(ctx context.Context, doc Document) error
	Flush(ctx context.Context) error
}

// FrameSink writes an image measurement into the ring buffer and returns an
// opaque reference to its slot, implemented by internal/dataplane.FrameSink.
// It returns any rather than a concrete type so this package never imports
// internal/dataplane (which itself imports this package for Document).
type FrameSink interface {
	WriteFrame(img measurement.Image, tsNs int64, seq uint64) (any, error)
}

// Status is the query_status control command's payload (SPEC_FULL.md
// SUPPLEMENTED FEATURES: mirrors Stop's shape for symmetry).
type Status struct {
	State        State
	RunUID       string
	StreamCounts map[string]uint64
}

type streamState struct {
	uid    string
	fields []FieldSpec
	seq    uint64
}

// RunEngine drives exactly one Plan against one logical run at a time
// (spec §4.3). Grounded on the teacher's services/hal/internal/core single-
// goroutine dispatch loop, generalized from "one bus request" to "one Plan
// message", with pause/abort layered on top as the teacher's loop had
// neither.
type RunEngine struct {
	registry *hal.Registry
	sink     DocumentSink
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu             sync.Mutex
	state          State
	runUID         string
	pauseRequested bool
	resumeCh       chan struct{}
	cancel         context.CancelFunc
	streams        map[string]*streamState
	cachedReads    map[string]any
	lastCheckpoint int
	done           chan struct{}

	frameSink FrameSink
	frameSeq  uint64
}

// NewRunEngine constructs an Idle RunEngine bound to registry and sink.
func NewRunEngine(registry *hal.Registry, sink DocumentSink, logger logging.Logger, m *metrics.Metrics) *RunEngine {
	return &RunEngine{registry: registry, sink: sink, logger: logger, metrics: m, state: Idle}
}

// SetFrameSink wires the ring buffer's frame writer into the engine (spec
// §4.4: image reads get a handle to the ring-buffer slot rather than
// carrying the pixel array inline in the Event). Optional — with no sink
// configured, image values are carried inline as before.
func (e *RunEngine) SetFrameSink(fs FrameSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameSink = fs
}

// State returns the engine's current lifecycle state.
func (e *RunEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// QueryStatus returns the supplemented query_status payload.
func (e *RunEngine) QueryStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[string]uint64, len(e.streams))
	for name, st := range e.streams {
		counts[name] = st.seq
	}
	return Status{State: e.state, RunUID: e.runUID, StreamCounts: counts}
}

// Queue starts executing plan against a new run and returns its run uid
// immediately; the run itself proceeds on a background goroutine, same as
// the orchestration façade's submit() expects (spec §4.5).
func (e *RunEngine) Queue(ctx context.Context, plan Plan, metadata map[string]any, snapshot map[string]DeviceSnapshot, configFingerprint string) (string, error) {
	e.mu.Lock()
	if e.state == Running || e.state == Paused || e.state == Aborting {
		e.mu.Unlock()
		return "", halerr.New(halerr.Protocol, "engine", "a run is already active")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runUID := uuid.NewString()
	e.runUID = runUID
	e.cancel = cancel
	e.state = Running
	e.pauseRequested = false
	e.resumeCh = make(chan struct{})
	e.streams = make(map[string]*streamState)
	e.cachedReads = make(map[string]any)
	e.lastCheckpoint = 0
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(runCtx, runUID, plan, metadata, snapshot, configFingerprint)
	return runUID, nil
}

// Wait blocks until the current run reaches Stopped. Used by tests and by
// callers that want synchronous semantics over the otherwise async Queue.
func (e *RunEngine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Pause requests the engine honor a pause at its next safe point (spec
// §4.3: between messages, or at an explicit Wait yield).
func (e *RunEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return halerr.New(halerr.Protocol, "engine", "pause is only valid while running")
	}
	e.pauseRequested = true
	return nil
}

// Resume releases a Paused engine back to Running, preserving Wait's
// remaining duration (spec §8 boundary behavior).
func (e *RunEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Paused {
		return halerr.New(halerr.Protocol, "engine", "resume is only valid while paused")
	}
	e.pauseRequested = false
	e.state = Running
	close(e.resumeCh)
	e.resumeCh = make(chan struct{})
	return nil
}

// Abort cancels the active run. Stop with reason aborted is emitted once
// the in-flight operation (if any) returns (spec §4.3 Cancellation).
func (e *RunEngine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running && e.state != Paused {
		return halerr.New(halerr.Protocol, "engine", "abort is only valid while running or paused")
	}
	e.state = Aborting
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// checkSafePoint blocks while a pause is in effect, and observes abort via
// ctx cancellation. Called between every dispatched message and inside
// sleep's polling loop (spec §4.3 "Mid-message suspension is forbidden").
func (e *RunEngine) checkSafePoint(ctx context.Context) error {
	e.mu.Lock()
	if !e.pauseRequested {
		e.mu.Unlock()
		return nil
	}
	e.state = Paused
	ch := e.resumeCh
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, "engine", ctx.Err())
	}
}

func (e *RunEngine) publish(ctx context.Context, doc Document) error {
	if e.metrics != nil {
		e.metrics.DocumentsEmitted.WithLabelValues(string(doc.Kind)).Inc()
	}
	return e.sink.Publish(ctx, doc)
}

func (e *RunEngine) run(ctx context.Context, runUID string, plan Plan, metadata map[string]any, snapshot map[string]DeviceSnapshot, configFingerprint string) {
	defer func() {
		e.mu.Lock()
		e.state = Stopped
		close(e.done)
		e.mu.Unlock()
	}()

	start := Start{
		RunUID: runUID, RunID: runUID, StartTime: time.Now(),
		Metadata: mergeMetadata(metadata), PlanHash: plan.Hash(),
		ConfigFingerprint: configFingerprint, DeviceSnapshot: snapshot,
	}
	if e.logger != nil {
		e.logger.InfoCtx(ctx, "run started", "run_uid", runUID, "plan_hash", start.PlanHash)
	}
	_ = e.publish(ctx, Document{Kind: KindStart, Start: &start})

	runErr := e.runLoop(ctx, plan)

	e.mu.Lock()
	aborting := e.state == Aborting
	e.mu.Unlock()

	stop := Stop{RunUID: runUID, EndTime: time.Now(), StreamCounts: e.streamCounts()}
	switch {
	case aborting:
		stop.Reason = ReasonAborted
	case runErr != nil:
		stop.Reason = ReasonFailed
		stop.FailKind = halerr.Of(runErr)
		stop.FailDetail = runErr.Error()
		if e.logger != nil {
			e.logger.ErrorCtx(ctx, "run failed", "run_uid", runUID, "kind", stop.FailKind, "detail", stop.FailDetail,
				"cached_reads", spew.Sdump(e.cachedReads))
		}
	default:
		stop.Reason = ReasonSuccess
	}
	if e.logger != nil {
		e.logger.InfoCtx(ctx, "run stopped", "run_uid", runUID, "reason", stop.Reason)
	}
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(stop.Reason)).Inc()
	}
	_ = e.publish(ctx, Document{Kind: KindStop, Stop: &stop})
}

func (e *RunEngine) streamCounts() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[string]uint64, len(e.streams))
	for name, st := range e.streams {
		counts[name] = st.seq
	}
	return counts
}

func (e *RunEngine) runLoop(ctx context.Context, plan Plan) error {
	for {
		if err := e.checkSafePoint(ctx); err != nil {
			return err
		}
		msg, ok, err := plan.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if msg.Kind == MsgRetryBegin {
			buffered, err := collectRetryBlock(ctx, plan)
			if err != nil {
				return err
			}
			if err := e.runRetryBlock(ctx, msg.RetryN, msg.RetryBackoff, buffered); err != nil {
				return err
			}
			continue
		}
		if err := e.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func collectRetryBlock(ctx context.Context, plan Plan) ([]Message, error) {
	var buffered []Message
	for {
		m, ok, err := plan.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, halerr.New(halerr.PlanValidation, "engine", "retry block missing matching RetryEnd")
		}
		if m.Kind == MsgRetryEnd {
			return buffered, nil
		}
		buffered = append(buffered, m)
	}
}

func (e *RunEngine) runRetryBlock(ctx context.Context, n int, backoff time.Duration, msgs []Message) error {
	var lastErr error
	for attempt := 0; attempt <= n; attempt++ {
		lastErr = nil
		for _, m := range msgs {
			if err := e.checkSafePoint(ctx); err != nil {
				return err
			}
			if err := e.dispatch(ctx, m); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if !halerr.Of(lastErr).Retryable() || attempt == n {
			return lastErr
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return lastErr
}

func (e *RunEngine) dispatch(ctx context.Context, msg Message) error {
	ctx, span := tracing.StartMessageDispatch(ctx, e.runUID, "", string(msg.Kind))
	defer span.End()

	switch msg.Kind {
	case MsgOpen:
		return e.dispatchOpen(ctx, msg)
	case MsgSet:
		return e.dispatchSet(ctx, msg)
	case MsgRead:
		return e.dispatchRead(ctx, msg)
	case MsgTrigger:
		return e.dispatchTrigger(ctx, msg)
	case MsgWait:
		if msg.Condition != nil {
			return e.waitCondition(ctx, msg)
		}
		return e.sleep(ctx, msg.Duration)
	case MsgCreate:
		return e.dispatchCreate(ctx, msg)
	case MsgSave:
		return e.sink.Flush(ctx)
	case MsgCheckpoint:
		e.mu.Lock()
		e.lastCheckpoint++
		e.mu.Unlock()
		return nil
	case MsgClose:
		return nil
	default:
		return halerr.New(halerr.Protocol, "engine", "unknown message kind %q", msg.Kind)
	}
}

func (e *RunEngine) dispatchOpen(ctx context.Context, msg Message) error {
	streamUID := uuid.NewString()
	e.mu.Lock()
	e.streams[msg.Stream.Name] = &streamState{uid: streamUID, fields: msg.Stream.Fields}
	e.mu.Unlock()
	return e.publish(ctx, Document{Kind: KindDescriptor, Descriptor: &Descriptor{
		StreamUID: streamUID, RunUID: e.runUID, Fields: msg.Stream.Fields,
	}})
}

func (e *RunEngine) dispatchSet(ctx context.Context, msg Message) error {
	h, err := e.registry.Get(msg.Device)
	if err != nil {
		return err
	}
	param, err := h.Parameters().MustGet(msg.Parameter)
	if err != nil {
		return err
	}
	return param.WriteVariant(ctx, msg.Value)
}

func (e *RunEngine) dispatchRead(ctx context.Context, msg Message) error {
	h, err := e.registry.Get(msg.Device)
	if err != nil {
		return err
	}
	readable, err := h.Readable()
	if err != nil {
		return err
	}
	m, err := readable.Read(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cachedReads[msg.Device] = e.measurementValue(m)
	e.mu.Unlock()
	return nil
}

func (e *RunEngine) dispatchTrigger(ctx context.Context, msg Message) error {
	h, err := e.registry.Get(msg.Device)
	if err != nil {
		return err
	}
	trig, err := h.Triggerable()
	if err != nil {
		return err
	}
	return trig.SoftTrigger(ctx)
}

func (e *RunEngine) waitCondition(ctx context.Context, msg Message) error {
	deadline := time.Now().Add(msg.Duration)
	interval := msg.PollInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if err := e.checkSafePoint(ctx); err != nil {
			return err
		}
		ok, err := msg.Condition(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return halerr.New(halerr.Timeout, "engine", "wait condition not satisfied before deadline")
		}
		select {
		case <-ctx.Done():
			return halerr.Wrap(halerr.Cancelled, "engine", ctx.Err())
		case <-timer.C:
			util.ResetTimer(timer, interval)
		}
	}
}

// sleep suspends for d, preserving remaining duration across a pause — a
// pause does not consume Wait's remaining time (spec §8 boundary behavior).
func (e *RunEngine) sleep(ctx context.Context, d time.Duration) error {
	const tick = 20 * time.Millisecond
	remaining := d
	timer := time.NewTimer(tick)
	defer timer.Stop()
	for remaining > 0 {
		if err := e.checkSafePoint(ctx); err != nil {
			return err
		}
		step := tick
		if step > remaining {
			step = remaining
		}
		util.ResetTimer(timer, step)
		select {
		case <-ctx.Done():
			return halerr.Wrap(halerr.Cancelled, "engine", ctx.Err())
		case <-timer.C:
			remaining -= step
		}
	}
	return nil
}

func (e *RunEngine) dispatchCreate(ctx context.Context, msg Message) error {
	e.mu.Lock()
	st, ok := e.streams[msg.StreamName]
	e.mu.Unlock()
	if !ok {
		return halerr.New(halerr.Protocol, "engine", "create: stream %q not open", msg.StreamName)
	}

	values := make(map[string]any, len(st.fields))
	for _, f := range st.fields {
		if f.SourceParameter != "" {
			h, err := e.registry.Get(f.SourceDevice)
			if err != nil {
				return err
			}
			param, err := h.Parameters().MustGet(f.SourceParameter)
			if err != nil {
				return err
			}
			values[f.Name] = param.ValueAsVariant()
			continue
		}
		e.mu.Lock()
		v, cached := e.cachedReads[f.SourceDevice]
		e.mu.Unlock()
		if !cached {
			return halerr.New(halerr.Protocol, "engine", "create: no cached read for device %q", f.SourceDevice)
		}
		values[f.Name] = v
	}

	e.mu.Lock()
	seq := st.seq
	st.seq++
	e.mu.Unlock()

	return e.publish(ctx, Document{Kind: KindEvent, Event: &Event{
		DescriptorUID: st.uid, Seq: seq, TimestampNs: time.Now().UnixNano(), Values: values,
	}})
}

// measurementValue renders a Measurement as the scalar `any` an Event field
// stores, selecting the variant by Kind (spec §3 tagged union). An image
// measurement is written through the engine's FrameSink, if one is wired,
// and the Event carries the returned ring-buffer reference instead of the
// pixel array; with no sink configured, or on a write failure, the image
// is carried inline so the run is never blocked on a missing translator.
func (e *RunEngine) measurementValue(m measurement.Measurement) any {
	switch m.Kind {
	case measurement.KindScalar:
		return m.Scalar.Value
	case measurement.KindVector:
		return m.Vector.Values
	case measurement.KindString:
		return m.String
	case measurement.KindImage:
		e.mu.Lock()
		fs := e.frameSink
		if fs != nil {
			e.frameSeq++
		}
		seq := e.frameSeq
		e.mu.Unlock()
		if fs == nil {
			return m.Image
		}
		ref, err := fs.WriteFrame(m.Image, time.Now().UnixNano(), seq)
		if err != nil {
			if e.logger != nil {
				e.logger.WarnCtx(context.Background(), "frame sink write failed, carrying image inline", "error", err.Error())
			}
			return m.Image
		}
		return ref
	default:
		return nil
	}
}

func mergeMetadata(operator map[string]any) map[string]any {
	out := make(map[string]any, len(operator))
	for k, v := range operator {
		out[k] = v
	}
	return out
}
