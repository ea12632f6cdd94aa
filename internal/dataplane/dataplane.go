// Package dataplane implements the dual-path fanout of spec §4.4
// (component C4): every Document the Run Engine publishes travels two
// parallel paths — a bounded, never-drop reliable path to durable Writers,
// and a best-effort lossy broadcast to live subscribers — plus the
// background translator that drains the frame ring buffer into a
// scientific file format.
//
// Grounded on internal/bus for the lossy broadcast (this repo's own
// publish/subscribe primitive, already lagging-drop by construction) and
// on the teacher's services/heartbeat ticker-loop shape for the
// translator; the reliable path's bounded-queue-plus-supervised-drain
// shape has no direct teacher analogue and is built fresh around
// golang.org/x/sync/errgroup, the concurrency-helper library this pack's
// other repos reach for over hand-rolled WaitGroup bookkeeping.
package dataplane

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"daqcore/internal/bus"
	"daqcore/internal/engine"
	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
	"daqcore/internal/telemetry/logging"
	"daqcore/internal/telemetry/metrics"
)

func init() {
	// Event.Values holds `any`; gob needs every concrete type that can
	// appear in it registered up front so a spilled-then-replayed overflow
	// document round-trips regardless of which field kinds it carries.
	// FrameRef appears whenever a RunEngine has a FrameSink wired (spec
	// §4.4): an image field then carries a ring-buffer reference instead
	// of the pixel array until internal/storage resolves it.
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]float64{})
	gob.Register(measurement.Image{})
	gob.Register(bool(false))
	gob.Register(FrameRef{})
}

// Writer durably persists Documents for one run in some concrete file
// format (internal/storage provides the scientific-format and JSON-sidecar
// implementations). A Writer is addressed by name for degraded/overflow
// bookkeeping.
type Writer interface {
	Name() string
	WriteDocument(ctx context.Context, doc engine.Document) error
}

// Config bundles the runtime-tunable knobs named in spec §6's `runtime`
// config section.
type Config struct {
	// MaxBufferedDocs bounds the reliable path's queue depth
	// (MAX_BUFFERED_DOCS). A full queue blocks Publish — the engine's
	// backpressure signal.
	MaxBufferedDocs int
	// BroadcastCapacity sizes each lossy subscriber's channel
	// (BROADCAST_CAPACITY).
	BroadcastCapacity int
	// OverflowDir holds one spill file per degraded writer.
	OverflowDir string
}

type queuedDoc struct {
	runUID string
	doc    engine.Document
	ack    chan struct{} // non-nil only for a Flush barrier marker
}

var docsTopic = func(runUID string) bus.Topic { return bus.T("documents", runUID) }

// DataPlane implements engine.DocumentSink: Publish fans a Document out to
// both paths, Flush is the Save message's synchronous barrier against the
// reliable path.
type DataPlane struct {
	cfg     Config
	bus     *bus.Bus
	conn    *bus.Connection
	writers []Writer
	logger  logging.Logger
	metrics *metrics.Metrics

	queue chan queuedDoc

	mu       sync.Mutex
	degraded map[string]bool

	currentRunUID string
}

// New constructs a DataPlane. Callers launch its dispatcher loop with Run
// before the Run Engine starts publishing.
func New(cfg Config, writers []Writer, logger logging.Logger, m *metrics.Metrics) (*DataPlane, error) {
	if cfg.MaxBufferedDocs <= 0 {
		cfg.MaxBufferedDocs = 256
	}
	if cfg.BroadcastCapacity <= 0 {
		cfg.BroadcastCapacity = 32
	}
	if cfg.OverflowDir != "" {
		if err := os.MkdirAll(cfg.OverflowDir, 0o755); err != nil {
			return nil, halerr.Wrap(halerr.Config, "dataplane", err)
		}
	}
	b := bus.NewBus(cfg.BroadcastCapacity)
	dp := &DataPlane{
		cfg:      cfg,
		bus:      b,
		conn:     b.NewConnection("dataplane"),
		writers:  writers,
		logger:   logger,
		metrics:  m,
		queue:    make(chan queuedDoc, cfg.MaxBufferedDocs),
		degraded: make(map[string]bool),
	}
	return dp, nil
}

// SetCurrentRun tags the run uid documents are broadcast under until the
// next Start. The Run Engine calls this from its own Start emission path
// indirectly, via Publish observing a Start document; exposed separately
// for callers (daqd) that want to pre-subscribe before Queue returns.
func (dp *DataPlane) SetCurrentRun(runUID string) {
	dp.mu.Lock()
	dp.currentRunUID = runUID
	dp.mu.Unlock()
}

// Subscribe returns a lossy subscription to every Document published for
// runUID (spec §4.4 lossy path / §6 `subscribe_documents`).
func (dp *DataPlane) Subscribe(runUID string) *bus.Subscription {
	return dp.conn.Subscribe(docsTopic(runUID))
}

// IsDegraded reports whether writer has spilled at least one document to
// its overflow log and has not yet been fully replayed.
func (dp *DataPlane) IsDegraded(writerName string) bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.degraded[writerName]
}

// Publish implements engine.DocumentSink. The lossy broadcast never blocks;
// the reliable enqueue blocks until room is available or ctx is done —
// that block IS the backpressure signal spec §4.4 specifies.
func (dp *DataPlane) Publish(ctx context.Context, doc engine.Document) error {
	runUID := dp.runUIDOf(doc)
	if runUID != "" {
		dp.SetCurrentRun(runUID)
	}
	dp.conn.Publish(dp.bus.NewMessage(docsTopic(runUID), doc, false))

	if dp.metrics != nil {
		dp.metrics.ReliableQueueDepth.Set(float64(len(dp.queue)))
	}
	select {
	case dp.queue <- queuedDoc{runUID: runUID, doc: doc}:
		return nil
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, "dataplane", ctx.Err())
	}
}

func (dp *DataPlane) runUIDOf(doc engine.Document) string {
	switch doc.Kind {
	case engine.KindStart:
		return doc.Start.RunUID
	case engine.KindStop:
		return doc.Stop.RunUID
	default:
		dp.mu.Lock()
		defer dp.mu.Unlock()
		return dp.currentRunUID
	}
}

// Flush blocks until every document enqueued before this call has been
// handed to every writer (spec §4.3 Save: "synchronous barrier").
func (dp *DataPlane) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case dp.queue <- queuedDoc{ack: ack}:
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, "dataplane", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return halerr.Wrap(halerr.Cancelled, "dataplane", ctx.Err())
	}
}

// Run drains the reliable queue and fans each document out to every
// registered Writer in order, one document fully processed before the
// next is dequeued — the ordering guarantee spec §5 requires ("documents
// from one run arrive at every subscriber in emission order"). It returns
// when ctx is cancelled.
func (dp *DataPlane) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-dp.queue:
			if dp.metrics != nil {
				dp.metrics.ReliableQueueDepth.Set(float64(len(dp.queue)))
			}
			if item.ack != nil {
				close(item.ack)
				continue
			}
			dp.dispatch(ctx, item.doc)
		}
	}
}

// dispatch hands doc to every writer. A writer that fails is marked
// degraded and doc spills to its overflow log; degraded stays true until
// an explicit ReplayOverflow clears the backlog, so overflow documents are
// never silently skipped in favor of newer ones that happen to succeed.
func (dp *DataPlane) dispatch(ctx context.Context, doc engine.Document) {
	for _, w := range dp.writers {
		if err := w.WriteDocument(ctx, doc); err != nil {
			dp.markDegraded(ctx, w.Name(), err)
			dp.spill(w.Name(), doc)
		}
	}
}

func (dp *DataPlane) markDegraded(ctx context.Context, writerName string, cause error) {
	dp.mu.Lock()
	alreadyDegraded := dp.degraded[writerName]
	dp.degraded[writerName] = true
	dp.mu.Unlock()
	if dp.metrics != nil {
		dp.metrics.WriterDegradedTotal.WithLabelValues(writerName).Inc()
	}
	if dp.logger != nil && !alreadyDegraded {
		dp.logger.ErrorCtx(ctx, "writer degraded", "writer", writerName, "error", cause.Error())
	}
}

func (dp *DataPlane) overflowPath(writerName string) string {
	return filepath.Join(dp.cfg.OverflowDir, fmt.Sprintf("overflow-%s.gob", writerName))
}

// spill appends doc to writerName's overflow log. Best-effort: if even the
// overflow log can't be written, the document is lost but acquisition
// continues — spec §4.4 "the run continues" takes priority.
func (dp *DataPlane) spill(writerName string, doc engine.Document) {
	if dp.cfg.OverflowDir == "" {
		return
	}
	f, err := os.OpenFile(dp.overflowPath(writerName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_ = gob.NewEncoder(f).Encode(doc)
}

// ReplayOverflow re-attempts every spilled document for writerName through
// that writer (the supplemented recovery operation for spec §7's
// WriterDegraded: "documents spill to overflow log; run continues"). On
// full success the overflow file is removed and the writer is marked no
// longer degraded; on partial success the still-failing documents are
// rewritten back to the log.
func (dp *DataPlane) ReplayOverflow(ctx context.Context, writerName string) (int, error) {
	var target Writer
	for _, w := range dp.writers {
		if w.Name() == writerName {
			target = w
			break
		}
	}
	if target == nil {
		return 0, halerr.New(halerr.Config, "dataplane", "no such writer %q", writerName)
	}

	path := dp.overflowPath(writerName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, halerr.Wrap(halerr.Error, "dataplane", err)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var replayed int
	var stillFailing []engine.Document
	for {
		var doc engine.Document
		if err := dec.Decode(&doc); err != nil {
			break
		}
		if err := target.WriteDocument(ctx, doc); err != nil {
			stillFailing = append(stillFailing, doc)
			continue
		}
		replayed++
	}

	if len(stillFailing) == 0 {
		dp.mu.Lock()
		dp.degraded[writerName] = false
		dp.mu.Unlock()
		_ = os.Remove(path)
		return replayed, nil
	}

	tmp, err := os.Create(path)
	if err != nil {
		return replayed, halerr.Wrap(halerr.Error, "dataplane", err)
	}
	enc := gob.NewEncoder(tmp)
	for _, doc := range stillFailing {
		_ = enc.Encode(doc)
	}
	tmp.Close()
	return replayed, halerr.New(halerr.WriterDegraded, "dataplane", "%d documents still failing for writer %q", len(stillFailing), writerName)
}

var _ engine.DocumentSink = (*DataPlane)(nil)
