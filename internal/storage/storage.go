// Package storage implements the background translator's file-writing half
// (spec §6 "Document output format"): per run, a structured file in the
// configured scientific format carrying Start, Descriptors, Events (with
// image references resolved to inline arrays), and Stop, plus an optional
// JSON sidecar carrying just Start+Stop for indexing.
//
// No pack repo ships an HDF5/Parquet/Arrow client, and none genuinely
// imports google.golang.org/protobuf (it appears only as an indirect,
// nowhere-referenced dependency of ariadne's markdown converter) — there is
// no third-party columnar format to wire here. The main file reuses
// internal/dataplane's own choice of encoding/gob for exactly the same
// reason dataplane made it: Document's Values field is a map[string]any of
// a small closed set of concrete types, and gob is the standard-library
// idiom for serializing a self-describing stream of those without a schema
// compiler. RunWriter adds no framing of its own: records are delimited by
// gob's stream format and decode sequentially, unlike internal/ringbuf's
// explicit u32 length prefix.
package storage

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"daqcore/internal/dataplane"
	"daqcore/internal/engine"
	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
	"daqcore/internal/telemetry/logging"
	"daqcore/internal/telemetry/metrics"
	"daqcore/internal/util"
)

// frameAwaitTimeout bounds how long WriteDocument waits for a translator to
// resolve an image field's FrameRef before giving up and persisting the
// raw reference instead of the pixel array.
const frameAwaitTimeout = 2 * time.Second

const framePollInterval = 2 * time.Millisecond

// RunWriter is the scientific-format half of the storage backend: one
// open file per run, closed and (optionally) sidecar-indexed on Stop. It
// implements both dataplane.Writer and dataplane/translator's FrameWriter,
// so the same instance both receives the document stream and resolves
// frame references the Run Engine handed off to the ring buffer.
type RunWriter struct {
	dir           string
	ext           string
	flushInterval time.Duration
	sidecarJSON   bool
	logger        logging.Logger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	enc       *gob.Encoder
	runUID    string
	start     *engine.Start
	lastFlush time.Time
	frames    map[dataplane.FrameRef]measurement.Image
}

// NewRunWriter constructs a RunWriter rooted at dir, naming files
// `{run_uid}.{ext}` where ext is derived from format (spec §6).
func NewRunWriter(dir, format string, flushInterval time.Duration, sidecarJSON bool, logger logging.Logger, m *metrics.Metrics) *RunWriter {
	return &RunWriter{
		dir:           dir,
		ext:           extensionFor(format),
		flushInterval: flushInterval,
		sidecarJSON:   sidecarJSON,
		logger:        logger,
		metrics:       m,
		frames:        make(map[dataplane.FrameRef]measurement.Image),
	}
}

func extensionFor(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return "dat"
	}
	return format
}

// Name identifies this writer for dataplane's degraded/overflow bookkeeping.
func (w *RunWriter) Name() string { return "storage" }

// WriteDocument implements dataplane.Writer.
func (w *RunWriter) WriteDocument(ctx context.Context, doc engine.Document) error {
	switch doc.Kind {
	case engine.KindStart:
		return w.openRun(doc.Start)
	case engine.KindDescriptor:
		return w.encode(doc)
	case engine.KindEvent:
		w.resolveFrames(ctx, doc.Event)
		return w.encode(doc)
	case engine.KindStop:
		if err := w.encode(doc); err != nil {
			return err
		}
		return w.closeRun(doc.Stop)
	default:
		return nil
	}
}

// WriteFrame implements translator.FrameWriter: it only records the
// decoded image against its ring offset, for a concurrent WriteDocument
// call to pick up when it reaches the Event referencing it.
func (w *RunWriter) WriteFrame(ctx context.Context, ref dataplane.FrameRef, img measurement.Image) error {
	w.mu.Lock()
	w.frames[ref] = img
	w.mu.Unlock()
	return nil
}

func (w *RunWriter) openRun(start *engine.Start) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	path := filepath.Join(w.dir, start.RunUID+"."+w.ext)
	f, err := os.Create(path)
	if err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.enc = gob.NewEncoder(w.bw)
	w.runUID = start.RunUID
	w.start = start
	w.frames = make(map[dataplane.FrameRef]measurement.Image)
	w.lastFlush = time.Now()

	if err := w.enc.Encode(engine.Document{Kind: engine.KindStart, Start: start}); err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	return w.maybeFlushLocked()
}

func (w *RunWriter) encode(doc engine.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return halerr.New(halerr.Error, "storage", "no open run for document kind %q", doc.Kind)
	}
	if err := w.enc.Encode(doc); err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	return w.maybeFlushLocked()
}

func (w *RunWriter) maybeFlushLocked() error {
	if time.Since(w.lastFlush) < w.flushInterval {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	if err := w.file.Sync(); err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	w.lastFlush = time.Now()
	return nil
}

func (w *RunWriter) closeRun(stop *engine.Stop) error {
	w.mu.Lock()
	start := w.start
	sidecar := w.sidecarJSON
	dir := w.dir
	bw := w.bw
	f := w.file
	w.mu.Unlock()

	var flushErr error
	if bw != nil {
		if err := bw.Flush(); err != nil {
			flushErr = halerr.Wrap(halerr.Error, "storage", err)
		}
	}
	if f != nil {
		_ = f.Sync()
		_ = f.Close()
	}

	w.mu.Lock()
	w.file, w.bw, w.enc, w.runUID, w.start = nil, nil, nil, "", nil
	w.mu.Unlock()

	if sidecar && start != nil {
		if err := writeSidecar(dir, start, stop); err != nil {
			if w.logger != nil {
				w.logger.ErrorCtx(context.Background(), "sidecar write failed", "run_uid", start.RunUID, "error", err.Error())
			}
		}
	}
	return flushErr
}

type sidecarIndex struct {
	Start *engine.Start
	Stop  *engine.Stop
}

func writeSidecar(dir string, start *engine.Start, stop *engine.Stop) error {
	path := filepath.Join(dir, start.RunUID+".json")
	f, err := os.Create(path)
	if err != nil {
		return halerr.Wrap(halerr.Error, "storage", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(sidecarIndex{Start: start, Stop: stop})
}

// resolveFrames replaces any FrameRef-valued field in evt.Values with the
// image it references, polling the frames map the same way
// internal/engine's WaitCondition polls a device (spec §4.3 Wait): on
// timeout the reference is left in place rather than blocking the run
// indefinitely on a translator that has fallen behind.
func (w *RunWriter) resolveFrames(ctx context.Context, evt *engine.Event) {
	if evt == nil {
		return
	}
	for field, v := range evt.Values {
		ref, ok := v.(dataplane.FrameRef)
		if !ok {
			continue
		}
		img, ok := w.awaitFrame(ctx, ref)
		if !ok {
			if w.logger != nil {
				w.logger.WarnCtx(ctx, "frame reference unresolved at storage time", "field", field, "offset", ref.Offset)
			}
			continue
		}
		evt.Values[field] = img
	}
}

var (
	_ dataplane.Writer      = (*RunWriter)(nil)
	_ dataplane.FrameWriter = (*RunWriter)(nil)
)

func (w *RunWriter) awaitFrame(ctx context.Context, ref dataplane.FrameRef) (measurement.Image, bool) {
	deadline := time.Now().Add(frameAwaitTimeout)
	timer := time.NewTimer(framePollInterval)
	defer timer.Stop()
	for {
		w.mu.Lock()
		img, ok := w.frames[ref]
		if ok {
			delete(w.frames, ref)
		}
		w.mu.Unlock()
		if ok {
			return img, true
		}
		if time.Now().After(deadline) {
			return measurement.Image{}, false
		}
		select {
		case <-ctx.Done():
			return measurement.Image{}, false
		case <-timer.C:
			util.ResetTimer(timer, framePollInterval)
		}
	}
}
