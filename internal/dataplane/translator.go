package dataplane

import (
	"context"
	"encoding/binary"
	"time"

	"daqcore/internal/engine"
	"daqcore/internal/halerr"
	"daqcore/internal/measurement"
	"daqcore/internal/ringbuf"
	"daqcore/internal/telemetry/logging"
	"daqcore/internal/telemetry/metrics"

	"golang.org/x/sync/errgroup"
)

// FrameSink is the ring-buffer-backed half of the Data Plane: frame
// payloads (too large for the document queue) are written once into the
// mmap'd ring, and an Event document carries only the returned offset as
// its frame reference (spec §4.4: "the broadcast carries a handle to the
// ring-buffer slot").
type FrameSink struct {
	ring *ringbuf.Ring
}

// NewFrameSink wraps an already-created/opened write-mode Ring.
func NewFrameSink(ring *ringbuf.Ring) *FrameSink { return &FrameSink{ring: ring} }

// FrameRef is what an Event's frame-valued field actually stores: enough
// to dereference the ring slot later, not the pixel data itself.
type FrameRef struct {
	Offset uint64
	TsNs   int64
	Seq    uint64
}

// frameHeaderSize is the fixed header (width/height/stride/format/ts/seq)
// that starts every frame's ring record; the raw pixels follow it.
const frameHeaderSize = 4 + 4 + 4 + 1 + 8 + 8

// WriteFrame serializes img into the ring and returns a FrameRef locating
// it. Single-writer only, matching the ring's own contract.
func (fs *FrameSink) WriteFrame(img measurement.Image, tsNs int64, seq uint64) (FrameRef, error) {
	buf := make([]byte, frameHeaderSize+len(img.Data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(img.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(img.Height))
	binary.LittleEndian.PutUint32(buf[8:], uint32(img.Stride))
	buf[12] = pixelFormatCode(img.Format)
	binary.LittleEndian.PutUint64(buf[13:], uint64(tsNs))
	binary.LittleEndian.PutUint64(buf[21:], seq)
	copy(buf[frameHeaderSize:], img.Data)

	off, err := fs.ring.Write(buf)
	if err != nil {
		return FrameRef{}, err
	}
	return FrameRef{Offset: off, TsNs: tsNs, Seq: seq}, nil
}

// EngineFrameSink adapts a *FrameSink to engine.FrameSink, erasing FrameRef
// to the any the engine package's interface deals in so internal/engine
// never needs to import this package.
type EngineFrameSink struct {
	*FrameSink
}

func (s EngineFrameSink) WriteFrame(img measurement.Image, tsNs int64, seq uint64) (any, error) {
	return s.FrameSink.WriteFrame(img, tsNs, seq)
}

var _ engine.FrameSink = EngineFrameSink{}

// ReadFrame dereferences ref, returning Overrun if the writer has since
// wrapped past it (spec §4.4: "the read fails with Overrun").
func (fs *FrameSink) ReadFrame(ref FrameRef) (measurement.Image, error) {
	raw, err := fs.ring.Read(ref.Offset)
	if err != nil {
		return measurement.Image{}, err
	}
	if len(raw) < frameHeaderSize {
		return measurement.Image{}, halerr.New(halerr.Protocol, "dataplane", "truncated frame record")
	}
	img := measurement.Image{
		Width:  int(binary.LittleEndian.Uint32(raw[0:])),
		Height: int(binary.LittleEndian.Uint32(raw[4:])),
		Stride: int(binary.LittleEndian.Uint32(raw[8:])),
		Format: pixelFormatFromCode(raw[12]),
		Data:   append([]byte(nil), raw[frameHeaderSize:]...),
	}
	return img, nil
}

func pixelFormatCode(f measurement.PixelFormat) byte {
	switch f {
	case measurement.Mono8:
		return 1
	case measurement.Mono16:
		return 2
	case measurement.RGB24:
		return 3
	case measurement.Mono32:
		return 4
	default:
		return 0
	}
}

func pixelFormatFromCode(c byte) measurement.PixelFormat {
	switch c {
	case 1:
		return measurement.Mono8
	case 2:
		return measurement.Mono16
	case 3:
		return measurement.RGB24
	case 4:
		return measurement.Mono32
	default:
		return ""
	}
}

// FrameWriter persists frames the translator drains from the ring into a
// durable scientific-format file (internal/storage's columnar writer).
type FrameWriter interface {
	Name() string
	WriteFrame(ctx context.Context, ref FrameRef, img measurement.Image) error
}

// Translator periodically drains newly-written ring records into a
// FrameWriter, independent of the Run Engine's pace (spec §4.4
// "Background translator ... structurally independent of the engine's
// pace"). Grounded on the teacher's services/heartbeat ticker-loop shape.
type Translator struct {
	sink     *FrameSink
	writer   FrameWriter
	interval time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics

	lastOffset uint64
}

// NewTranslator constructs a Translator with the configured flush
// interval (spec §6 storage.flush_interval, default ~1s).
func NewTranslator(sink *FrameSink, writer FrameWriter, interval time.Duration, logger logging.Logger, m *metrics.Metrics) *Translator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Translator{sink: sink, writer: writer, interval: interval, logger: logger, metrics: m}
}

// Run ticks until ctx is cancelled, draining any ring records written
// since the last tick. A writer failure degrades translation but does not
// halt acquisition (spec §4.4) — it's logged and retried on the next tick
// without advancing lastOffset past the failed record.
func (t *Translator) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.drain(ctx)
		}
	}
}

// ringLengthPrefixSize must match ringbuf's own length-prefix width; kept
// as a local constant since ringbuf intentionally doesn't export it.
const ringLengthPrefixSize = 4

func (t *Translator) drain(ctx context.Context) {
	head := t.sink.ring.WriteHead()
	if t.metrics != nil {
		t.metrics.RingBufferOccupied.Set(float64(minUint64(head, t.sink.ring.Capacity())))
	}
	for t.lastOffset < head {
		raw, err := t.sink.ring.Read(t.lastOffset)
		if err != nil {
			if halerr.Is(err, halerr.Overrun) {
				// We fell behind the writer; skip to the current head as
				// spec §4.4 instructs an overrun reader to do.
				t.lastOffset = head
				if t.logger != nil {
					t.logger.WarnCtx(ctx, "translator overrun, skipping to head", "offset", t.lastOffset)
				}
				continue
			}
			return
		}
		img, ref, decodeErr := decodeFrameRecord(raw, t.lastOffset)
		if decodeErr == nil {
			if err := t.writer.WriteFrame(ctx, ref, img); err != nil {
				if t.logger != nil {
					t.logger.ErrorCtx(ctx, "frame writer failed", "writer", t.writer.Name(), "error", err.Error())
				}
				return
			}
		}
		t.lastOffset += uint64(ringLengthPrefixSize + len(raw))
	}
}

func decodeFrameRecord(raw []byte, offset uint64) (measurement.Image, FrameRef, error) {
	if len(raw) < frameHeaderSize {
		return measurement.Image{}, FrameRef{}, halerr.New(halerr.Protocol, "dataplane", "truncated frame record")
	}
	img := measurement.Image{
		Width:  int(binary.LittleEndian.Uint32(raw[0:])),
		Height: int(binary.LittleEndian.Uint32(raw[4:])),
		Stride: int(binary.LittleEndian.Uint32(raw[8:])),
		Format: pixelFormatFromCode(raw[12]),
		Data:   append([]byte(nil), raw[frameHeaderSize:]...),
	}
	ref := FrameRef{
		Offset: offset,
		TsNs:   int64(binary.LittleEndian.Uint64(raw[13:])),
		Seq:    binary.LittleEndian.Uint64(raw[21:]),
	}
	return img, ref, nil
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// RunAll supervises the DataPlane's dispatcher and a Translator together,
// exiting when either returns an error or ctx is cancelled — the
// supervised-goroutine-group shape grounded on golang.org/x/sync/errgroup
// rather than a hand-rolled WaitGroup.
func RunAll(ctx context.Context, dp *DataPlane, translators ...*Translator) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dp.Run(gctx) })
	for _, tr := range translators {
		tr := tr
		g.Go(func() error { return tr.Run(gctx) })
	}
	return g.Wait()
}
