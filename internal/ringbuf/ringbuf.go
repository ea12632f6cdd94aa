// Package ringbuf implements the memory-mapped circular record store of
// spec §4.4/§6 (component C4): large payloads (frames) are written once
// into a single mmap'd region, length-prefixed, and addressed by a
// monotonic byte offset. One writer advances write_head; any number of
// readers validate their offset against it before dereferencing.
//
// Grounded on the mmap idiom in the retrieval pack's io_uring-style code
// (ehrlich-b-go-ublk/internal/uring: unix.Mmap a fd-backed region, cast
// sub-slices to typed pointers via unsafe.Pointer, mutate through
// sync/atomic rather than the Go memory model's ownership rules) — the
// header/record layout itself has no teacher analogue since the teacher's
// bus.Message envelope is heap-allocated, not mmap'd.
package ringbuf

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"daqcore/internal/halerr"

	"golang.org/x/sys/unix"
)

const (
	headerSize  = 128
	magic       = uint64(0x44_41_51_43_4f_52_45_00) // "DAQCORE\0"
	offMagic    = 0
	offCapacity = 8
	offWriteHd  = 16
	offReadTail = 24
	offSchemaLn = 32

	lengthPrefixSize = 4
)

// Ring is a memory-mapped circular buffer backed by a regular file. The
// writer opens it read-write; readers open the same path read-only.
type Ring struct {
	file *os.File
	data []byte // full mmap, header + data region
	cap  uint64 // capacity_bytes

	writeMu sync.Mutex // serializes Write against itself; spec: single writer
}

// Create allocates (or truncates) a ring-buffer file of the given data
// capacity and maps it read-write. schema is an opaque byte string (e.g. a
// field-layout fingerprint) recorded in the header for readers to sanity
// check against their own expectations.
func Create(path string, capacityBytes uint64, schema []byte) (*Ring, error) {
	if len(schema) > 0xFFFFFFFF {
		return nil, halerr.New(halerr.Config, "ringbuf", "schema too large")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, halerr.Wrap(halerr.Config, "ringbuf", err)
	}
	total := int64(headerSize + capacityBytes)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, halerr.Wrap(halerr.Config, "ringbuf", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, halerr.Wrap(halerr.Error, "ringbuf", err)
	}

	r := &Ring{file: f, data: data, cap: capacityBytes}
	binary.LittleEndian.PutUint64(data[offMagic:], magic)
	binary.LittleEndian.PutUint64(data[offCapacity:], capacityBytes)
	atomic.StoreUint64(r.writeHeadPtr(), 0)
	atomic.StoreUint64(r.readTailPtr(), 0)
	binary.LittleEndian.PutUint32(data[offSchemaLn:], uint32(len(schema)))
	copy(data[36:headerSize], schema)
	return r, nil
}

// Open maps an existing ring-buffer file. readWrite selects PROT_WRITE in
// addition to PROT_READ — the writer process opens read-write, every
// reader (translator, live subscribers) opens read-only.
func Open(path string, readWrite bool) (*Ring, error) {
	flags := os.O_RDONLY
	if readWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, halerr.Wrap(halerr.Config, "ringbuf", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, halerr.Wrap(halerr.Config, "ringbuf", err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, halerr.New(halerr.Config, "ringbuf", "file too small to hold header")
	}

	prot := unix.PROT_READ
	if readWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, halerr.Wrap(halerr.Error, "ringbuf", err)
	}

	r := &Ring{file: f, data: data, cap: uint64(info.Size()) - headerSize}
	if binary.LittleEndian.Uint64(data[offMagic:]) != magic {
		r.Close()
		return nil, halerr.New(halerr.Config, "ringbuf", "bad magic")
	}
	return r, nil
}

// Close unmaps and closes the backing file. Safe to call once; a second
// call is a no-op.
func (r *Ring) Close() error {
	if r.data != nil {
		_ = unix.Msync(r.data, unix.MS_SYNC)
		err := unix.Munmap(r.data)
		r.data = nil
		r.file.Close()
		return err
	}
	return nil
}

func (r *Ring) writeHeadPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[offWriteHd]))
}

func (r *Ring) readTailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[offReadTail]))
}

// WriteHead returns the writer's current byte offset with acquire
// semantics — every reader must load it this way before dereferencing.
func (r *Ring) WriteHead() uint64 { return atomic.LoadUint64(r.writeHeadPtr()) }

// Capacity returns the data region's size in bytes.
func (r *Ring) Capacity() uint64 { return r.cap }

// Schema returns the opaque schema bytes recorded at creation time.
func (r *Ring) Schema() []byte {
	n := binary.LittleEndian.Uint32(r.data[offSchemaLn:])
	return append([]byte(nil), r.data[36:36+n]...)
}

// Write appends one length-prefixed record and returns the monotonic
// offset it was written at (the value of write_head before this write).
// Only one goroutine may call Write on a given Ring (spec §5: "single
// writer, many readers").
func (r *Ring) Write(record []byte) (uint64, error) {
	if uint64(len(record))+lengthPrefixSize > r.cap {
		return 0, halerr.New(halerr.Config, "ringbuf", "record larger than ring capacity")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	head := atomic.LoadUint64(r.writeHeadPtr())
	frameLen := uint64(lengthPrefixSize + len(record))

	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(record)))
	r.writeAt(head, lenBuf[:])
	r.writeAt(head+lengthPrefixSize, record)

	newHead := head + frameLen
	// release: publish the new head only after the payload bytes are in
	// place, so an acquire-loading reader never observes a torn record.
	atomic.StoreUint64(r.writeHeadPtr(), newHead)

	oldest := uint64(0)
	if newHead > r.cap {
		oldest = newHead - r.cap
	}
	atomic.StoreUint64(r.readTailPtr(), oldest)
	return head, nil
}

// writeAt copies b into the data region starting at logical offset off,
// wrapping modulo capacity.
func (r *Ring) writeAt(off uint64, b []byte) {
	start := headerSize + int(off%r.cap)
	n := copy(r.data[start:], b)
	if n < len(b) {
		copy(r.data[headerSize:], b[n:])
	}
}

func (r *Ring) readAt(off uint64, n uint32) []byte {
	start := headerSize + int(off%r.cap)
	out := make([]byte, n)
	copied := copy(out, r.data[start:])
	if copied < int(n) {
		copy(out[copied:], r.data[headerSize:])
	}
	return out
}

// Read dereferences the record at offset off, validating it has not been
// overwritten by the writer's advance (spec §4.4: "if it has, the read
// fails with Overrun"). Acquire-loads write_head before validating, per
// the header's relaxed-acquire/release contract.
func (r *Ring) Read(off uint64) ([]byte, error) {
	head := atomic.LoadUint64(r.writeHeadPtr())
	if off >= head {
		return nil, halerr.New(halerr.Config, "ringbuf", "offset %d not yet written (head %d)", off, head)
	}
	if head-off > r.cap {
		return nil, halerr.New(halerr.Overrun, "ringbuf", "offset %d is %d bytes behind head %d (capacity %d)",
			off, head-off, head, r.cap)
	}
	lenBytes := r.readAt(off, lengthPrefixSize)
	recLen := binary.LittleEndian.Uint32(lenBytes)
	payload := r.readAt(off+lengthPrefixSize, recLen)

	// Re-validate: if the writer wrapped all the way around while we were
	// copying, the bytes we just read may be torn. A second overrun check
	// against the (now later) head catches that race.
	head2 := atomic.LoadUint64(r.writeHeadPtr())
	if head2-off > r.cap {
		return nil, halerr.New(halerr.Overrun, "ringbuf", "offset %d overrun during read", off)
	}
	return payload, nil
}
