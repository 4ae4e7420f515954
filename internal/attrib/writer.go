// Package attrib writes per-item shader attributes into a capacity-bounded,
// frame-scoped staging buffer.
//
// The buffer is a single-frame scratch allocator: when the next record would
// run past capacity, the writer flushes first. The flush callback must upload
// the staged bytes and record every draw that reads them before returning,
// because the following writes start again at offset zero.
package attrib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/drawbatch/internal/align"
	"github.com/gogpu/drawbatch/scene"
)

var (
	// ErrRecordTooLarge is returned for a record that cannot fit an empty buffer.
	ErrRecordTooLarge = errors.New("attrib: record larger than buffer capacity")

	// ErrRecordOverflow is returned when a record's fields exceed its
	// declared size.
	ErrRecordOverflow = errors.New("attrib: record fields exceed declared size")
)

// Layout sizes in bytes.
const (
	MatrixBytes        = 64
	MaterialBlockBytes = 16
)

// FlushFunc receives the staged bytes, starting at buffer offset zero.
type FlushFunc func(staged []byte) error

// Record is one item's attribute data.
type Record struct {
	// Size is the record footprint; the serialized fields are zero padded
	// up to it.
	Size uint32

	Transform scene.Mat4

	// PrevTransform is written after Transform when HasPrev is set.
	PrevTransform scene.Mat4
	HasPrev       bool

	MaterialIndex uint32

	// JointBase is the first joint matrix of the item within the bound
	// joint range.
	JointBase uint32

	DrawFlags uint32

	// Custom is appended after the material block.
	Custom []byte
}

// Writer stages attribute records.
type Writer struct {
	capacity  uint64
	alignment uint64
	staging   []byte
	offset    uint64
	flush     FlushFunc

	flushes int
	records int
}

// NewWriter creates a writer over a buffer of capacity bytes with writes
// aligned to alignment.
func NewWriter(capacity, alignment uint64, flush FlushFunc) *Writer {
	w := &Writer{flush: flush}
	w.Reset(capacity, alignment)
	return w
}

// Reset discards staged data and counters. Zero values keep the current
// capacity or alignment.
func (w *Writer) Reset(capacity, alignment uint64) {
	if capacity > 0 && capacity != w.capacity {
		w.capacity = capacity
		w.staging = make([]byte, capacity)
	}
	if alignment > 0 {
		w.alignment = alignment
	}
	w.offset = 0
	w.flushes = 0
	w.records = 0
}

// Capacity returns the buffer capacity.
func (w *Writer) Capacity() uint64 { return w.capacity }

// Offset returns the running offset.
func (w *Writer) Offset() uint64 { return w.offset }

// Flushes returns the number of flushes since Reset.
func (w *Writer) Flushes() int { return w.flushes }

// Records returns the number of records written since Reset.
func (w *Writer) Records() int { return w.records }

// WillFlush reports whether writing size bytes would flush first.
func (w *Writer) WillFlush(size uint32) bool {
	return w.offset > 0 && align.Up(w.offset, w.alignment)+uint64(size) > w.capacity
}

// Write stages rec and returns its buffer offset. If the aligned offset plus
// rec.Size exceeds capacity, the staged data is flushed first and rec is
// written at offset zero.
func (w *Writer) Write(rec Record) (uint64, error) {
	size := uint64(rec.Size)
	if size > w.capacity {
		return 0, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, size, w.capacity)
	}

	off := align.Up(w.offset, w.alignment)
	if off+size > w.capacity {
		if err := w.Flush(); err != nil {
			return 0, err
		}
		off = 0
	}

	if err := encode(w.staging[off:off+size], &rec); err != nil {
		return 0, err
	}
	w.offset = off + size
	w.records++
	return off, nil
}

// Flush hands the staged bytes to the flush callback and resets the offset.
// Flushing an empty writer does nothing.
func (w *Writer) Flush() error {
	if w.offset == 0 {
		return nil
	}
	staged := w.staging[:w.offset]
	w.offset = 0
	w.flushes++
	if w.flush == nil {
		return nil
	}
	return w.flush(staged)
}

// Finish flushes whatever is staged at the end of a pass.
func (w *Writer) Finish() error {
	return w.Flush()
}

func encode(dst []byte, rec *Record) error {
	need := MatrixBytes + MaterialBlockBytes + len(rec.Custom)
	if rec.HasPrev {
		need += MatrixBytes
	}
	if need > len(dst) {
		return fmt.Errorf("%w: %d > %d", ErrRecordOverflow, need, len(dst))
	}

	n := putMatrix(dst, &rec.Transform)
	if rec.HasPrev {
		n += putMatrix(dst[n:], &rec.PrevTransform)
	}
	binary.LittleEndian.PutUint32(dst[n:], rec.MaterialIndex)
	binary.LittleEndian.PutUint32(dst[n+4:], rec.JointBase)
	binary.LittleEndian.PutUint32(dst[n+8:], rec.DrawFlags)
	binary.LittleEndian.PutUint32(dst[n+12:], 0)
	n += MaterialBlockBytes
	n += copy(dst[n:], rec.Custom)
	clear(dst[n:])
	return nil
}

func putMatrix(dst []byte, m *scene.Mat4) int {
	for i, v := range m {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	return MatrixBytes
}
