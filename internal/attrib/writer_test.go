package attrib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/gogpu/drawbatch/scene"
)

type flushLog struct {
	sizes []int
	err   error
}

func (l *flushLog) fn(staged []byte) error {
	l.sizes = append(l.sizes, len(staged))
	return l.err
}

func TestWriteNoFlushWithinCapacity(t *testing.T) {
	for _, capacity := range []uint64{1024, 4096, 65536} {
		t.Run(fmt.Sprint(capacity), func(t *testing.T) {
			var log flushLog
			w := NewWriter(capacity, 256, log.fn)
			rec := Record{Size: 80}

			var total uint64
			for {
				next := total
				if next > 0 {
					next = (total + 255) &^ 255
				}
				if next+80 > capacity {
					break
				}
				off, err := w.Write(rec)
				if err != nil {
					t.Fatalf("Write: %v", err)
				}
				if off != next {
					t.Fatalf("offset = %d, want %d", off, next)
				}
				total = next + 80
			}
			if len(log.sizes) != 0 {
				t.Fatalf("flushed %d times within capacity", len(log.sizes))
			}

			// The first write past capacity flushes exactly once and lands at 0.
			off, err := w.Write(rec)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if off != 0 {
				t.Errorf("offset after flush = %d, want 0", off)
			}
			if len(log.sizes) != 1 || uint64(log.sizes[0]) != total {
				t.Errorf("flushes = %v, want one of %d bytes", log.sizes, total)
			}
			if w.Offset() != 80 {
				t.Errorf("Offset() = %d, want 80", w.Offset())
			}
		})
	}
}

func TestFinish(t *testing.T) {
	var log flushLog
	w := NewWriter(1024, 16, log.fn)
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish on empty: %v", err)
	}
	if len(log.sizes) != 0 || w.Flushes() != 0 {
		t.Error("empty Finish flushed")
	}

	_, _ = w.Write(Record{Size: 80})
	_, _ = w.Write(Record{Size: 80})
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if w.Flushes() != 1 || log.sizes[0] != 160 {
		t.Errorf("Finish flush = %v (%d flushes), want one of 160", log.sizes, w.Flushes())
	}
}

func TestWillFlush(t *testing.T) {
	w := NewWriter(256, 128, nil)
	if w.WillFlush(256) {
		t.Error("empty writer must never flush")
	}
	_, _ = w.Write(Record{Size: 80})
	if w.WillFlush(128) {
		t.Error("128 at aligned 128 fits 256")
	}
	if !w.WillFlush(129) {
		t.Error("129 at aligned 128 overflows 256")
	}
}

func TestRecordTooLarge(t *testing.T) {
	w := NewWriter(64, 16, nil)
	if _, err := w.Write(Record{Size: 128}); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("err = %v, want ErrRecordTooLarge", err)
	}
}

func TestRecordOverflow(t *testing.T) {
	w := NewWriter(1024, 16, nil)
	_, err := w.Write(Record{Size: 80, HasPrev: true})
	if !errors.Is(err, ErrRecordOverflow) {
		t.Errorf("err = %v, want ErrRecordOverflow", err)
	}
	if w.Offset() != 0 {
		t.Errorf("failed write advanced offset to %d", w.Offset())
	}
}

func TestFlushError(t *testing.T) {
	log := flushLog{err: errors.New("upload failed")}
	w := NewWriter(160, 16, log.fn)
	_, _ = w.Write(Record{Size: 80})
	_, _ = w.Write(Record{Size: 80})
	if _, err := w.Write(Record{Size: 80}); err == nil {
		t.Error("flush error not propagated")
	}
}

func TestEncodeLayout(t *testing.T) {
	var staged []byte
	w := NewWriter(512, 16, func(b []byte) error {
		staged = append([]byte(nil), b...)
		return nil
	})

	rec := Record{
		Size:          176,
		Transform:     scene.Translate(1, 2, 3),
		PrevTransform: scene.Translate(4, 5, 6),
		HasPrev:       true,
		MaterialIndex: 9,
		JointBase:     12,
		DrawFlags:     3,
		Custom:        []byte{0xAA, 0xBB},
	}
	if _, err := w.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = w.Finish()

	f32 := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(staged[off:])) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(staged[off:]) }

	if got := f32(12 * 4); got != 1 {
		t.Errorf("transform tx = %v, want 1", got)
	}
	if got := f32(64 + 13*4); got != 5 {
		t.Errorf("prev transform ty = %v, want 5", got)
	}
	if u32(128) != 9 || u32(132) != 12 || u32(136) != 3 {
		t.Errorf("material block = %d %d %d, want 9 12 3", u32(128), u32(132), u32(136))
	}
	if staged[144] != 0xAA || staged[145] != 0xBB {
		t.Errorf("custom = %x", staged[144:146])
	}
	for i := 146; i < 176; i++ {
		if staged[i] != 0 {
			t.Fatalf("padding byte %d = %x, want 0", i, staged[i])
		}
	}
}
