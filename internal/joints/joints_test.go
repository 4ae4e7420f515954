package joints

import (
	"fmt"
	"testing"

	"github.com/gogpu/drawbatch/scene/scenetest"
)

func skin(hash uint64, joints int) *scenetest.Skin {
	return &scenetest.Skin{Hash: hash, Joints: joints}
}

func TestAssignNoSkinning(t *testing.T) {
	b := New(1024, 256)
	if _, ok := b.Assign(nil); ok {
		t.Error("nil skin assigned")
	}
	if _, ok := b.Assign(skin(1, 0)); ok {
		t.Error("zero-joint skin assigned")
	}
	if len(b.Batches()) != 0 {
		t.Errorf("Batches() = %v, want empty", b.Batches())
	}
}

func TestAssignSlotReuse(t *testing.T) {
	b := New(4096, 256)
	first, _ := b.Assign(skin(7, 4))
	other, _ := b.Assign(skin(8, 4))
	again, _ := b.Assign(skin(7, 4))

	if again != first {
		t.Errorf("same hash = %+v, want %+v", again, first)
	}
	if other.Offset != 256 {
		t.Errorf("second skin offset = %d, want 256 (aligned)", other.Offset)
	}
	groups := b.Batches()
	if len(groups) != 1 || len(groups[0].Entries) != 2 {
		t.Errorf("groups = %+v, want one group of two", groups)
	}
}

func TestAssignOverflowClosesBatch(t *testing.T) {
	// 4 joints = 256 bytes; capacity holds two aligned entries.
	b := New(512, 256)
	a, _ := b.Assign(skin(1, 4))
	c, _ := b.Assign(skin(2, 4))
	d, _ := b.Assign(skin(3, 4))

	if a.Index != 0 || c.Index != 0 || d.Index != 1 {
		t.Errorf("indices = %d %d %d, want 0 0 1", a.Index, c.Index, d.Index)
	}
	if d.Offset != 0 {
		t.Errorf("offset after close = %d, want 0", d.Offset)
	}

	// A hash whose slot is in a closed batch is appended to the open one.
	again, _ := b.Assign(skin(1, 4))
	if again.Index != 1 || again.Offset != 256 {
		t.Errorf("re-append = %+v, want index 1 offset 256", again)
	}
}

// Slots are shared within the open batch only. A hash whose slot is in a
// closed batch is appended to the open batch again, and later items with
// that hash share the new slot.
func TestAssignHashAfterBatchBoundary(t *testing.T) {
	b := New(512, 256)
	first, _ := b.Assign(skin(1, 4))
	_, _ = b.Assign(skin(2, 4))
	_, _ = b.Assign(skin(3, 4)) // closes batch 0

	moved, _ := b.Assign(skin(1, 4))
	if moved.Index != 1 || moved == first {
		t.Fatalf("hash 1 after boundary = %+v, want a new slot in batch 1", moved)
	}
	if again, _ := b.Assign(skin(1, 4)); again != moved {
		t.Errorf("hash 1 within batch 1 = %+v, want %+v", again, moved)
	}

	groups := b.Batches()
	if len(groups) != 2 {
		t.Fatalf("groups = %+v, want 2", groups)
	}
	if len(groups[0].Entries) != 2 || groups[0].Entries[0] != first {
		t.Errorf("batch 0 = %+v, want its original two entries", groups[0])
	}
	if len(groups[1].Entries) != 2 {
		t.Errorf("batch 1 entries = %d, want 2 (hash 3, hash 1)", len(groups[1].Entries))
	}
}

func TestAssignOversizedFirstItem(t *testing.T) {
	b := New(1024, 256)
	big, ok := b.Assign(skin(1, 32)) // 2048 bytes
	if !ok {
		t.Fatal("oversized skin not assigned")
	}
	if big.Index != 1 || big.Offset != 0 {
		t.Errorf("oversized first item = %+v, want index 1 offset 0", big)
	}
	groups := b.Batches()
	if len(groups) != 1 || groups[0].Index != 1 {
		t.Fatalf("groups = %+v, want only batch 1", groups)
	}
	if !b.Oversized(groups[0]) {
		t.Error("Oversized() = false for 2048 bytes in 1024")
	}

	next, _ := b.Assign(skin(2, 1))
	if next.Index != 2 {
		t.Errorf("item after oversized = index %d, want 2", next.Index)
	}
}

func TestAssignNonDecreasing(t *testing.T) {
	for _, capacity := range []uint64{256, 512, 1000, 4096} {
		t.Run(fmt.Sprint(capacity), func(t *testing.T) {
			b := New(capacity, 256)
			last := 0
			seen := map[uint64]int{}
			for i := range 40 {
				h := uint64(i % 7)
				got, _ := b.Assign(skin(h, 1+i%5))
				if got.Index < last {
					t.Fatalf("item %d index %d < previous %d", i, got.Index, last)
				}
				if idx, ok := seen[h]; ok && idx == got.Index {
					// Same batch: must be the same slot.
					prev := b.slots[h]
					if prev != got {
						t.Fatalf("hash %d reassigned within batch %d", h, idx)
					}
				}
				seen[h] = got.Index
				last = got.Index
			}
		})
	}
}

func TestReset(t *testing.T) {
	b := New(256, 256)
	_, _ = b.Assign(skin(1, 4))
	_, _ = b.Assign(skin(2, 4))
	b.Reset(0, 0)

	got, _ := b.Assign(skin(2, 4))
	if got.Index != 0 || got.Offset != 0 {
		t.Errorf("after Reset = %+v, want index 0 offset 0", got)
	}
	b.Reset(8192, 0)
	if b.Capacity() != 8192 {
		t.Errorf("Capacity() = %d, want 8192", b.Capacity())
	}
}
