// Package joints groups per-item skinning data into capacity-bounded
// batches of the joint buffer.
//
// Batches are assigned in draw-list order and their indices never decrease,
// so the executor can upload batch N exactly once, right before its first
// draw, and never needs it again once batch N+1 begins.
package joints

import (
	"github.com/gogpu/drawbatch/internal/align"
	"github.com/gogpu/drawbatch/scene"
)

// MatrixBytes is the size of one joint matrix.
const MatrixBytes = 64

// Batch is one skin's placement in the joint buffer.
type Batch struct {
	// Index is the batch index.
	Index int

	// Offset is the byte offset within the batch.
	Offset uint64

	// Size is the joint data size in bytes.
	Size uint64

	// Source is the skinning source the data comes from.
	Source scene.Skin
}

// End returns the byte offset just past the batch data.
func (b Batch) End() uint64 { return b.Offset + b.Size }

// Group is every placement sharing one batch index, in assignment order.
type Group struct {
	Index   int
	Entries []Batch

	// Size is the byte extent of the group.
	Size uint64
}

// Batcher assigns joint batch slots.
type Batcher struct {
	capacity  uint64
	alignment uint64

	index  int
	offset uint64
	slots  map[uint64]Batch
	groups []Group
}

// New creates a batcher for a joint buffer of capacity bytes whose bound
// ranges must start at multiples of alignment.
func New(capacity, alignment uint64) *Batcher {
	return &Batcher{
		capacity:  capacity,
		alignment: alignment,
		slots:     make(map[uint64]Batch),
	}
}

// Reset starts a new list pass, optionally with new buffer parameters.
// Zero values keep the current ones.
func (b *Batcher) Reset(capacity, alignment uint64) {
	if capacity > 0 {
		b.capacity = capacity
	}
	if alignment > 0 {
		b.alignment = alignment
	}
	b.index = 0
	b.offset = 0
	clear(b.slots)
	b.groups = b.groups[:0]
}

// Capacity returns the joint buffer capacity.
func (b *Batcher) Capacity() uint64 { return b.capacity }

// Assign places skin's joint data and returns its batch. It reports false
// for a nil skin or one with no valid joints; such items draw unskinned.
//
// A skin whose transform set already has a slot in the open batch reuses
// it. Otherwise the data is appended, closing the open batch first when it
// would run past capacity. Data is never split across batches, so an item
// larger than capacity still gets a batch of its own.
func (b *Batcher) Assign(skin scene.Skin) (Batch, bool) {
	if skin == nil || skin.JointCount() <= 0 {
		return Batch{}, false
	}
	hash := skin.TransformSetHash()
	if slot, ok := b.slots[hash]; ok && slot.Index == b.index {
		return slot, true
	}

	size := uint64(skin.JointCount()) * MatrixBytes
	off := align.Up(b.offset, b.alignment)
	if off+size > b.capacity {
		b.index++
		off = 0
	}

	slot := Batch{Index: b.index, Offset: off, Size: size, Source: skin}
	b.slots[hash] = slot
	b.offset = off + size

	if n := len(b.groups); n == 0 || b.groups[n-1].Index != b.index {
		b.groups = append(b.groups, Group{Index: b.index})
	}
	g := &b.groups[len(b.groups)-1]
	g.Entries = append(g.Entries, slot)
	g.Size = slot.End()
	return slot, true
}

// Batches returns the groups assigned since Reset, by ascending index.
// Batch 0 is absent when the first assignment already overflowed.
func (b *Batcher) Batches() []Group { return b.groups }

// Oversized reports whether g cannot fit the joint buffer.
func (b *Batcher) Oversized(g Group) bool { return g.Size > b.capacity }
