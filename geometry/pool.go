// Package geometry implements the geometry streaming pool: deduplicated,
// budgeted upload of vertex and index data into two shared device buffers.
//
// Allocation requests are queued and become resolvable only after Commit,
// which performs every queued upload in one batched pass. Handles are
// index/generation pairs; a handle whose allocation was evicted or moved by a
// reallocation resolves to ErrStaleHandle instead of a dangling region.
//
//	h, err := pool.AllocateVertices("cube", data, 32)
//	...
//	pool.Commit()
//	r, err := pool.Resolve(h) // r.Buffer, r.Offset, r.Count
package geometry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/internal/align"
	"github.com/gogpu/drawbatch/internal/cache"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/gputypes"
)

// Pool errors.
var (
	// ErrPending is returned by Resolve before the allocation is committed.
	ErrPending = errors.New("geometry: allocation not committed yet")

	// ErrStaleHandle is returned for handles whose allocation no longer exists.
	ErrStaleHandle = errors.New("geometry: stale handle")

	// ErrDeferred is returned by Reserve when the load budget is exhausted.
	// The caller should skip this frame's update and retry.
	ErrDeferred = errors.New("geometry: load budget exceeded, deferred")

	// ErrEmpty is returned when allocating zero bytes.
	ErrEmpty = errors.New("geometry: empty data")

	// ErrStride is returned when data is not a whole number of elements.
	ErrStride = errors.New("geometry: data length is not a multiple of the element size")

	// ErrTooLarge is returned when an allocation can never fit a device buffer.
	ErrTooLarge = errors.New("geometry: allocation exceeds maximum buffer size")

	// ErrReservationSpent is returned when an allocation exceeds what is left
	// of its reservation.
	ErrReservationSpent = errors.New("geometry: reservation exhausted")

	// ErrReservationExpired is returned when using a reservation after Commit
	// or Release.
	ErrReservationExpired = errors.New("geometry: reservation expired")
)

// Default capacities.
const (
	DefaultVertexCapacity = 4 << 20
	DefaultIndexCapacity  = 1 << 20
	DefaultDedupEntries   = 1024
)

// copyAlignment is the offset and size granularity of buffer uploads.
const copyAlignment = 4

// Handle identifies one allocation. The zero handle is never valid.
type Handle = scene.GeometryHandle

// Kind selects the shared buffer an allocation lives in.
type Kind uint8

const (
	Vertices Kind = iota
	Indices

	numKinds
)

func (k Kind) String() string {
	if k == Indices {
		return "index"
	}
	return "vertex"
}

// Region is the committed location of an allocation.
type Region struct {
	// Buffer is the shared device buffer holding the data.
	Buffer device.Buffer

	// Offset is the byte offset of the first element.
	Offset uint64

	// Count is the number of elements (vertices or indices).
	Count uint32

	// Stride is the element size in bytes.
	Stride uint32

	// Epoch is the pool epoch the region was resolved in.
	Epoch uint64
}

// First returns the index of the first element, Offset/Stride. Offsets are
// always aligned to the stride so this is exact.
func (r Region) First() uint32 {
	if r.Stride == 0 {
		return 0
	}
	return uint32(r.Offset / uint64(r.Stride))
}

// Config controls pool sizing and admission.
type Config struct {
	// VertexCapacity is the initial vertex buffer size in bytes.
	VertexCapacity uint64

	// IndexCapacity is the initial index buffer size in bytes.
	IndexCapacity uint64

	// LoadBudget caps pending plus reserved upload bytes per commit cycle.
	// Zero disables admission control.
	LoadBudget uint64

	// DedupEntries bounds how many unreferenced allocations stay cached
	// for reuse. Zero selects DefaultDedupEntries.
	DedupEntries int

	// Label prefixes device buffer labels.
	Label string
}

func (c Config) withDefaults() Config {
	if c.VertexCapacity == 0 {
		c.VertexCapacity = DefaultVertexCapacity
	}
	if c.IndexCapacity == 0 {
		c.IndexCapacity = DefaultIndexCapacity
	}
	if c.DedupEntries <= 0 {
		c.DedupEntries = DefaultDedupEntries
	}
	if c.Label == "" {
		c.Label = "geometry"
	}
	return c
}

type slotState uint8

const (
	slotFree slotState = iota
	slotPending
	slotCommitted
)

type dedupKey struct {
	hash uint64
	size uint64
}

type slot struct {
	generation uint32
	state      slotState
	kind       Kind
	key        dedupKey
	name       string
	data       []byte // pending only
	stride     uint32
	offset     uint64
	refs       int32
}

type arena struct {
	buf      device.Buffer
	capacity uint64
	head     uint64
	live     uint64
}

// Pool is the geometry streaming pool.
//
// AllocateVertices, AllocateIndices, Reserve and Release are safe for
// concurrent use. Commit, Resolve and Close run on the submission thread.
type Pool struct {
	mu  sync.Mutex
	dev device.Device
	cfg Config

	slots   []slot
	free    []uint32
	live    map[dedupKey]uint32
	idle    *cache.LRU[dedupKey, uint32]
	pending []uint32

	pendingBytes uint64
	reserved     uint64
	reservations map[*Reservation]struct{}

	arenas [numKinds]arena
	epoch  uint64

	dedupHits     uint64
	reallocations uint64
	deferred      uint64
}

// NewPool creates a pool on dev. Buffers are created on the first Commit.
func NewPool(dev device.Device, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		dev:          dev,
		cfg:          cfg,
		slots:        make([]slot, 1), // slot 0 backs the zero handle
		live:         make(map[dedupKey]uint32),
		reservations: make(map[*Reservation]struct{}),
	}
	p.idle = cache.NewLRU(cfg.DedupEntries, p.evict)
	p.arenas[Vertices].capacity = cfg.VertexCapacity
	p.arenas[Indices].capacity = cfg.IndexCapacity
	return p
}

// AllocateVertices queues interleaved vertex data with the given stride.
// Identical data already in the pool returns the existing handle.
func (p *Pool) AllocateVertices(name string, data []byte, stride uint32) (Handle, error) {
	return p.allocate(nil, Vertices, name, data, stride)
}

// AllocateIndices queues index data in format.
func (p *Pool) AllocateIndices(name string, data []byte, format gputypes.IndexFormat) (Handle, error) {
	return p.allocate(nil, Indices, name, data, indexSize(format))
}

func indexSize(f gputypes.IndexFormat) uint32 {
	if f == gputypes.IndexFormatUint32 {
		return 4
	}
	return 2
}

func (p *Pool) allocate(r *Reservation, kind Kind, name string, data []byte, stride uint32) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, ErrEmpty
	}
	if stride == 0 || len(data)%int(stride) != 0 {
		return Handle{}, fmt.Errorf("%w: %q len %d stride %d", ErrStride, name, len(data), stride)
	}
	size := uint64(len(data))
	if max := p.dev.Limits().MaxBufferSize; max > 0 && p.footprint(kind, size, stride) > max {
		return Handle{}, fmt.Errorf("%w: %q %d bytes", ErrTooLarge, name, size)
	}
	key := dedupKey{hash: contentHash(kind, stride, data), size: size}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.live[key]; ok {
		s := &p.slots[idx]
		if s.kind == kind && s.stride == stride {
			if s.refs == 0 {
				p.idle.Remove(key)
			}
			s.refs++
			p.dedupHits++
			return Handle{Index: idx, Generation: s.generation}, nil
		}
	}

	if r != nil {
		if err := r.consumeLocked(size); err != nil {
			return Handle{}, fmt.Errorf("%q: %w", name, err)
		}
	}

	idx := p.newSlot()
	s := &p.slots[idx]
	s.state = slotPending
	s.kind = kind
	s.key = key
	s.name = name
	s.data = append([]byte(nil), data...)
	s.stride = stride
	s.refs = 1
	p.live[key] = idx
	p.pending = append(p.pending, idx)
	p.pendingBytes += size

	return Handle{Index: idx, Generation: s.generation}, nil
}

// newSlot returns a free slot index. Caller must hold p.mu.
func (p *Pool) newSlot() uint32 {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return idx
	}
	p.slots = append(p.slots, slot{generation: 1})
	return uint32(len(p.slots) - 1)
}

// freeSlot invalidates a slot. Caller must hold p.mu.
func (p *Pool) freeSlot(idx uint32) {
	s := &p.slots[idx]
	if s.state == slotFree {
		return
	}
	if s.state == slotCommitted {
		p.arenas[s.kind].live -= s.key.size
	}
	if cur, ok := p.live[s.key]; ok && cur == idx {
		delete(p.live, s.key)
	}
	*s = slot{generation: s.generation + 1}
	p.free = append(p.free, idx)
}

// evict is the idle LRU callback. Caller holds p.mu.
func (p *Pool) evict(_ dedupKey, idx uint32) {
	slogger().Debug("geometry: evict idle allocation", "name", p.slots[idx].name, "slot", idx)
	p.freeSlot(idx)
}

// Release drops one reference to h. Unreferenced committed data stays cached
// for reuse until evicted; unreferenced pending data is discarded.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.lookup(h)
	if !ok || s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	switch s.state {
	case slotPending:
		p.pendingBytes -= s.key.size
		p.removePending(h.Index)
		p.freeSlot(h.Index)
	case slotCommitted:
		p.idle.Add(s.key, h.Index)
	}
}

func (p *Pool) removePending(idx uint32) {
	for i, v := range p.pending {
		if v == idx {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Pool) lookup(h Handle) (*slot, bool) {
	if h.Index == 0 || int(h.Index) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.Index]
	if s.generation != h.Generation || s.state == slotFree {
		return nil, false
	}
	return s, true
}

// Resolve returns the committed region of h.
func (p *Pool) Resolve(h Handle) (Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.lookup(h)
	if !ok {
		return Region{}, ErrStaleHandle
	}
	if s.state == slotPending {
		return Region{}, ErrPending
	}
	return Region{
		Buffer: p.arenas[s.kind].buf,
		Offset: s.offset,
		Count:  uint32(s.key.size / uint64(s.stride)),
		Stride: s.stride,
		Epoch:  p.epoch,
	}, nil
}

// Epoch returns the current pool epoch. It changes whenever a buffer is
// reallocated and previously committed regions become invalid.
func (p *Pool) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// footprint returns the bytes an allocation occupies in its buffer,
// including alignment padding.
func (p *Pool) footprint(kind Kind, size uint64, stride uint32) uint64 {
	return align.Up(size, p.alignment(kind, stride))
}

func (p *Pool) alignment(kind Kind, stride uint32) uint64 {
	if kind == Indices {
		return copyAlignment
	}
	return align.LCM(uint64(stride), copyAlignment)
}

// Commit uploads every queued allocation in one batched pass. When the
// queued data does not fit, the affected buffer is reallocated with room for
// the queued data and every referenced allocation: the epoch advances,
// committed allocations in that buffer become stale and the dedup cache
// forgets them. Owners re-request their data, which then fits without
// another reallocation. Outstanding reservations expire.
func (p *Pool) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer p.expireReservations()

	if len(p.pending) == 0 {
		return nil
	}

	var errs []error
	for kind := range numKinds {
		if err := p.commitKind(kind); err != nil {
			errs = append(errs, err)
		}
	}

	// Entries that did not fit even a fresh buffer remain pending.
	kept := p.pending[:0]
	p.pendingBytes = 0
	for _, idx := range p.pending {
		if p.slots[idx].state == slotPending {
			kept = append(kept, idx)
			p.pendingBytes += p.slots[idx].key.size
		}
	}
	p.pending = kept

	return errors.Join(errs...)
}

func (p *Pool) commitKind(kind Kind) error {
	a := &p.arenas[kind]

	var need uint64
	var queued []uint32
	for _, idx := range p.pending {
		s := &p.slots[idx]
		if s.kind != kind {
			continue
		}
		queued = append(queued, idx)
		need = align.Up(need, p.alignment(kind, s.stride)) + p.footprint(kind, s.key.size, s.stride)
	}
	if len(queued) == 0 {
		return nil
	}

	if a.buf == nil || !p.fits(kind, a.head, queued, a.capacity) {
		// Referenced allocations are re-requested by their owners, so the
		// new buffer must hold them as well as the queued entries.
		if err := p.reallocate(kind, p.referencedFootprint(kind)+need); err != nil {
			return err
		}
	}

	var errs []error
	for _, idx := range queued {
		s := &p.slots[idx]
		off := align.Up(a.head, p.alignment(kind, s.stride))
		end := off + p.footprint(kind, s.key.size, s.stride)
		if end > a.capacity {
			// Stays pending for the next commit.
			continue
		}
		data := s.data
		if pad := end - off - uint64(len(data)); pad > 0 {
			data = append(data, make([]byte, pad)...)
		}
		if err := p.dev.WriteBuffer(a.buf, off, data); err != nil {
			slogger().Error("geometry: upload failed", "name", s.name, "kind", kind, "err", err)
			errs = append(errs, fmt.Errorf("geometry: upload %q: %w", s.name, err))
			p.freeSlot(idx)
			continue
		}
		s.state = slotCommitted
		s.offset = off
		s.data = nil
		a.head = end
		a.live += s.key.size
		if s.refs == 0 {
			p.idle.Add(s.key, idx)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) fits(kind Kind, head uint64, queued []uint32, capacity uint64) bool {
	for _, idx := range queued {
		s := &p.slots[idx]
		head = align.Up(head, p.alignment(kind, s.stride)) + p.footprint(kind, s.key.size, s.stride)
	}
	return head <= capacity
}

// referencedFootprint returns the bytes needed to place every committed,
// referenced allocation of kind again, padding included.
func (p *Pool) referencedFootprint(kind Kind) uint64 {
	var n uint64
	for i := 1; i < len(p.slots); i++ {
		s := &p.slots[i]
		if s.state != slotCommitted || s.kind != kind || s.refs == 0 {
			continue
		}
		n += p.footprint(kind, s.key.size, s.stride) + p.alignment(kind, s.stride) - copyAlignment
	}
	return n
}

// reallocate replaces the buffer of kind with one large enough for need
// bytes. Caller must hold p.mu.
func (p *Pool) reallocate(kind Kind, need uint64) error {
	a := &p.arenas[kind]
	capacity := a.capacity
	if need > capacity {
		capacity = align.NextPow2(need)
	}
	if max := p.dev.Limits().MaxBufferSize; max > 0 && capacity > max {
		capacity = max
	}

	usage := gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst
	if kind == Indices {
		usage = gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst
	}
	label := fmt.Sprintf("%s-%s-%d", p.cfg.Label, kind, p.epoch+1)
	buf, err := p.dev.CreateBuffer(device.BufferDescriptor{Label: label, Size: capacity, Usage: usage})
	if err != nil {
		return fmt.Errorf("geometry: create %s buffer (%d bytes): %w", kind, capacity, err)
	}

	old := a.buf
	if old != nil {
		p.reallocations++
		invalidated := 0
		for i := 1; i < len(p.slots); i++ {
			s := &p.slots[i]
			if s.state == slotCommitted && s.kind == kind {
				p.idle.Remove(s.key)
				p.freeSlot(uint32(i))
				invalidated++
			}
		}
		p.dev.DestroyBuffer(old)
		slogger().Info("geometry: buffer reallocated",
			"kind", kind, "old", a.capacity, "new", capacity, "invalidated", invalidated, "epoch", p.epoch+1)
	} else {
		slogger().Info("geometry: buffer created", "kind", kind, "size", capacity)
	}

	p.epoch++
	*a = arena{buf: buf, capacity: capacity}
	return nil
}

// Close destroys the device buffers. The pool must not be used afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.arenas {
		p.dev.DestroyBuffer(p.arenas[k].buf)
		p.arenas[k] = arena{}
	}
}

func contentHash(kind Kind, stride uint32, data []byte) uint64 {
	h := fnv.New64a()
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], stride)
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(data)
	return h.Sum64()
}

// Stats is a snapshot of pool counters.
type Stats struct {
	// Live is the number of committed allocations, referenced or cached.
	Live int

	// Idle is the number of committed allocations with no references.
	Idle int

	// Pending is the number of queued allocations.
	Pending int

	// PendingBytes is the queued upload size.
	PendingBytes uint64

	// ReservedBytes is the unspent size of outstanding reservations.
	ReservedBytes uint64

	// DedupHits counts allocations satisfied by existing data.
	DedupHits uint64

	// Reallocations counts buffer reallocations.
	Reallocations uint64

	// Deferred counts reservations refused by the load budget.
	Deferred uint64

	// Evictions counts idle allocations dropped from the dedup cache.
	Evictions uint64

	// Epoch is the current pool epoch.
	Epoch uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Geometry[%d live (%d idle), %d pending (%d B), %d B reserved, %d dedup hits, %d reallocs, epoch %d]",
		s.Live, s.Idle, s.Pending, s.PendingBytes, s.ReservedBytes, s.DedupHits, s.Reallocations, s.Epoch)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := 0
	for i := 1; i < len(p.slots); i++ {
		if p.slots[i].state == slotCommitted {
			live++
		}
	}
	return Stats{
		Live:          live,
		Idle:          p.idle.Len(),
		Pending:       len(p.pending),
		PendingBytes:  p.pendingBytes,
		ReservedBytes: p.reserved,
		DedupHits:     p.dedupHits,
		Reallocations: p.reallocations,
		Deferred:      p.deferred,
		Evictions:     p.idle.Evictions(),
		Epoch:         p.epoch,
	}
}
