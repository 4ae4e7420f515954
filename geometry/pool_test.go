package geometry

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gogpu/drawbatch/device/devicetest"
	"github.com/gogpu/gputypes"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *devicetest.Device) {
	t.Helper()
	dev := devicetest.New()
	p := NewPool(dev, cfg)
	t.Cleanup(p.Close)
	return p, dev
}

func seq(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestAllocateCommitResolve(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	data := seq(96, 1)

	h, err := p.AllocateVertices("tri", data, 32)
	if err != nil {
		t.Fatalf("AllocateVertices: %v", err)
	}
	if _, err := p.Resolve(h); !errors.Is(err, ErrPending) {
		t.Fatalf("Resolve before Commit err = %v, want ErrPending", err)
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	r, err := p.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Count != 3 || r.Stride != 32 {
		t.Errorf("Region = %+v, want Count 3 Stride 32", r)
	}
	buf := r.Buffer.(*devicetest.Buffer)
	if got := buf.Bytes()[r.Offset : r.Offset+96]; !bytes.Equal(got, data) {
		t.Errorf("uploaded bytes differ")
	}
}

func TestResolveStableUntilEpochChange(t *testing.T) {
	p, _ := newTestPool(t, Config{VertexCapacity: 256})
	h, _ := p.AllocateVertices("a", seq(64, 1), 16)
	_ = p.Commit()
	first, _ := p.Resolve(h)

	// Further commits that fit leave the region untouched.
	for i := range 3 {
		_, _ = p.AllocateVertices(fmt.Sprint(i), seq(16, byte(10*i+7)), 16)
		if err := p.Commit(); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		r, err := p.Resolve(h)
		if err != nil {
			t.Fatalf("Resolve after commit %d: %v", i, err)
		}
		if r != first {
			t.Fatalf("region moved without epoch change: %+v -> %+v", first, r)
		}
	}
}

func TestDedup(t *testing.T) {
	p, dev := newTestPool(t, Config{})
	data := seq(48, 3)

	a, _ := p.AllocateVertices("a", data, 12)
	b, _ := p.AllocateVertices("b", data, 12)
	if a != b {
		t.Errorf("identical data returned %v and %v", a, b)
	}
	c, _ := p.AllocateVertices("c", data, 16)
	if c == a {
		t.Error("different stride must not dedup")
	}
	if got := p.Stats().DedupHits; got != 1 {
		t.Errorf("DedupHits = %d, want 1", got)
	}

	_ = p.Commit()
	if n := dev.Count(devicetest.OpWriteBuffer); n != 2 {
		t.Errorf("WriteBuffer count = %d, want 2", n)
	}
}

func TestReleaseKeepsIdleForReuse(t *testing.T) {
	p, dev := newTestPool(t, Config{})
	data := seq(32, 5)
	h, _ := p.AllocateVertices("a", data, 8)
	_ = p.Commit()

	p.Release(h)
	if s := p.Stats(); s.Idle != 1 || s.Live != 1 {
		t.Errorf("after Release: %v, want 1 live 1 idle", s)
	}

	dev.ClearLog()
	again, _ := p.AllocateVertices("a", data, 8)
	if again != h {
		t.Errorf("revived handle = %v, want %v", again, h)
	}
	if _, err := p.Resolve(again); err != nil {
		t.Errorf("Resolve revived: %v", err)
	}
	_ = p.Commit()
	if n := dev.Count(devicetest.OpWriteBuffer); n != 0 {
		t.Errorf("revived allocation uploaded %d times", n)
	}
}

func TestIdleEviction(t *testing.T) {
	p, _ := newTestPool(t, Config{DedupEntries: 1})
	a, _ := p.AllocateVertices("a", seq(8, 1), 4)
	b, _ := p.AllocateVertices("b", seq(8, 2), 4)
	_ = p.Commit()

	p.Release(a)
	p.Release(b) // evicts a

	if _, err := p.Resolve(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve(evicted) err = %v, want ErrStaleHandle", err)
	}
	if _, err := p.Resolve(b); err != nil {
		t.Errorf("Resolve(idle) err = %v", err)
	}
	if s := p.Stats(); s.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestReleasePendingDiscards(t *testing.T) {
	p, dev := newTestPool(t, Config{})
	h, _ := p.AllocateVertices("a", seq(16, 1), 4)
	p.Release(h)

	if s := p.Stats(); s.Pending != 0 || s.PendingBytes != 0 {
		t.Errorf("after Release: %v, want nothing pending", s)
	}
	_ = p.Commit()
	if n := dev.Count(devicetest.OpWriteBuffer); n != 0 {
		t.Errorf("discarded allocation uploaded %d times", n)
	}
	if _, err := p.Resolve(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve err = %v, want ErrStaleHandle", err)
	}
}

func TestReallocationInvalidates(t *testing.T) {
	p, dev := newTestPool(t, Config{VertexCapacity: 64})

	a, _ := p.AllocateVertices("a", seq(48, 1), 4)
	_ = p.Commit()
	epoch := p.Epoch()

	b, _ := p.AllocateVertices("b", seq(48, 100), 4)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if p.Epoch() == epoch {
		t.Error("epoch did not advance on reallocation")
	}
	if _, err := p.Resolve(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Resolve(a) err = %v, want ErrStaleHandle", err)
	}
	r, err := p.Resolve(b)
	if err != nil {
		t.Fatalf("Resolve(b): %v", err)
	}
	if r.Offset != 0 {
		t.Errorf("b offset = %d, want 0 in fresh buffer", r.Offset)
	}
	if s := p.Stats(); s.Reallocations != 1 {
		t.Errorf("Reallocations = %d, want 1", s.Reallocations)
	}
	if n := dev.Count(devicetest.OpDestroyBuffer); n != 1 {
		t.Errorf("DestroyBuffer count = %d, want 1", n)
	}

	// Re-requesting a's data after reallocation uploads it again.
	a2, _ := p.AllocateVertices("a", seq(48, 1), 4)
	if a2 == a {
		t.Error("stale handle returned from dedup after reallocation")
	}
	epoch = p.Epoch()
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit(a2): %v", err)
	}
	if p.Epoch() != epoch {
		t.Errorf("epoch = %d after re-commit, want %d", p.Epoch(), epoch)
	}
	for name, h := range map[string]Handle{"a2": a2, "b": b} {
		if _, err := p.Resolve(h); err != nil {
			t.Errorf("Resolve(%s): %v", name, err)
		}
	}
	if s := p.Stats(); s.Reallocations != 1 {
		t.Errorf("Reallocations = %d after re-commit, want 1", s.Reallocations)
	}
}

func TestLiveSetLargerThanCapacitySettles(t *testing.T) {
	p, _ := newTestPool(t, Config{VertexCapacity: 128})
	data := map[string][]byte{"a": seq(96, 1), "b": seq(64, 100)}
	handles := map[string]Handle{}

	for _, name := range []string{"a", "b"} {
		h, err := p.AllocateVertices(name, data[name], 4)
		if err != nil {
			t.Fatalf("AllocateVertices(%s): %v", name, err)
		}
		handles[name] = h
		if err := p.Commit(); err != nil {
			t.Fatalf("Commit(%s): %v", name, err)
		}
	}

	// Owners re-request whatever went stale until both resolve.
	for round := range 4 {
		stale := 0
		for name, h := range handles {
			if _, err := p.Resolve(h); errors.Is(err, ErrStaleHandle) {
				stale++
				p.Release(h)
				nh, err := p.AllocateVertices(name, data[name], 4)
				if err != nil {
					t.Fatalf("round %d: AllocateVertices(%s): %v", round, name, err)
				}
				handles[name] = nh
			}
		}
		if stale == 0 {
			break
		}
		if err := p.Commit(); err != nil {
			t.Fatalf("round %d: Commit: %v", round, err)
		}
	}

	epoch := p.Epoch()
	for name, h := range handles {
		if _, err := p.Resolve(h); err != nil {
			t.Errorf("Resolve(%s): %v", name, err)
		}
	}
	if err := p.Commit(); err != nil || p.Epoch() != epoch {
		t.Errorf("idle Commit: err %v, epoch %d want %d", err, p.Epoch(), epoch)
	}
	if s := p.Stats(); s.Reallocations != 1 {
		t.Errorf("Reallocations = %d, want 1", s.Reallocations)
	}
}

func TestGrowToNextPow2(t *testing.T) {
	p, _ := newTestPool(t, Config{VertexCapacity: 64})
	h, _ := p.AllocateVertices("big", seq(100, 0), 4)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	r, err := p.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := r.Buffer.Size(); got != 128 {
		t.Errorf("buffer size = %d, want 128", got)
	}
}

func TestAlignment(t *testing.T) {
	tests := []struct {
		name      string
		stride    uint32
		sizes     []int
		wantFirst []uint32
	}{
		{"stride 16", 16, []int{32, 16}, []uint32{0, 2}},
		{"stride 12", 12, []int{12, 24}, []uint32{0, 1}},
		{"stride 6 pads to 12", 6, []int{6, 6}, []uint32{0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, Config{})
			var hs []Handle
			for i, n := range tt.sizes {
				h, err := p.AllocateVertices(fmt.Sprint(i), seq(n, byte(40*i+1)), tt.stride)
				if err != nil {
					t.Fatalf("AllocateVertices: %v", err)
				}
				hs = append(hs, h)
			}
			_ = p.Commit()
			for i, h := range hs {
				r, _ := p.Resolve(h)
				if r.First() != tt.wantFirst[i] {
					t.Errorf("alloc %d First() = %d, want %d", i, r.First(), tt.wantFirst[i])
				}
				if r.Offset%4 != 0 {
					t.Errorf("alloc %d offset %d not 4-byte aligned", i, r.Offset)
				}
			}
		})
	}
}

func TestIndexAllocation(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	a, _ := p.AllocateIndices("a", []byte{0, 0, 1, 0, 2, 0}, gputypes.IndexFormatUint16)
	b, _ := p.AllocateIndices("b", []byte{3, 0, 4, 0}, gputypes.IndexFormatUint16)
	_ = p.Commit()

	ra, _ := p.Resolve(a)
	rb, _ := p.Resolve(b)
	if ra.Count != 3 || ra.Stride != 2 {
		t.Errorf("a = %+v, want 3 indices of 2 bytes", ra)
	}
	if rb.Offset != 8 || rb.First() != 4 {
		t.Errorf("b offset = %d first = %d, want 8 and 4", rb.Offset, rb.First())
	}
	if ra.Buffer == nil || ra.Buffer != rb.Buffer {
		t.Error("indices must share one buffer")
	}
}

func TestAllocateErrors(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	if _, err := p.AllocateVertices("e", nil, 4); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty err = %v, want ErrEmpty", err)
	}
	if _, err := p.AllocateVertices("s", seq(10, 0), 4); !errors.Is(err, ErrStride) {
		t.Errorf("stride err = %v, want ErrStride", err)
	}
	if _, err := p.Resolve(Handle{}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("zero handle err = %v, want ErrStaleHandle", err)
	}
}

// =============================================================================
// Load budget
// =============================================================================

func TestReserveBudget(t *testing.T) {
	tests := []struct {
		name    string
		budget  uint64
		pending int      // bytes allocated before reserving
		prior   []uint64 // reservations already outstanding
		size    uint64
		wantErr bool
	}{
		{"below budget", 100, 0, []uint64{40}, 50, false},
		{"exactly at budget sole", 100, 0, nil, 100, false},
		{"exactly at budget contended", 100, 0, []uint64{60}, 40, true},
		{"over budget sole", 100, 0, nil, 150, false},
		{"over budget contended", 100, 0, []uint64{10}, 200, true},
		{"pending bytes count", 100, 60, nil, 40, true},
		{"pending bytes below", 100, 60, nil, 39, false},
		{"unlimited", 0, 500, []uint64{500}, 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, Config{LoadBudget: tt.budget})
			if tt.pending > 0 {
				if _, err := p.AllocateVertices("pending", seq(tt.pending, 9), 4); err != nil {
					t.Fatalf("AllocateVertices: %v", err)
				}
			}
			for _, size := range tt.prior {
				if _, err := p.Reserve(size); err != nil {
					t.Fatalf("prior Reserve(%d): %v", size, err)
				}
			}
			_, err := p.Reserve(tt.size)
			if tt.wantErr {
				if !errors.Is(err, ErrDeferred) {
					t.Errorf("Reserve(%d) err = %v, want ErrDeferred", tt.size, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Reserve(%d) err = %v, want nil", tt.size, err)
			}
		})
	}
}

func TestReservationLifecycle(t *testing.T) {
	p, _ := newTestPool(t, Config{LoadBudget: 100})

	r, err := p.Reserve(64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := r.AllocateVertices("a", seq(32, 1), 4); err != nil {
		t.Fatalf("AllocateVertices: %v", err)
	}
	if got := r.Remaining(); got != 32 {
		t.Errorf("Remaining() = %d, want 32", got)
	}
	if _, err := r.AllocateVertices("b", seq(40, 2), 4); !errors.Is(err, ErrReservationSpent) {
		t.Errorf("overspend err = %v, want ErrReservationSpent", err)
	}

	s := p.Stats()
	if s.PendingBytes != 32 || s.ReservedBytes != 32 {
		t.Errorf("stats = %v, want 32 pending 32 reserved", s)
	}

	_ = p.Commit()
	if _, err := r.AllocateIndices("c", []byte{0, 0}, gputypes.IndexFormatUint16); !errors.Is(err, ErrReservationExpired) {
		t.Errorf("after Commit err = %v, want ErrReservationExpired", err)
	}
	if got := p.Stats().ReservedBytes; got != 0 {
		t.Errorf("ReservedBytes after Commit = %d, want 0", got)
	}

	r2, _ := p.Reserve(10)
	r2.Release()
	r2.Release()
	if got := p.Stats().ReservedBytes; got != 0 {
		t.Errorf("ReservedBytes after Release = %d, want 0", got)
	}
}

func TestConcurrentAllocate(t *testing.T) {
	p, _ := newTestPool(t, Config{})
	const workers = 8

	var wg sync.WaitGroup
	handles := make([]Handle, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Half the workers share content.
			h, err := p.AllocateVertices("w", seq(64, byte(w%2)), 16)
			if err != nil {
				t.Errorf("worker %d: %v", w, err)
				return
			}
			handles[w] = h
		}()
	}
	wg.Wait()

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if s := p.Stats(); s.Live != 2 || s.DedupHits != workers-2 {
		t.Errorf("stats = %v, want 2 live and %d dedup hits", s, workers-2)
	}
	for w, h := range handles {
		if _, err := p.Resolve(h); err != nil {
			t.Errorf("worker %d Resolve: %v", w, err)
		}
	}
}
