package drawlist

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gogpu/drawbatch/device/devicetest"
	"github.com/gogpu/drawbatch/dirty"
	"github.com/gogpu/drawbatch/geometry"
	"github.com/gogpu/drawbatch/internal/pipeline"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/drawbatch/scene/scenetest"
	"github.com/gogpu/drawbatch/version"
	"github.com/gogpu/gputypes"
)

type fixture struct {
	t     *testing.T
	pool  *geometry.Pool
	scene *scenetest.Scene
	res   *pipeline.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := devicetest.New()
	f := &fixture{
		t:     t,
		pool:  geometry.NewPool(dev, geometry.Config{}),
		scene: scenetest.New(),
		res:   pipeline.NewResolver(dev, pipeline.Options{}),
	}
	t.Cleanup(func() {
		f.res.Close()
		f.pool.Close()
	})
	return f
}

// mesh uploads a triangle-list mesh and commits it.
func (f *fixture) mesh(seed byte, verts int) *scene.Geometry {
	f.t.Helper()
	g := f.pendingMesh(seed, verts)
	if err := f.pool.Commit(); err != nil {
		f.t.Fatalf("Commit: %v", err)
	}
	return g
}

func (f *fixture) pendingMesh(seed byte, verts int) *scene.Geometry {
	f.t.Helper()
	vb := make([]byte, verts*12)
	for i := range vb {
		vb[i] = seed + byte(i)
	}
	ib := make([]byte, verts*2)
	for i := range verts {
		binary.LittleEndian.PutUint16(ib[i*2:], uint16(i))
	}
	vh, err := f.pool.AllocateVertices(fmt.Sprint("v", seed), vb, 12)
	if err != nil {
		f.t.Fatalf("AllocateVertices: %v", err)
	}
	ih, err := f.pool.AllocateIndices(fmt.Sprint("i", seed), ib, gputypes.IndexFormatUint16)
	if err != nil {
		f.t.Fatalf("AllocateIndices: %v", err)
	}
	return &scene.Geometry{
		Vertices:    vh,
		Stride:      12,
		Triangles:   ih,
		IndexFormat: gputypes.IndexFormatUint16,
		VertexCount: uint32(verts),
	}
}

func (f *fixture) resolve(b *Builder) {
	for _, it := range b.Items() {
		if it.Material == nil || it.Geometry == nil {
			continue
		}
		st, flags, _ := f.res.Resolve(pipeline.PassConfig{}, pipeline.Input{
			Item: it.ID, Material: it.Material, Stride: it.Geometry.Stride, Mode: it.Mode,
		})
		it.State, it.Flags = st, flags
		it.UpdateStateID()
	}
}

func (f *fixture) build(filter scene.Selection, tags scene.Tags) *Builder {
	b := NewBuilder()
	b.Rebuild(f.scene, filter, tags)
	b.Refresh(f.pool)
	f.resolve(b)
	b.Sort(f.scene)
	return b
}

func ids(items []*Item) []scene.ID {
	out := make([]scene.ID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// =============================================================================
// Rebuild
// =============================================================================

func TestRebuildFilters(t *testing.T) {
	f := newFixture(t)
	m := scenetest.NewMaterial(1)
	g := f.mesh(1, 3)
	f.scene.Add(
		scenetest.NewDrawable(1, 1, m, g),
		scenetest.NewDrawable(2, 1, m, g).SetSelected(true),
		scenetest.NewDrawable(3, 1, m, g).SetTags(0b10),
		scenetest.NewDrawable(4, 1, m, g).SetTags(0b11).SetSelected(true),
	)

	tests := []struct {
		filter scene.Selection
		tags   scene.Tags
		want   []scene.ID
	}{
		{scene.SelectAll, 0b01, []scene.ID{1, 2, 4}},
		{scene.SelectAll, 0b10, []scene.ID{3, 4}},
		{scene.SelectSelected, 0b11, []scene.ID{2, 4}},
		{scene.SelectUnselected, 0b11, []scene.ID{1, 3}},
		{scene.SelectAll, 0, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%b", tt.filter, tt.tags), func(t *testing.T) {
			b := NewBuilder()
			b.Rebuild(f.scene, tt.filter, tt.tags)
			got := ids(b.Items())
			if fmt.Sprint(got) != fmt.Sprint(tt.want) && !(len(got) == 0 && len(tt.want) == 0) {
				t.Errorf("items = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsRebuild(t *testing.T) {
	b := NewBuilder()
	if !b.NeedsRebuild(0, scene.SelectAll, 1) {
		t.Fatal("first use must rebuild")
	}
	b.Rebuild(scenetest.New(), scene.SelectAll, 1)

	tests := []struct {
		name    string
		changes version.Changes
		filter  scene.Selection
		tags    scene.Tags
		want    bool
	}{
		{"no change", 0, scene.SelectAll, 1, false},
		{"material only", 1 << version.Material, scene.SelectAll, 1, false},
		{"geometry only", 1 << version.Geometry, scene.SelectAll, 1, false},
		{"collection", 1 << version.Collection, scene.SelectAll, 1, true},
		{"render tags", 1 << version.RenderTags, scene.SelectAll, 1, true},
		{"subset layout", 1 << version.SubsetLayout, scene.SelectAll, 1, true},
		{"filter", 0, scene.SelectSelected, 1, true},
		{"tags", 0, scene.SelectAll, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.NeedsRebuild(tt.changes, tt.filter, tt.tags); got != tt.want {
				t.Errorf("NeedsRebuild = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRebuildIdempotent(t *testing.T) {
	f := newFixture(t)
	m := scenetest.NewMaterial(1)
	for i := range 10 {
		f.scene.Add(scenetest.NewDrawable(scene.ID(i), scene.ID(i%3), m, f.mesh(byte(i%3), 3)))
	}
	b := f.build(scene.SelectAll, 1)
	before := append([]*Item(nil), b.Items()...)

	obs := version.Observer{}
	obs.Observe(f.scene.Versions().Snapshot())
	if changes := obs.Observe(f.scene.Versions().Snapshot()); b.NeedsRebuild(changes, scene.SelectAll, 1) {
		t.Fatal("NeedsRebuild true with no version change")
	}

	// Even a forced rebuild keeps item identity.
	b.Rebuild(f.scene, scene.SelectAll, 1)
	b.Refresh(f.pool)
	b.Sort(f.scene)
	after := b.Items()
	if len(after) != len(before) {
		t.Fatalf("len = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("item %d identity changed", i)
		}
	}
}

func TestRebuildReplacesNewDrawable(t *testing.T) {
	f := newFixture(t)
	m := scenetest.NewMaterial(1)
	g := f.mesh(1, 3)
	f.scene.Add(scenetest.NewDrawable(1, 1, m, g))
	b := f.build(scene.SelectAll, 1)
	old, _ := b.Lookup(1)

	f.scene.Add(scenetest.NewDrawable(1, 1, m, g))
	b.Rebuild(f.scene, scene.SelectAll, 1)
	if it, _ := b.Lookup(1); it == old {
		t.Error("replaced drawable kept stale item")
	}
}

// =============================================================================
// Apply and Refresh
// =============================================================================

func TestApplyRemoved(t *testing.T) {
	f := newFixture(t)
	m := scenetest.NewMaterial(1)
	g := f.mesh(1, 3)
	f.scene.Add(scenetest.NewDrawable(1, 1, m, g), scenetest.NewDrawable(2, 1, m, g))
	b := f.build(scene.SelectAll, 1)

	n := b.Apply(map[scene.ID]dirty.Bits{1: dirty.Removed, 2: dirty.Transform, 99: dirty.Material})
	if n != 2 {
		t.Errorf("Apply touched %d, want 2", n)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
	it, _ := b.Lookup(2)
	if it.Dirty() != dirty.Transform {
		t.Errorf("Dirty() = %v, want transform", it.Dirty())
	}
	if !b.NeedsSort() {
		t.Error("removal must require a sort")
	}
}

func TestRefreshTransformMotion(t *testing.T) {
	f := newFixture(t)
	d := scenetest.NewDrawable(1, 1, scenetest.NewMaterial(1), f.mesh(1, 3))
	f.scene.Add(d)
	b := f.build(scene.SelectAll, 1)
	it, _ := b.Lookup(1)
	if it.PrevTransform != it.Transform {
		t.Fatal("first refresh must not report motion")
	}

	d.SetTransform(scene.Translate(1, 0, 0))
	b.Apply(map[scene.ID]dirty.Bits{1: dirty.Transform})
	if changed := b.Refresh(f.pool); len(changed) != 0 {
		t.Errorf("transform change must not re-resolve pipelines, got %d", len(changed))
	}
	if it.PrevTransform != scene.Identity() || it.Transform != scene.Translate(1, 0, 0) {
		t.Errorf("prev/current = %v / %v", it.PrevTransform, it.Transform)
	}

	// Next frame without movement: previous catches up.
	b.Refresh(f.pool)
	if it.PrevTransform != it.Transform {
		t.Error("resting item still reports motion")
	}
}

func TestRefreshPendingGeometry(t *testing.T) {
	f := newFixture(t)
	g := f.pendingMesh(5, 4)
	f.scene.Add(scenetest.NewDrawable(1, 1, scenetest.NewMaterial(1), g))

	b := NewBuilder()
	b.Rebuild(f.scene, scene.SelectAll, 1)
	b.Refresh(f.pool)
	f.resolve(b)
	it, _ := b.Lookup(1)
	if it.Valid() {
		t.Fatal("item with pending geometry must be invalid")
	}

	if err := f.pool.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b.Refresh(f.pool)
	if !it.Valid() {
		t.Fatal("item still invalid after commit")
	}
	if it.NumVertices != 4 || it.NumIndices != 4 || !it.Indexed {
		t.Errorf("item = %d verts %d indices indexed=%v", it.NumVertices, it.NumIndices, it.Indexed)
	}
	if !b.NeedsSort() {
		t.Error("validity change must require a sort")
	}
}

func TestRefreshMissingIndexSet(t *testing.T) {
	f := newFixture(t)
	d := scenetest.NewDrawable(1, 1, scenetest.NewMaterial(1), f.mesh(1, 3)).SetRenderMode(scene.Edges)
	f.scene.Add(d)
	b := f.build(scene.SelectAll, 1)
	it, _ := b.Lookup(1)
	if it.Valid() {
		t.Error("edges mode without line indices must be invalid")
	}

	d.SetRenderMode(scene.Points)
	b.Apply(map[scene.ID]dirty.Bits{1: dirty.Geometry})
	if changed := b.Refresh(f.pool); len(changed) != 1 {
		t.Fatalf("mode change re-resolved %d items, want 1", len(changed))
	}
	f.resolve(b)
	if !it.Valid() || it.Indexed {
		t.Errorf("points mode valid=%v indexed=%v, want true false", it.Valid(), it.Indexed)
	}
}

// =============================================================================
// Sort
// =============================================================================

func TestSortPartition(t *testing.T) {
	for seed := range uint64(20) {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			f := newFixture(t)
			rng := rand.New(rand.NewPCG(seed, 1))
			mats := []*scenetest.Material{scenetest.NewMaterial(1), scenetest.NewMaterial(2)}
			good := f.mesh(1, 3)
			empty := &scene.Geometry{Stride: 12}

			for i := range 30 {
				g := good
				if rng.IntN(3) == 0 {
					g = empty
				}
				var m scene.Material = mats[rng.IntN(2)]
				if rng.IntN(5) == 0 {
					m = nil
				}
				f.scene.Add(scenetest.NewDrawable(scene.ID(i), scene.ID(rng.IntN(4)), m, g))
			}

			b := f.build(scene.SelectAll, 1)
			seenInvalid := false
			for i, it := range b.Items() {
				if !it.Valid() {
					seenInvalid = true
					continue
				}
				if seenInvalid {
					t.Fatalf("valid item %d after an invalid one", i)
				}
			}
			if len(b.Valid()) == len(b.Items()) && seenInvalid {
				t.Error("Valid() includes invalid items")
			}
		})
	}
}

func TestSortOrder(t *testing.T) {
	f := newFixture(t)
	m1 := scenetest.NewMaterial(1).SetBinding(10, "b10")
	m2 := scenetest.NewMaterial(2).SetBinding(10, "b10")
	m3 := scenetest.NewMaterial(3).SetBinding(5, "b5")
	g := f.mesh(1, 3)

	f.scene.Add(
		scenetest.NewDrawable(1, 9, m1, g),
		scenetest.NewDrawable(2, 1, m2, g),
		scenetest.NewDrawable(3, 2, m1, g),
		scenetest.NewDrawable(4, 2, m3, g),
		scenetest.NewDrawable(5, 1, m1, g),
	)
	b := f.build(scene.SelectAll, 1)

	// One pipeline, so binding 5 first, then binding 10 by material then mesh then id.
	want := []scene.ID{4, 5, 3, 1, 2}
	if got := ids(b.Items()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if b.NeedsSort() {
		t.Error("NeedsSort after Sort")
	}
}

func TestSortDropsVanished(t *testing.T) {
	f := newFixture(t)
	m := scenetest.NewMaterial(1)
	g := f.mesh(1, 3)
	d2 := scenetest.NewDrawable(2, 1, m, g)
	f.scene.Add(scenetest.NewDrawable(1, 1, m, g), d2, scenetest.NewDrawable(3, 1, m, g))
	b := f.build(scene.SelectAll, 1)

	// Deleted between enumeration and sort, without a rebuild.
	f.scene.Remove(1)
	d2.DeleteMesh()
	b.Sort(f.scene)

	if got := ids(b.Items()); fmt.Sprint(got) != "[3]" {
		t.Errorf("items = %v, want [3]", got)
	}
	if _, ok := b.Lookup(1); ok {
		t.Error("vanished item still indexed")
	}
}

func TestEmptyList(t *testing.T) {
	f := newFixture(t)
	b := f.build(scene.SelectAll, 1)
	if b.Len() != 0 || len(b.Valid()) != 0 {
		t.Errorf("empty scene produced %d items", b.Len())
	}
}
