package drawlist

import (
	"encoding/binary"
	"errors"
	"hash/fnv"

	"github.com/gogpu/drawbatch/dirty"
	"github.com/gogpu/drawbatch/geometry"
	"github.com/gogpu/drawbatch/internal/joints"
	"github.com/gogpu/drawbatch/internal/pipeline"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/gputypes"
)

// Regions resolves geometry handles. *geometry.Pool implements it.
type Regions interface {
	Resolve(h geometry.Handle) (geometry.Region, error)
	Epoch() uint64
}

// Item is one (mesh subset, material) pair in the draw list.
//
// Drawable, Material and Geometry are back-pointers into the scene; the
// list never owns them.
type Item struct {
	Drawable scene.Drawable
	ID       scene.ID
	MeshID   scene.ID

	Material   scene.Material
	MaterialID scene.ID
	BindingID  uint64

	Geometry    *scene.Geometry
	Vertices    geometry.Region
	Indices     geometry.Region
	Indexed     bool
	IndexFormat gputypes.IndexFormat
	Mode        scene.RenderMode
	Topology    gputypes.PrimitiveTopology

	// State is the pipeline to draw with; it may be a fallback.
	State *pipeline.State
	// Flags are the ideal pipeline flags.
	Flags pipeline.Flags
	// StateID is the render-state identity used to find batchable runs.
	StateID uint64

	// Version is geometry version plus material version.
	Version uint32
	// Epoch is the pool epoch Vertices and Indices were resolved in.
	Epoch uint64

	Transform     scene.Mat4
	PrevTransform scene.Mat4

	Skin       scene.Skin
	JointBatch joints.Batch

	Visible bool

	NumVertices uint32
	NumIndices  uint32
	FirstIndex  uint32
	BaseVertex  int32

	dirty    dirty.Bits
	moved    bool
	gone     bool
	pending  bool
	resolved bool
}

func newItem(d scene.Drawable) *Item {
	return &Item{
		Drawable:   d,
		ID:         d.ID(),
		MeshID:     d.MeshID(),
		JointBatch: joints.Batch{Index: -1},
		dirty:      dirty.All,
	}
}

// Valid reports whether the item can be submitted. Invalid items stay in
// the list and may become valid later.
func (it *Item) Valid() bool {
	return it.NumVertices > 0 && it.State != nil
}

// Drawn reports whether the item is submitted this frame.
func (it *Item) Drawn() bool {
	return it.Valid() && it.Visible
}

// Skinned reports whether the item draws with a skinning pipeline.
func (it *Item) Skinned() bool {
	return it.JointBatch.Index >= 0
}

// Dirty returns the pending change bits.
func (it *Item) Dirty() dirty.Bits { return it.dirty }

// needsRefresh reports whether refresh must run this frame.
func (it *Item) needsRefresh(epoch uint64) bool {
	return it.dirty != 0 || it.moved || it.pending || it.Epoch != epoch
}

// refresh re-reads the drawable and re-resolves geometry. It reports
// whether pipeline inputs changed so the pipeline must be resolved again.
func (it *Item) refresh(regions Regions) bool {
	d := it.Drawable
	bits := it.dirty
	it.dirty = 0

	tr := d.Transform()
	if bits.Has(dirty.Transform) || !it.resolved {
		it.PrevTransform = it.Transform
		if !it.resolved {
			it.PrevTransform = tr
		}
		it.moved = it.PrevTransform != tr
		it.Transform = tr
	} else if it.moved {
		// Came to rest: no motion this frame.
		it.PrevTransform = it.Transform
		it.moved = false
	}
	it.Visible = d.Visible()

	m := d.Material()
	g, ok := d.Geometry()
	if !ok {
		it.gone = true
		it.NumVertices = 0
		return false
	}

	version := d.GeometryVersion()
	if m != nil {
		version += m.Version()
	}
	epoch := regions.Epoch()

	changed := !it.resolved || it.Material != m || it.Version != version ||
		it.Geometry != g || it.Mode != d.RenderMode() ||
		bits.Has(dirty.Geometry|dirty.Material|dirty.Skin)

	if !changed && !it.pending && it.Epoch == epoch {
		return false
	}

	it.Material = m
	if m != nil {
		it.MaterialID = m.ID()
		it.BindingID = m.BindingID()
	}
	it.Geometry = g
	it.Version = version
	it.Mode = d.RenderMode()
	it.Skin = d.Skin()
	it.resolved = true
	it.resolveRegions(regions, epoch)
	return changed
}

func (it *Item) resolveRegions(regions Regions, epoch uint64) {
	it.Epoch = epoch
	it.pending = false
	it.NumVertices, it.NumIndices, it.FirstIndex, it.BaseVertex = 0, 0, 0, 0
	it.Indexed = false

	g := it.Geometry
	info := scene.RenderModeInfo(it.Mode)
	it.Topology = info.Topology
	it.IndexFormat = g.IndexFormat

	if g.VertexCount == 0 || g.Vertices.IsZero() {
		return
	}
	v, err := regions.Resolve(g.Vertices)
	if err != nil {
		it.noteResolveError(err, "vertices")
		return
	}

	var ix geometry.Region
	if info.Indexed {
		h := g.IndexHandle(info.Indices)
		if h.IsZero() {
			// Mode needs an index set this mesh does not have.
			slogger().Debug("drawlist: missing index set", "item", it.ID, "mode", it.Mode)
			return
		}
		ix, err = regions.Resolve(h)
		if err != nil {
			it.noteResolveError(err, "indices")
			return
		}
		if ix.Count == 0 {
			return
		}
	}

	it.Vertices = v
	it.NumVertices = min(v.Count, g.VertexCount)
	it.BaseVertex = int32(v.First())
	if info.Indexed {
		it.Indices = ix
		it.Indexed = true
		it.NumIndices = ix.Count
		it.FirstIndex = ix.First()
	}
}

func (it *Item) noteResolveError(err error, what string) {
	if errors.Is(err, geometry.ErrPending) {
		it.pending = true
		return
	}
	// Stale handles are re-requested by the geometry owner, which reports
	// a Geometry change when new handles are available.
	slogger().Debug("drawlist: geometry unresolved", "item", it.ID, "what", what, "err", err)
}

// UpdateStateID recomputes the render-state identity from the pipeline,
// material binding and geometry buffers.
func (it *Item) UpdateStateID() {
	if it.State == nil {
		it.StateID = 0
		return
	}
	h := fnv.New64a()
	var buf [26]byte
	binary.LittleEndian.PutUint64(buf[0:], it.State.ID())
	binary.LittleEndian.PutUint64(buf[8:], it.BindingID)
	binary.LittleEndian.PutUint64(buf[16:], it.Epoch)
	if it.Indexed {
		buf[24] = 1
	}
	buf[25] = byte(it.IndexFormat)
	_, _ = h.Write(buf[:])
	it.StateID = h.Sum64()
}
