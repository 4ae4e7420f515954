// Package scene defines the collaborator contracts through which the draw
// scheduler reads scene state: drawables, materials, skins and geometry.
//
// Implementations live in the host application. The scheduler only reads
// through these interfaces and never owns the objects behind them.
package scene

import (
	"iter"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/version"
	"github.com/gogpu/gputypes"
)

// ID is the stable identity of a drawable or mesh.
type ID uint64

// Tags is a set of up to 64 render tags.
type Tags uint64

// AllTags matches every tagged drawable.
const AllTags = ^Tags(0)

// Intersects reports whether t and o share at least one tag.
// An empty pass tag set matches nothing.
func (t Tags) Intersects(o Tags) bool { return t&o != 0 }

// Selection filters drawables by their selection state.
type Selection uint8

const (
	// SelectAll accepts every drawable.
	SelectAll Selection = iota

	// SelectSelected accepts only selected drawables.
	SelectSelected

	// SelectUnselected accepts only drawables that are not selected.
	SelectUnselected
)

// Match reports whether a drawable with the given selection state passes.
func (s Selection) Match(selected bool) bool {
	switch s {
	case SelectSelected:
		return selected
	case SelectUnselected:
		return !selected
	default:
		return true
	}
}

// String returns the selection name.
func (s Selection) String() string {
	switch s {
	case SelectAll:
		return "all"
	case SelectSelected:
		return "selected"
	case SelectUnselected:
		return "unselected"
	default:
		return "unknown"
	}
}

// Mat4 is a column-major 4x4 transform.
type Mat4 [16]float32

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translate returns a translation transform.
func Translate(x, y, z float32) Mat4 {
	m := Identity()
	m[12], m[13], m[14] = x, y, z
	return m
}

// Stream identifies an optional vertex stream. Position is always present.
type Stream uint8

const (
	Normal Stream = iota
	Color
	TexCoord0
	TexCoord1
	Joints

	numStreams
)

// Streams is a set of optional vertex streams.
type Streams uint8

// StreamsOf builds a set from individual streams.
func StreamsOf(s ...Stream) Streams {
	var out Streams
	for _, v := range s {
		out |= 1 << v
	}
	return out
}

// Has reports whether s contains stream v.
func (s Streams) Has(v Stream) bool { return s&(1<<v) != 0 }

// Contains reports whether s contains every stream of o.
func (s Streams) Contains(o Streams) bool { return s&o == o }

// RenderMode selects how a mesh subset is rasterized.
type RenderMode uint8

const (
	// Solid draws filled triangles.
	Solid RenderMode = iota

	// Edges draws the mesh wireframe as a line list.
	Edges

	// Points draws one point per vertex.
	Points

	numRenderModes
)

// IndexSet selects which of a geometry's index lists a render mode reads.
type IndexSet uint8

const (
	TriangleIndices IndexSet = iota
	EdgeIndices
	// NoIndices means the mode draws vertices directly.
	NoIndices
)

// ModeInfo describes the fixed-function requirements of a render mode.
type ModeInfo struct {
	Topology gputypes.PrimitiveTopology
	Indexed  bool
	Indices  IndexSet
	// Requires lists streams the mode needs beyond position.
	Requires Streams
	// Drops lists streams the mode never reads even when present.
	Drops Streams
}

var renderModes = [numRenderModes]ModeInfo{
	Solid: {
		Topology: gputypes.PrimitiveTopologyTriangleList,
		Indexed:  true,
		Indices:  TriangleIndices,
	},
	Edges: {
		Topology: gputypes.PrimitiveTopologyLineList,
		Indexed:  true,
		Indices:  EdgeIndices,
		Drops:    StreamsOf(Normal, TexCoord0, TexCoord1),
	},
	Points: {
		Topology: gputypes.PrimitiveTopologyPointList,
		Indexed:  false,
		Indices:  NoIndices,
		Drops:    StreamsOf(Normal, TexCoord0, TexCoord1),
	},
}

// RenderModeInfo returns the table entry for mode.
// Unknown modes resolve to Solid.
func RenderModeInfo(mode RenderMode) ModeInfo {
	if mode >= numRenderModes {
		mode = Solid
	}
	return renderModes[mode]
}

// String returns the mode name.
func (m RenderMode) String() string {
	switch m {
	case Solid:
		return "solid"
	case Edges:
		return "edges"
	case Points:
		return "points"
	default:
		return "unknown"
	}
}

// GeometryHandle is the pool allocation token a geometry carries. It mirrors
// geometry.Handle without importing the pool.
type GeometryHandle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether the handle was never assigned.
func (h GeometryHandle) IsZero() bool { return h == GeometryHandle{} }

// Geometry is the uploaded form of one mesh subset.
type Geometry struct {
	// Vertices is the interleaved vertex allocation.
	Vertices GeometryHandle

	// Stride is the interleaved vertex stride in bytes.
	Stride uint32

	// Streams lists the optional streams present in the vertex data.
	Streams Streams

	// Triangles and Lines are the index allocations per index set.
	// Zero handles mean the set is absent.
	Triangles GeometryHandle
	Lines     GeometryHandle

	// IndexFormat is the index element format.
	IndexFormat gputypes.IndexFormat

	// VertexCount is the number of vertices.
	VertexCount uint32
}

// IndexHandle returns the index allocation used by set.
func (g *Geometry) IndexHandle(set IndexSet) GeometryHandle {
	switch set {
	case TriangleIndices:
		return g.Triangles
	case EdgeIndices:
		return g.Lines
	default:
		return GeometryHandle{}
	}
}

// MaterialFeatures is the set of optional material features that select
// shader variants.
type MaterialFeatures uint16

const (
	BaseColorTexture MaterialFeatures = 1 << iota
	NormalTexture
	MetalRoughTexture
	OcclusionTexture
	EmissiveTexture
	UVTransform
	ClearCoat
)

// AlphaMode is the material's alpha handling.
type AlphaMode uint8

const (
	AlphaOpaque AlphaMode = iota
	AlphaMask
	AlphaBlend
)

// Material is the material collaborator.
type Material interface {
	// ID identifies the material.
	ID() ID

	// BindingID identifies the resolved resource binding set. Materials that
	// share a binding set return the same value.
	BindingID() uint64

	// Binding returns the resolved resource binding set.
	Binding() device.BindGroup

	// ReservedAttributeBytes is the attribute-buffer range reserved for one
	// item drawn with this material.
	ReservedAttributeBytes() uint32

	// Features returns the active optional material features.
	Features() MaterialFeatures

	AlphaMode() AlphaMode
	CullMode() gputypes.CullMode

	// Version changes whenever any material parameter changes.
	Version() uint32

	// Ready reports whether every texture the material needs is loaded.
	Ready() bool
}

// Skin is a skinning source.
type Skin interface {
	// TransformSetHash identifies the joint transform set. Subsets of one
	// skinned mesh share the same hash.
	TransformSetHash() uint64

	// JointCount returns the number of valid joints.
	JointCount() int

	// JointData returns the packed joint matrices for this frame.
	JointData() []byte
}

// Drawable is one (mesh subset, material) pair.
type Drawable interface {
	ID() ID
	MeshID() ID
	Visible() bool
	Selected() bool
	Tags() Tags
	Transform() Mat4
	Material() Material

	// Geometry returns the uploaded geometry and false if the mesh was deleted.
	Geometry() (*Geometry, bool)

	// GeometryVersion changes whenever the geometry is rebuilt.
	GeometryVersion() uint32

	// Skin returns nil for static drawables.
	Skin() Skin

	RenderMode() RenderMode
}

// Source is the scene collaborator.
type Source interface {
	// Versions returns the shared change counters.
	Versions() *version.Attributes

	// Drawables enumerates every drawable. It is expensive and only called on
	// rebuild.
	Drawables() iter.Seq[Drawable]

	// Lookup returns the drawable with id, if it still exists.
	Lookup(id ID) (Drawable, bool)
}
