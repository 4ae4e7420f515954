package scene

import (
	"testing"

	"github.com/gogpu/gputypes"
)

func TestSelectionMatch(t *testing.T) {
	tests := []struct {
		sel      Selection
		selected bool
		want     bool
	}{
		{SelectAll, true, true},
		{SelectAll, false, true},
		{SelectSelected, true, true},
		{SelectSelected, false, false},
		{SelectUnselected, true, false},
		{SelectUnselected, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.sel.String(), func(t *testing.T) {
			if got := tt.sel.Match(tt.selected); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.selected, got, tt.want)
			}
		})
	}
}

func TestTagsIntersects(t *testing.T) {
	if !Tags(0b0110).Intersects(0b0100) {
		t.Error("expected overlap")
	}
	if Tags(0b0001).Intersects(0b0110) {
		t.Error("unexpected overlap")
	}
	if Tags(0).Intersects(^Tags(0)) {
		t.Error("empty tags must not intersect")
	}
}

func TestStreams(t *testing.T) {
	s := StreamsOf(Normal, TexCoord0)
	if !s.Has(Normal) || !s.Has(TexCoord0) {
		t.Errorf("Streams %08b missing members", s)
	}
	if s.Has(Joints) {
		t.Error("Joints should not be set")
	}
	if !s.Contains(StreamsOf(Normal)) {
		t.Error("Contains(Normal) = false")
	}
	if s.Contains(StreamsOf(Normal, Color)) {
		t.Error("Contains(Normal|Color) = true")
	}
}

func TestRenderModeInfo(t *testing.T) {
	tests := []struct {
		mode     RenderMode
		topology gputypes.PrimitiveTopology
		indexed  bool
		set      IndexSet
	}{
		{Solid, gputypes.PrimitiveTopologyTriangleList, true, TriangleIndices},
		{Edges, gputypes.PrimitiveTopologyLineList, true, EdgeIndices},
		{Points, gputypes.PrimitiveTopologyPointList, false, NoIndices},
		{RenderMode(200), gputypes.PrimitiveTopologyTriangleList, true, TriangleIndices},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			info := RenderModeInfo(tt.mode)
			if info.Topology != tt.topology {
				t.Errorf("Topology = %v, want %v", info.Topology, tt.topology)
			}
			if info.Indexed != tt.indexed {
				t.Errorf("Indexed = %v, want %v", info.Indexed, tt.indexed)
			}
			if info.Indices != tt.set {
				t.Errorf("Indices = %v, want %v", info.Indices, tt.set)
			}
		})
	}
}

func TestGeometryIndexHandle(t *testing.T) {
	g := &Geometry{
		Triangles: GeometryHandle{Index: 1, Generation: 1},
		Lines:     GeometryHandle{Index: 2, Generation: 1},
	}
	if got := g.IndexHandle(TriangleIndices); got.Index != 1 {
		t.Errorf("triangles = %+v", got)
	}
	if got := g.IndexHandle(EdgeIndices); got.Index != 2 {
		t.Errorf("lines = %+v", got)
	}
	if got := g.IndexHandle(NoIndices); !got.IsZero() {
		t.Errorf("none = %+v, want zero", got)
	}
}

func TestTranslate(t *testing.T) {
	m := Translate(1, 2, 3)
	if m[12] != 1 || m[13] != 2 || m[14] != 3 || m[15] != 1 {
		t.Errorf("Translate = %v", m)
	}
}
