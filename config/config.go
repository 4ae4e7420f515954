// Package config loads executor settings from TOML files and reloads them
// when the file changes.
//
// Example file:
//
//	[executor]
//	attribute_bytes = 65536
//	joint_bytes = 65536
//	warmup_frames = 1
//
//	[geometry]
//	vertex_bytes = 4194304
//	load_budget = 1048576
//
//	[pass]
//	kind = "opaque"
//	async_compile = true
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/drawbatch"
	"github.com/gogpu/drawbatch/geometry"
)

// ErrUnknownPass is returned for an unrecognized pass kind.
var ErrUnknownPass = errors.New("config: unknown pass kind")

// File is the TOML layout.
type File struct {
	Executor Executor `toml:"executor"`
	Geometry Geometry `toml:"geometry"`
	Pass     Pass     `toml:"pass"`
}

// Executor mirrors drawbatch.Config.
type Executor struct {
	AttributeBytes   uint64 `toml:"attribute_bytes"`
	JointBytes       uint64 `toml:"joint_bytes"`
	Alignment        uint32 `toml:"alignment"`
	WarmupFrames     int    `toml:"warmup_frames"`
	Strict           bool   `toml:"strict"`
	DisableMultiDraw bool   `toml:"disable_multidraw"`
	MaxCompiles      int64  `toml:"max_compiles"`
}

// Geometry mirrors geometry.Config.
type Geometry struct {
	VertexBytes  uint64 `toml:"vertex_bytes"`
	IndexBytes   uint64 `toml:"index_bytes"`
	LoadBudget   uint64 `toml:"load_budget"`
	DedupEntries int    `toml:"dedup_entries"`
}

// Pass describes a default pass.
type Pass struct {
	Label         string `toml:"label"`
	Kind          string `toml:"kind"`
	DebugView     uint8  `toml:"debug_view"`
	Shadows       bool   `toml:"shadows"`
	IBL           bool   `toml:"ibl"`
	Bindless      bool   `toml:"bindless"`
	MotionVectors bool   `toml:"motion_vectors"`
	AsyncCompile  bool   `toml:"async_compile"`
	Loading       string `toml:"loading"`
}

// Parse decodes data. Unknown keys are rejected so typos surface early.
func Parse(data []byte) (File, error) {
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return File{}, fmt.Errorf("config: line %d column %d: %w", row, col, err)
		}
		return File{}, fmt.Errorf("config: %w", err)
	}
	if _, err := f.PassState(); err != nil {
		return File{}, err
	}
	if err := f.Config().Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Load reads and parses the file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Config converts f to an executor configuration.
func (f File) Config() drawbatch.Config {
	e := f.Executor
	return drawbatch.Config{
		AttributeCapacity: e.AttributeBytes,
		JointCapacity:     e.JointBytes,
		Alignment:         e.Alignment,
		WarmupFrames:      e.WarmupFrames,
		Strict:            e.Strict,
		DisableMultiDraw:  e.DisableMultiDraw,
		MaxCompiles:       e.MaxCompiles,
		Geometry: geometry.Config{
			VertexCapacity: f.Geometry.VertexBytes,
			IndexCapacity:  f.Geometry.IndexBytes,
			LoadBudget:     f.Geometry.LoadBudget,
			DedupEntries:   f.Geometry.DedupEntries,
		},
	}
}

// PassState converts the pass section.
func (f File) PassState() (drawbatch.PassState, error) {
	p := f.Pass
	ps := drawbatch.PassState{
		Label:         p.Label,
		DebugView:     p.DebugView,
		Shadows:       p.Shadows,
		IBL:           p.IBL,
		Bindless:      p.Bindless,
		MotionVectors: p.MotionVectors,
		AsyncCompile:  p.AsyncCompile,
	}

	switch p.Kind {
	case "", "opaque":
		ps.Kind = drawbatch.PassOpaque
	case "transparent":
		ps.Kind = drawbatch.PassTransparent
	case "shadow":
		ps.Kind = drawbatch.PassShadow
	case "pick":
		ps.Kind = drawbatch.PassPick
	default:
		return ps, fmt.Errorf("%w: %q", ErrUnknownPass, p.Kind)
	}

	switch p.Loading {
	case "", "none":
		ps.Loading = drawbatch.LoadingNone
	case "fade":
		ps.Loading = drawbatch.LoadingFade
	case "pulse":
		ps.Loading = drawbatch.LoadingPulse
	default:
		return ps, fmt.Errorf("config: unknown loading mode %q", p.Loading)
	}
	return ps, nil
}
