// Package pipeline derives pipeline flags and keys for drawable items and
// resolves them to cached, possibly asynchronously compiled, pipeline states.
package pipeline

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/gputypes"
)

// PassKind is the kind of render pass being recorded.
type PassKind uint8

const (
	Opaque PassKind = iota
	Transparent
	Shadow
	Pick
)

func (k PassKind) String() string {
	switch k {
	case Opaque:
		return "opaque"
	case Transparent:
		return "transparent"
	case Shadow:
		return "shadow"
	case Pick:
		return "pick"
	default:
		return fmt.Sprintf("PassKind(%d)", k)
	}
}

// LoadingMode selects the animation shown by loading pipelines.
type LoadingMode uint8

const (
	LoadingNone LoadingMode = iota
	LoadingFade
	LoadingPulse
)

// Flags is the pipeline flag bitmask.
type Flags uint64

const (
	FlagTransparent Flags = 1 << iota
	FlagShadowPass
	FlagPickPass
	FlagDebugView
	FlagEdges
	FlagPoints
	FlagShadows
	FlagIBL
	FlagBindless
	FlagNormals
	FlagColors
	FlagTexCoord0
	FlagTexCoord1
	FlagSkinned
	FlagBaseColorTexture
	FlagNormalTexture
	FlagMetalRoughTexture
	FlagOcclusionTexture
	FlagEmissiveTexture
	FlagUVTransform
	FlagClearCoat
	FlagMotionVectors
	FlagFallback

	numFlags = iota
)

// passMask and topologyMask are the bits a fallback pipeline keeps.
const (
	passMask     = FlagTransparent | FlagShadowPass | FlagPickPass
	topologyMask = FlagEdges | FlagPoints
)

var flagNames = [numFlags]string{
	"transparent", "shadow-pass", "pick-pass", "debug-view", "edges", "points",
	"shadows", "ibl", "bindless", "normals", "colors", "uv0", "uv1", "skinned",
	"base-color-tex", "normal-tex", "metal-rough-tex", "occlusion-tex", "emissive-tex",
	"uv-transform", "clear-coat", "motion-vectors", "fallback",
}

// Has reports whether every bit of o is set.
func (f Flags) Has(o Flags) bool { return f&o == o }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i := range numFlags {
		if f&(1<<i) != 0 {
			parts = append(parts, flagNames[i])
		}
	}
	return strings.Join(parts, "|")
}

// Attribute footprint components in bytes.
const (
	transformBytes     = 64
	prevTransformBytes = 64
	materialBlockBytes = 16
	uvTransformBytes   = 32
	clearCoatBytes     = 16
)

// Footprint returns the attribute bytes one item drawn with flags needs.
func Footprint(f Flags) uint32 {
	n := uint32(transformBytes + materialBlockBytes)
	if f&FlagMotionVectors != 0 {
		n += prevTransformBytes
	}
	if f&FlagUVTransform != 0 {
		n += uvTransformBytes
	}
	if f&FlagClearCoat != 0 {
		n += clearCoatBytes
	}
	return n
}

// FallbackFlags reduces f to what a loading pipeline needs: pass kind,
// topology class and skinning.
func FallbackFlags(f Flags) Flags {
	return f&(passMask|topologyMask|FlagSkinned) | FlagFallback
}

// PassConfig is the global configuration of a pass.
type PassConfig struct {
	Pass PassKind

	// DebugView selects a debug visualization; 0 is off.
	DebugView uint8

	ShadowsEnabled bool
	IBLEnabled     bool
	Bindless       bool
	MotionVectors  bool

	// AsyncCompile compiles missing pipelines in the background and draws
	// with a fallback until they are ready.
	AsyncCompile bool

	Loading LoadingMode
}

// Input is the per-item part of pipeline derivation.
type Input struct {
	// Item identifies the drawable for diagnostics.
	Item scene.ID

	Material scene.Material
	Streams  scene.Streams
	Mode     scene.RenderMode
	Skinned  bool

	// Stride is the interleaved vertex stride.
	Stride uint32
}

// DeriveFlags computes the pipeline flags for in under cfg.
func DeriveFlags(cfg PassConfig, in Input) Flags {
	var f Flags

	switch cfg.Pass {
	case Transparent:
		f |= FlagTransparent
	case Shadow:
		f |= FlagShadowPass
	case Pick:
		f |= FlagPickPass
	}
	if cfg.DebugView != 0 {
		f |= FlagDebugView
	}

	info := scene.RenderModeInfo(in.Mode)
	switch in.Mode {
	case scene.Edges:
		f |= FlagEdges
	case scene.Points:
		f |= FlagPoints
	}

	lit := cfg.Pass == Opaque || cfg.Pass == Transparent
	if lit && cfg.ShadowsEnabled {
		f |= FlagShadows
	}
	if lit && cfg.IBLEnabled {
		f |= FlagIBL
	}
	if cfg.Bindless {
		f |= FlagBindless
	}
	if cfg.MotionVectors && cfg.Pass == Opaque {
		f |= FlagMotionVectors
	}

	streams := in.Streams &^ info.Drops
	if !lit {
		// Depth-only passes read at most the cutout texcoords.
		streams &= scene.StreamsOf(scene.TexCoord0, scene.Joints)
	}
	if streams.Has(scene.Normal) {
		f |= FlagNormals
	}
	if streams.Has(scene.Color) {
		f |= FlagColors
	}
	if streams.Has(scene.TexCoord1) {
		f |= FlagTexCoord1
	}
	if in.Skinned && streams.Has(scene.Joints) {
		f |= FlagSkinned
	}

	if in.Material != nil {
		f |= materialFlags(in.Material, lit, streams)
	}
	return f
}

func materialFlags(m scene.Material, lit bool, streams scene.Streams) Flags {
	feat := m.Features()
	var f Flags

	if !lit {
		if m.AlphaMode() == scene.AlphaMask && feat&scene.BaseColorTexture != 0 && streams.Has(scene.TexCoord0) {
			f |= FlagBaseColorTexture | FlagTexCoord0
		}
		return f
	}

	if streams.Has(scene.TexCoord0) {
		f |= FlagTexCoord0
	}
	if feat&scene.BaseColorTexture != 0 {
		f |= FlagBaseColorTexture
	}
	if feat&scene.NormalTexture != 0 && streams.Has(scene.Normal) {
		f |= FlagNormalTexture
	}
	if feat&scene.MetalRoughTexture != 0 {
		f |= FlagMetalRoughTexture
	}
	if feat&scene.OcclusionTexture != 0 {
		f |= FlagOcclusionTexture
	}
	if feat&scene.EmissiveTexture != 0 {
		f |= FlagEmissiveTexture
	}
	if feat&scene.UVTransform != 0 {
		f |= FlagUVTransform
	}
	if feat&scene.ClearCoat != 0 {
		f |= FlagClearCoat
	}
	return f
}

// Key is the pipeline cache key: flags plus material sub-keys.
type Key struct {
	Flags     Flags
	Alpha     scene.AlphaMode
	Cull      gputypes.CullMode
	DebugView uint8
	Loading   LoadingMode
	Topology  gputypes.PrimitiveTopology
	Stride    uint32
}

// MakeKey builds the cache key for flags derived from cfg and in.
func MakeKey(cfg PassConfig, in Input, f Flags) Key {
	k := Key{
		Flags:     f,
		DebugView: cfg.DebugView,
		Loading:   cfg.Loading,
		Topology:  scene.RenderModeInfo(in.Mode).Topology,
		Stride:    in.Stride,
	}
	if in.Material != nil {
		k.Alpha = in.Material.AlphaMode()
		k.Cull = in.Material.CullMode()
	}
	return k
}

// fallbackKey reduces k to the key of its loading pipeline.
func fallbackKey(k Key) Key {
	return Key{
		Flags:    FallbackFlags(k.Flags),
		Loading:  k.Loading,
		Topology: k.Topology,
		Stride:   k.Stride,
	}
}

// Hash returns a stable 64-bit hash of the key.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	var buf [23]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(k.Flags))
	buf[8] = byte(k.Alpha)
	binary.LittleEndian.PutUint32(buf[9:], uint32(k.Cull))
	buf[13] = k.DebugView
	buf[14] = byte(k.Loading)
	binary.LittleEndian.PutUint32(buf[15:], uint32(k.Topology))
	binary.LittleEndian.PutUint32(buf[19:], k.Stride)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Label returns a debug label for the key.
func (k Key) Label() string {
	return fmt.Sprintf("pipeline-%016x", k.Hash())
}
