// Package device defines the graphics-device contract consumed by the draw
// scheduler: buffers, pipeline creation, and a render pass encoder with
// single and multi-draw submission primitives.
//
// The scheduler never talks to a GPU API directly. backend/wgpu implements
// this contract on top of gogpu/wgpu's HAL; devicetest provides a recording
// implementation for tests.
package device

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Device errors.
var (
	// ErrNilBuffer is returned when a nil buffer is passed where one is required.
	ErrNilBuffer = errors.New("device: buffer is nil")

	// ErrWriteOutOfRange is returned when a write exceeds the buffer size.
	ErrWriteOutOfRange = errors.New("device: write out of buffer range")

	// ErrPassOpen is returned when beginning a pass while another is open.
	ErrPassOpen = errors.New("device: a render pass is already open")
)

// Binding slots used by the scheduler. Slot BindMaterial takes the
// material's bind group; the others take buffer ranges.
const (
	BindMaterial   uint32 = 0
	BindAttributes uint32 = 1
	BindJoints     uint32 = 2
)

// Limits carries the device-dependent values the scheduler needs.
type Limits struct {
	// MinBufferOffsetAlignment is the minimum alignment of a bound buffer
	// range offset (minStorageBufferOffsetAlignment in WebGPU terms).
	MinBufferOffsetAlignment uint32

	// MaxBufferSize is the largest buffer the device can create.
	MaxBufferSize uint64

	// MultiDraw reports whether the device can issue several indexed draws
	// with a single command.
	MultiDraw bool
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage gputypes.BufferUsage
}

// Buffer is a device buffer.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Label returns the debug label.
	Label() string
}

// BindGroup is an opaque resource binding set (for example a material's
// textures and samplers).
type BindGroup interface{}

// Pipeline is an opaque compiled pipeline state.
type Pipeline interface{}

// PipelineDescriptor describes the pipeline the scheduler wants compiled.
// Key is the scheduler's comparable cache key; devices may use it to select
// shader variants but must not rely on its concrete type.
type PipelineDescriptor struct {
	// Label is a debug name derived from the key.
	Label string

	// Key is the comparable pipeline key.
	Key any

	// Flags is the derived pipeline flag bitmask.
	Flags uint64

	// Topology is the primitive topology.
	Topology gputypes.PrimitiveTopology

	// CullMode is the face culling mode.
	CullMode gputypes.CullMode

	// Blend enables alpha blending.
	Blend bool

	// VertexStride is the interleaved vertex stride in bytes.
	VertexStride uint32

	// Fallback marks the reduced loading pipeline shown while the real one
	// compiles.
	Fallback bool
}

// DrawArgs are the arguments of one non-indexed draw.
type DrawArgs struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// DrawIndexedArgs are the arguments of one indexed draw.
type DrawIndexedArgs struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// Device is the graphics device.
//
// All methods except CreatePipeline are called from the submission thread.
// CreatePipeline may be called from a compile goroutine and may block.
type Device interface {
	// Limits returns the device limits.
	Limits() Limits

	// CreateBuffer creates a buffer.
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// DestroyBuffer releases a buffer. Destroying nil is a no-op.
	DestroyBuffer(buf Buffer)

	// WriteBuffer uploads data at offset. A write into a buffer that recorded
	// but unsubmitted commands still read must not corrupt those commands.
	WriteBuffer(buf Buffer, offset uint64, data []byte) error

	// CreatePipeline compiles a pipeline. It may block.
	CreatePipeline(desc PipelineDescriptor) (Pipeline, error)

	// BeginPass opens a render pass encoder.
	BeginPass(label string) (Pass, error)
}

// Pass records draw commands for one render pass.
type Pass interface {
	// SetPipeline binds a pipeline.
	SetPipeline(p Pipeline)

	// SetBindGroup binds a resource binding set at index.
	SetBindGroup(index uint32, group BindGroup)

	// BindBufferRange binds [offset, offset+size) of buf at index.
	// Used for the frame-scoped attribute and joint ranges.
	BindBufferRange(index uint32, buf Buffer, offset, size uint64)

	// SetVertexBuffer binds buf at slot starting at offset.
	SetVertexBuffer(slot uint32, buf Buffer, offset uint64)

	// SetIndexBuffer binds buf as the index buffer.
	SetIndexBuffer(buf Buffer, format gputypes.IndexFormat, offset uint64)

	// Draw records a non-indexed draw.
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)

	// DrawIndexed records an indexed draw.
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)

	// MultiDraw records several non-indexed draws as one command.
	// Only valid when Limits().MultiDraw is true.
	MultiDraw(draws []DrawArgs)

	// MultiDrawIndexed records several indexed draws as one command.
	// Only valid when Limits().MultiDraw is true.
	MultiDrawIndexed(draws []DrawIndexedArgs)

	// End finishes the pass and submits it.
	End() error
}
