// Package devicetest provides a recording device.Device for tests.
//
// Every call is appended to a command log that tests inspect. Buffers keep
// their contents so uploads can be checked byte for byte. Pipeline creation
// can be held back or failed per descriptor to exercise asynchronous
// compilation and fallback paths.
package devicetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/gputypes"
)

// Op is the kind of a recorded command.
type Op uint8

const (
	OpCreateBuffer Op = iota
	OpDestroyBuffer
	OpWriteBuffer
	OpCreatePipeline
	OpBeginPass
	OpSetPipeline
	OpSetBindGroup
	OpBindBufferRange
	OpSetVertexBuffer
	OpSetIndexBuffer
	OpDraw
	OpDrawIndexed
	OpMultiDraw
	OpMultiDrawIndexed
	OpEnd
)

var opNames = [...]string{
	OpCreateBuffer:     "CreateBuffer",
	OpDestroyBuffer:    "DestroyBuffer",
	OpWriteBuffer:      "WriteBuffer",
	OpCreatePipeline:   "CreatePipeline",
	OpBeginPass:        "BeginPass",
	OpSetPipeline:      "SetPipeline",
	OpSetBindGroup:     "SetBindGroup",
	OpBindBufferRange:  "BindBufferRange",
	OpSetVertexBuffer:  "SetVertexBuffer",
	OpSetIndexBuffer:   "SetIndexBuffer",
	OpDraw:             "Draw",
	OpDrawIndexed:      "DrawIndexed",
	OpMultiDraw:        "MultiDraw",
	OpMultiDrawIndexed: "MultiDrawIndexed",
	OpEnd:              "End",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("devicetest: injected failure")

// Command is one recorded call.
type Command struct {
	Op       Op
	Label    string
	Buffer   *Buffer
	Pipeline *Pipeline
	Group    device.BindGroup
	Index    uint32
	Offset   uint64
	Size     uint64
	Format   gputypes.IndexFormat

	Draw         device.DrawArgs
	DrawIndexed  device.DrawIndexedArgs
	Draws        []device.DrawArgs
	DrawsIndexed []device.DrawIndexedArgs

	// Data is a copy of the bytes of a WriteBuffer.
	Data []byte
}

// Buffer is a recorded buffer with CPU-side contents.
type Buffer struct {
	label     string
	usage     gputypes.BufferUsage
	data      []byte
	destroyed bool
}

func (b *Buffer) Size() uint64    { return uint64(len(b.data)) }
func (b *Buffer) Label() string   { return b.label }
func (b *Buffer) Destroyed() bool { return b.destroyed }

// Usage returns the usage flags the buffer was created with.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// Bytes returns the current buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Pipeline is a recorded pipeline.
type Pipeline struct {
	Serial int
	Desc   device.PipelineDescriptor
}

// Device is a recording device. The zero value is not usable; call New.
type Device struct {
	mu       sync.Mutex
	limits   device.Limits
	commands []Command
	buffers  []*Buffer
	serial   int
	pass     *Pass

	hold     func(device.PipelineDescriptor) bool
	released chan struct{}

	// FailPipeline, when set, is consulted by CreatePipeline.
	FailPipeline func(device.PipelineDescriptor) error

	// FailBeginPass, when non-nil, is returned by BeginPass.
	FailBeginPass error

	// FailCreateBuffer, when non-nil, is returned by CreateBuffer.
	FailCreateBuffer error

	// FailBuffer, when set, is consulted by CreateBuffer.
	FailBuffer func(device.BufferDescriptor) error
}

// DefaultLimits are the limits used by New.
var DefaultLimits = device.Limits{
	MinBufferOffsetAlignment: 256,
	MaxBufferSize:            1 << 28,
	MultiDraw:                true,
}

// New creates a recording device with DefaultLimits.
func New() *Device {
	return NewWithLimits(DefaultLimits)
}

// NewWithLimits creates a recording device with the given limits.
func NewWithLimits(l device.Limits) *Device {
	return &Device{limits: l}
}

// SetLimits replaces the reported limits.
func (d *Device) SetLimits(l device.Limits) {
	d.mu.Lock()
	d.limits = l
	d.mu.Unlock()
}

// Limits implements device.Device.
func (d *Device) Limits() device.Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(desc device.BufferDescriptor) (device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreateBuffer != nil {
		return nil, d.FailCreateBuffer
	}
	if d.FailBuffer != nil {
		if err := d.FailBuffer(desc); err != nil {
			return nil, err
		}
	}
	if d.limits.MaxBufferSize > 0 && desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("devicetest: buffer %q size %d exceeds max %d", desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	b := &Buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	d.buffers = append(d.buffers, b)
	d.record(Command{Op: OpCreateBuffer, Label: desc.Label, Buffer: b, Size: desc.Size})
	return b, nil
}

// DestroyBuffer implements device.Device.
func (d *Device) DestroyBuffer(buf device.Buffer) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b.destroyed = true
	d.record(Command{Op: OpDestroyBuffer, Label: b.label, Buffer: b})
}

// WriteBuffer implements device.Device.
func (d *Device) WriteBuffer(buf device.Buffer, offset uint64, data []byte) error {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return device.ErrNilBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("devicetest: write to destroyed buffer %q", b.label)
	}
	end := offset + uint64(len(data))
	if end > uint64(len(b.data)) {
		return fmt.Errorf("%w: %q [%d, %d) size %d", device.ErrWriteOutOfRange, b.label, offset, end, len(b.data))
	}
	copy(b.data[offset:end], data)
	d.record(Command{
		Op:     OpWriteBuffer,
		Label:  b.label,
		Buffer: b,
		Offset: offset,
		Size:   uint64(len(data)),
		Data:   append([]byte(nil), data...),
	})
	return nil
}

// HoldPipelines blocks CreatePipeline for every descriptor match accepts
// until the returned release function is called.
func (d *Device) HoldPipelines(match func(device.PipelineDescriptor) bool) (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = match
	d.released = ch
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.released == ch {
				d.hold = nil
				d.released = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// CreatePipeline implements device.Device. It is safe for concurrent use.
func (d *Device) CreatePipeline(desc device.PipelineDescriptor) (device.Pipeline, error) {
	d.mu.Lock()
	hold, wait := d.hold, d.released
	d.mu.Unlock()

	if hold != nil && hold(desc) {
		<-wait
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailPipeline != nil {
		if err := d.FailPipeline(desc); err != nil {
			return nil, err
		}
	}
	d.serial++
	p := &Pipeline{Serial: d.serial, Desc: desc}
	d.record(Command{Op: OpCreatePipeline, Label: desc.Label, Pipeline: p})
	return p, nil
}

// BeginPass implements device.Device.
func (d *Device) BeginPass(label string) (device.Pass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailBeginPass != nil {
		return nil, d.FailBeginPass
	}
	if d.pass != nil {
		return nil, device.ErrPassOpen
	}
	d.pass = &Pass{dev: d, label: label}
	d.record(Command{Op: OpBeginPass, Label: label})
	return d.pass, nil
}

// Commands returns a copy of the command log.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// Count returns the number of recorded commands with op.
func (d *Device) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range d.commands {
		if d.commands[i].Op == op {
			n++
		}
	}
	return n
}

// Filter returns the recorded commands whose op is one of ops.
func (d *Device) Filter(ops ...Op) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Command
	for _, c := range d.commands {
		for _, op := range ops {
			if c.Op == op {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Ops returns the op sequence of the log, optionally restricted to ops.
func (d *Device) Ops(ops ...Op) []Op {
	var src []Command
	if len(ops) == 0 {
		src = d.Commands()
	} else {
		src = d.Filter(ops...)
	}
	out := make([]Op, len(src))
	for i := range src {
		out[i] = src[i].Op
	}
	return out
}

// Buffers returns every buffer created so far.
func (d *Device) Buffers() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Buffer(nil), d.buffers...)
}

// Live returns the buffers not yet destroyed.
func (d *Device) Live() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Buffer
	for _, b := range d.buffers {
		if !b.destroyed {
			out = append(out, b)
		}
	}
	return out
}

// ClearLog drops recorded commands. Buffers and pipelines are kept.
func (d *Device) ClearLog() {
	d.mu.Lock()
	d.commands = d.commands[:0]
	d.mu.Unlock()
}

// record appends c. Caller must hold d.mu.
func (d *Device) record(c Command) {
	d.commands = append(d.commands, c)
}

// Pass is a recorded render pass.
type Pass struct {
	dev   *Device
	label string
	ended bool
}

func (p *Pass) add(c Command) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.ended {
		panic("devicetest: command recorded after End: " + c.Op.String())
	}
	c.Label = p.label
	p.dev.record(c)
}

func (p *Pass) SetPipeline(pl device.Pipeline) {
	r, _ := pl.(*Pipeline)
	p.add(Command{Op: OpSetPipeline, Pipeline: r})
}

func (p *Pass) SetBindGroup(index uint32, group device.BindGroup) {
	p.add(Command{Op: OpSetBindGroup, Index: index, Group: group})
}

func (p *Pass) BindBufferRange(index uint32, buf device.Buffer, offset, size uint64) {
	b, _ := buf.(*Buffer)
	p.add(Command{Op: OpBindBufferRange, Index: index, Buffer: b, Offset: offset, Size: size})
}

func (p *Pass) SetVertexBuffer(slot uint32, buf device.Buffer, offset uint64) {
	b, _ := buf.(*Buffer)
	p.add(Command{Op: OpSetVertexBuffer, Index: slot, Buffer: b, Offset: offset})
}

func (p *Pass) SetIndexBuffer(buf device.Buffer, format gputypes.IndexFormat, offset uint64) {
	b, _ := buf.(*Buffer)
	p.add(Command{Op: OpSetIndexBuffer, Buffer: b, Format: format, Offset: offset})
}

func (p *Pass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	p.add(Command{Op: OpDraw, Draw: device.DrawArgs{
		VertexCount:   vertexCount,
		InstanceCount: instanceCount,
		FirstVertex:   firstVertex,
		FirstInstance: firstInstance,
	}})
}

func (p *Pass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	p.add(Command{Op: OpDrawIndexed, DrawIndexed: device.DrawIndexedArgs{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		FirstIndex:    firstIndex,
		BaseVertex:    baseVertex,
		FirstInstance: firstInstance,
	}})
}

func (p *Pass) MultiDraw(draws []device.DrawArgs) {
	p.add(Command{Op: OpMultiDraw, Draws: append([]device.DrawArgs(nil), draws...)})
}

func (p *Pass) MultiDrawIndexed(draws []device.DrawIndexedArgs) {
	p.add(Command{Op: OpMultiDrawIndexed, DrawsIndexed: append([]device.DrawIndexedArgs(nil), draws...)})
}

// End implements device.Pass.
func (p *Pass) End() error {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.ended {
		return errors.New("devicetest: pass ended twice")
	}
	p.ended = true
	p.dev.pass = nil
	p.dev.record(Command{Op: OpEnd, Label: p.label})
	return nil
}
