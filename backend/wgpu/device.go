package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/drawbatch"
	"github.com/gogpu/drawbatch/device"
)

var (
	// ErrNoTarget is returned by BeginPass before SetTarget was called.
	ErrNoTarget = errors.New("wgpu: no render target set")

	// ErrForeignResource is returned for a buffer, pipeline or bind group
	// that was not created through this package.
	ErrForeignResource = errors.New("wgpu: resource not created by this device")

	// ErrNotHALProvider is returned when a provider does not expose HAL
	// device and queue handles.
	ErrNotHALProvider = errors.New("wgpu: provider does not expose HAL types")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wgpu: device closed")
)

const (
	// DefaultAlignment is the storage buffer offset alignment used when
	// Options.Limits leaves it zero.
	DefaultAlignment = 256

	// DefaultMaxBufferSize is the buffer size limit used when Options.Limits
	// leaves it zero.
	DefaultMaxBufferSize = 256 << 20

	submitTimeout = 5 * time.Second
)

// Options configures a Device. The zero value is usable.
type Options struct {
	// Limits overrides the reported limits. Zero fields take the defaults.
	// MultiDraw is always reported false.
	Limits device.Limits

	// Shaders supplies WGSL per pipeline. Nil uses DefaultShaders.
	Shaders ShaderSource

	// ColorFormat is the color target format pipelines are built for.
	// Zero means BGRA8Unorm.
	ColorFormat gputypes.TextureFormat

	// DepthFormat enables depth testing when not Undefined.
	DepthFormat gputypes.TextureFormat

	// MaterialLayout is the layout of material bind groups. Nil creates an
	// empty layout owned by the device.
	MaterialLayout hal.BindGroupLayout
}

// Target is the attachment set a pass renders into.
type Target struct {
	View  hal.TextureView
	Depth hal.TextureView
	Clear gputypes.Color
}

// Buffer is a device.Buffer backed by a hal.Buffer.
type Buffer struct {
	raw   hal.Buffer
	size  uint64
	label string
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Pipeline is a device.Pipeline backed by a hal.RenderPipeline.
type Pipeline struct {
	raw  hal.RenderPipeline
	desc device.PipelineDescriptor
}

// Raw returns the HAL pipeline.
func (p *Pipeline) Raw() hal.RenderPipeline { return p.raw }

// Label returns the pipeline label.
func (p *Pipeline) Label() string { return p.desc.Label }

// Device implements device.Device on a HAL device and queue.
type Device struct {
	device  hal.Device
	queue   hal.Queue
	limits  device.Limits
	shaders ShaderSource
	color   gputypes.TextureFormat
	depth   gputypes.TextureFormat

	materialLayout hal.BindGroupLayout
	ownsMaterial   bool
	attribLayout   hal.BindGroupLayout
	jointLayout    hal.BindGroupLayout
	pipeLayout     hal.PipelineLayout

	compileMu sync.Mutex
	modules   map[string]hal.ShaderModule
	pipelines []*Pipeline

	mu     sync.Mutex
	target Target
	pass   *Pass
	closed bool
}

var _ device.Device = (*Device)(nil)

// New creates a Device on dev and queue. The caller keeps ownership of
// both; Close releases only what the Device created.
func New(dev hal.Device, queue hal.Queue, opts Options) (*Device, error) {
	if dev == nil || queue == nil {
		return nil, fmt.Errorf("wgpu: nil HAL device or queue")
	}

	limits := opts.Limits
	if limits.MinBufferOffsetAlignment == 0 {
		limits.MinBufferOffsetAlignment = DefaultAlignment
	}
	if limits.MaxBufferSize == 0 {
		limits.MaxBufferSize = DefaultMaxBufferSize
	}
	limits.MultiDraw = false

	d := &Device{
		device:         dev,
		queue:          queue,
		limits:         limits,
		shaders:        opts.Shaders,
		color:          opts.ColorFormat,
		depth:          opts.DepthFormat,
		materialLayout: opts.MaterialLayout,
		modules:        make(map[string]hal.ShaderModule),
	}
	if d.shaders == nil {
		d.shaders = DefaultShaders(limits.MinBufferOffsetAlignment)
	}
	if d.color == gputypes.TextureFormatUndefined {
		d.color = gputypes.TextureFormatBGRA8Unorm
	}
	if err := d.createLayouts(); err != nil {
		d.destroyLayouts()
		return nil, err
	}
	drawbatch.Logger().Info("wgpu: device ready",
		"alignment", limits.MinBufferOffsetAlignment, "maxBuffer", limits.MaxBufferSize)
	return d, nil
}

// NewFromProvider creates a Device on the HAL handles of provider, for
// example a gogpu window. The provider must also implement HalDevice() any
// and HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, opts Options) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHALProvider
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHALProvider)
	}
	if opts.ColorFormat == gputypes.TextureFormatUndefined {
		opts.ColorFormat = provider.SurfaceFormat()
	}
	return New(dev, queue, opts)
}

func (d *Device) createLayouts() error {
	var err error
	if d.materialLayout == nil {
		d.materialLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label: "drawbatch_material_layout",
		})
		if err != nil {
			return fmt.Errorf("wgpu: create material layout: %w", err)
		}
		d.ownsMaterial = true
	}

	d.attribLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "drawbatch_attribute_layout",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create attribute layout: %w", err)
	}

	d.jointLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "drawbatch_joint_layout",
		Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageVertex,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create joint layout: %w", err)
	}

	d.pipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "drawbatch_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{d.materialLayout, d.attribLayout, d.jointLayout},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}
	return nil
}

func (d *Device) destroyLayouts() {
	if d.pipeLayout != nil {
		d.device.DestroyPipelineLayout(d.pipeLayout)
		d.pipeLayout = nil
	}
	if d.jointLayout != nil {
		d.device.DestroyBindGroupLayout(d.jointLayout)
		d.jointLayout = nil
	}
	if d.attribLayout != nil {
		d.device.DestroyBindGroupLayout(d.attribLayout)
		d.attribLayout = nil
	}
	if d.ownsMaterial && d.materialLayout != nil {
		d.device.DestroyBindGroupLayout(d.materialLayout)
		d.materialLayout = nil
	}
}

// MaterialLayout returns the layout material bind groups must be created
// with.
func (d *Device) MaterialLayout() hal.BindGroupLayout { return d.materialLayout }

// CreateMaterialBinding creates a material bind group from entries using
// MaterialLayout. The caller destroys it with HAL().DestroyBindGroup.
func (d *Device) CreateMaterialBinding(label string, entries []gputypes.BindGroupEntry) (hal.BindGroup, error) {
	g, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  d.materialLayout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create material binding %q: %w", label, err)
	}
	return g, nil
}

// HAL returns the wrapped HAL device.
func (d *Device) HAL() hal.Device { return d.device }

// SetTarget sets the attachments of subsequent passes.
func (d *Device) SetTarget(t Target) {
	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
}

// Limits returns the device limits.
func (d *Device) Limits() device.Limits { return d.limits }

// CreateBuffer creates a HAL buffer.
func (d *Device) CreateBuffer(desc device.BufferDescriptor) (device.Buffer, error) {
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("wgpu: buffer %q: size %d exceeds limit %d", desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{raw: raw, size: desc.Size, label: desc.Label}, nil
}

// DestroyBuffer releases buf. A pass still reading buf is submitted first.
func (d *Device) DestroyBuffer(buf device.Buffer) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil || b.raw == nil {
		return
	}
	if p := d.openPass(); p != nil && p.reading(b) {
		if err := p.split(); err != nil {
			drawbatch.Logger().Warn("wgpu: submit before destroy", "buffer", b.label, "err", err)
		}
	}
	d.device.DestroyBuffer(b.raw)
	b.raw = nil
}

// WriteBuffer uploads data at offset. If the open pass has recorded draws
// reading buf, those are submitted before the write.
func (d *Device) WriteBuffer(buf device.Buffer, offset uint64, data []byte) error {
	b, err := asBuffer(buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: %q [%d, %d) of %d", device.ErrWriteOutOfRange, b.label, offset, offset+uint64(len(data)), b.size)
	}
	if p := d.openPass(); p != nil && p.reading(b) {
		if err := p.split(); err != nil {
			return fmt.Errorf("wgpu: submit before write to %q: %w", b.label, err)
		}
	}
	d.queue.WriteBuffer(b.raw, offset, data)
	return nil
}

func asBuffer(buf device.Buffer) (*Buffer, error) {
	if buf == nil {
		return nil, device.ErrNilBuffer
	}
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %q", ErrForeignResource, buf.Label())
	}
	if b == nil || b.raw == nil {
		return nil, device.ErrNilBuffer
	}
	return b, nil
}

func (d *Device) openPass() *Pass {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pass
}

// BeginPass opens a render pass on the current target.
func (d *Device) BeginPass(label string) (device.Pass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.pass != nil {
		return nil, device.ErrPassOpen
	}
	if d.target.View == nil {
		return nil, ErrNoTarget
	}
	p := newPass(d, label, d.target)
	if err := p.begin(gputypes.LoadOpClear); err != nil {
		return nil, err
	}
	d.pass = p
	return p, nil
}

func (d *Device) endPass(p *Pass) {
	d.mu.Lock()
	if d.pass == p {
		d.pass = nil
	}
	d.mu.Unlock()
}

// submit ends encoding and waits for the GPU to finish the work.
func (d *Device) submit(encoder hal.CommandEncoder) error {
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, submitTimeout)
	if err != nil || !ok {
		return fmt.Errorf("wgpu: wait for GPU: ok=%v err=%w", ok, err)
	}
	return nil
}

// Close destroys the pipelines, shader modules and layouts the device
// created. Buffers are released by their owner.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.compileMu.Lock()
	defer d.compileMu.Unlock()
	for _, p := range d.pipelines {
		d.device.DestroyRenderPipeline(p.raw)
	}
	d.pipelines = nil
	for src, m := range d.modules {
		d.device.DestroyShaderModule(m)
		delete(d.modules, src)
	}
	d.destroyLayouts()
}
