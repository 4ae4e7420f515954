package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/drawbatch"
	"github.com/gogpu/drawbatch/device"
)

type rangeKey struct {
	index  uint32
	buf    *Buffer
	offset uint64
	size   uint64
}

type vertexBinding struct {
	buf    *Buffer
	offset uint64
}

type indexBinding struct {
	buf    *Buffer
	format gputypes.IndexFormat
	offset uint64
}

// Pass is a device.Pass recording into a HAL render pass. A pass may span
// several command buffers when writes force an early submit; bindings are
// replayed on each new segment.
type Pass struct {
	d      *Device
	label  string
	target Target

	encoder  hal.CommandEncoder
	rp       hal.RenderPassEncoder
	segments int

	// bound counts the live bindings per buffer; read holds the buffers
	// read by draws recorded in the current segment.
	bound map[*Buffer]uint32
	read  map[*Buffer]struct{}

	ranges map[rangeKey]hal.BindGroup

	pipeline *Pipeline
	groups   map[uint32]hal.BindGroup
	groupBuf map[uint32]*Buffer
	vertices map[uint32]vertexBinding
	indices  *indexBinding

	draws int
	err   error
	ended bool
}

var _ device.Pass = (*Pass)(nil)

func newPass(d *Device, label string, t Target) *Pass {
	return &Pass{
		d:        d,
		label:    label,
		target:   t,
		bound:    make(map[*Buffer]uint32),
		read:     make(map[*Buffer]struct{}),
		ranges:   make(map[rangeKey]hal.BindGroup),
		groups:   make(map[uint32]hal.BindGroup),
		groupBuf: make(map[uint32]*Buffer),
		vertices: make(map[uint32]vertexBinding),
	}
}

// begin opens a new command encoder and render pass segment.
func (p *Pass) begin(load gputypes.LoadOp) error {
	encoder, err := p.d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: p.label,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(p.label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	desc := &hal.RenderPassDescriptor{
		Label: p.label,
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       p.target.View,
			LoadOp:     load,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: p.target.Clear,
		}},
	}
	if p.target.Depth != nil {
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            p.target.Depth,
			DepthLoadOp:     load,
			DepthStoreOp:    gputypes.StoreOpStore,
			DepthClearValue: 1.0,
		}
	}

	p.encoder = encoder
	p.rp = encoder.BeginRenderPass(desc)
	p.segments++
	clear(p.read)
	p.replay()
	return nil
}

// replay rebinds the recorded state on a fresh render pass.
func (p *Pass) replay() {
	if p.pipeline != nil {
		p.rp.SetPipeline(p.pipeline.raw)
	}
	for index, g := range p.groups {
		p.rp.SetBindGroup(index, g, nil)
	}
	for slot, v := range p.vertices {
		p.rp.SetVertexBuffer(slot, v.buf.raw, v.offset)
	}
	if p.indices != nil {
		p.rp.SetIndexBuffer(p.indices.buf.raw, p.indices.format, p.indices.offset)
	}
}

// reading reports whether draws recorded in the open segment read b.
func (p *Pass) reading(b *Buffer) bool {
	_, ok := p.read[b]
	return ok
}

// split submits the recorded segment and opens a new one that keeps the
// attachment contents.
func (p *Pass) split() error {
	if p.ended || p.err != nil {
		return p.err
	}
	p.rp.End()
	err := p.d.submit(p.encoder)
	p.rp, p.encoder = nil, nil
	if err != nil {
		p.fail(err)
		return err
	}
	drawbatch.Logger().Debug("wgpu: pass split", "pass", p.label, "segment", p.segments)
	if err := p.begin(gputypes.LoadOpLoad); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *Pass) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *Pass) usable() bool { return !p.ended && p.err == nil }

// SetPipeline binds a pipeline created by this device.
func (p *Pass) SetPipeline(pl device.Pipeline) {
	if !p.usable() {
		return
	}
	x, ok := pl.(*Pipeline)
	if !ok || x == nil {
		p.fail(fmt.Errorf("%w: pipeline %T", ErrForeignResource, pl))
		return
	}
	p.pipeline = x
	p.rp.SetPipeline(x.raw)
}

// SetBindGroup binds a hal.BindGroup at index.
func (p *Pass) SetBindGroup(index uint32, group device.BindGroup) {
	if !p.usable() {
		return
	}
	g, ok := group.(hal.BindGroup)
	if !ok || g == nil {
		p.fail(fmt.Errorf("%w: bind group %T at %d", ErrForeignResource, group, index))
		return
	}
	p.unbind(index)
	p.groups[index] = g
	p.rp.SetBindGroup(index, g, nil)
}

// BindBufferRange binds a storage range at index through a bind group
// cached for the lifetime of the pass.
func (p *Pass) BindBufferRange(index uint32, buf device.Buffer, offset, size uint64) {
	if !p.usable() {
		return
	}
	b, err := asBuffer(buf)
	if err != nil {
		p.fail(err)
		return
	}
	var layout hal.BindGroupLayout
	switch index {
	case device.BindAttributes:
		layout = p.d.attribLayout
	case device.BindJoints:
		layout = p.d.jointLayout
	default:
		p.fail(fmt.Errorf("wgpu: no buffer range layout at index %d", index))
		return
	}

	key := rangeKey{index: index, buf: b, offset: offset, size: size}
	g, ok := p.ranges[key]
	if !ok {
		g, err = p.d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:  fmt.Sprintf("%s_range_%d", p.label, index),
			Layout: layout,
			Entries: []gputypes.BindGroupEntry{{
				Binding:  0,
				Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: offset, Size: size},
			}},
		})
		if err != nil {
			p.fail(fmt.Errorf("wgpu: bind %q range at %d: %w", b.label, index, err))
			return
		}
		p.ranges[key] = g
	}

	p.unbind(index)
	p.groups[index] = g
	p.groupBuf[index] = b
	p.bind(b)
	p.rp.SetBindGroup(index, g, nil)
}

// SetVertexBuffer binds buf at slot.
func (p *Pass) SetVertexBuffer(slot uint32, buf device.Buffer, offset uint64) {
	if !p.usable() {
		return
	}
	b, err := asBuffer(buf)
	if err != nil {
		p.fail(err)
		return
	}
	if old, ok := p.vertices[slot]; ok {
		p.release(old.buf)
	}
	p.vertices[slot] = vertexBinding{buf: b, offset: offset}
	p.bind(b)
	p.rp.SetVertexBuffer(slot, b.raw, offset)
}

// SetIndexBuffer binds buf as the index buffer.
func (p *Pass) SetIndexBuffer(buf device.Buffer, format gputypes.IndexFormat, offset uint64) {
	if !p.usable() {
		return
	}
	b, err := asBuffer(buf)
	if err != nil {
		p.fail(err)
		return
	}
	if p.indices != nil {
		p.release(p.indices.buf)
	}
	p.indices = &indexBinding{buf: b, format: format, offset: offset}
	p.bind(b)
	p.rp.SetIndexBuffer(b.raw, format, offset)
}

func (p *Pass) bind(b *Buffer) { p.bound[b]++ }

func (p *Pass) release(b *Buffer) {
	if n := p.bound[b]; n > 1 {
		p.bound[b] = n - 1
	} else {
		delete(p.bound, b)
	}
}

func (p *Pass) unbind(index uint32) {
	if b, ok := p.groupBuf[index]; ok {
		p.release(b)
		delete(p.groupBuf, index)
	}
}

// touch records that a draw reads every currently bound buffer.
func (p *Pass) touch() {
	for b := range p.bound {
		p.read[b] = struct{}{}
	}
	p.draws++
}

// Draw records a non-indexed draw.
func (p *Pass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if !p.usable() {
		return
	}
	p.touch()
	p.rp.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

// DrawIndexed records an indexed draw.
func (p *Pass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if !p.usable() {
		return
	}
	p.touch()
	p.rp.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

// MultiDraw records draws one at a time.
func (p *Pass) MultiDraw(draws []device.DrawArgs) {
	for _, a := range draws {
		p.Draw(a.VertexCount, a.InstanceCount, a.FirstVertex, a.FirstInstance)
	}
}

// MultiDrawIndexed records indexed draws one at a time.
func (p *Pass) MultiDrawIndexed(draws []device.DrawIndexedArgs) {
	for _, a := range draws {
		p.DrawIndexed(a.IndexCount, a.InstanceCount, a.FirstIndex, a.BaseVertex, a.FirstInstance)
	}
}

// Draws returns the number of draws recorded.
func (p *Pass) Draws() int { return p.draws }

// Segments returns the number of command buffers the pass was split into.
func (p *Pass) Segments() int { return p.segments }

// End finishes the pass, submits it and waits for completion. It returns
// the first error recorded by the pass.
func (p *Pass) End() error {
	if p.ended {
		return p.err
	}
	p.ended = true
	defer p.d.endPass(p)

	if p.rp != nil {
		p.rp.End()
		if p.err == nil {
			p.fail(p.d.submit(p.encoder))
		} else {
			p.encoder.DiscardEncoding()
		}
	}
	for key, g := range p.ranges {
		p.d.device.DestroyBindGroup(g)
		delete(p.ranges, key)
	}
	if p.err != nil {
		drawbatch.Logger().Warn("wgpu: pass failed", "pass", p.label, "err", p.err)
	}
	return p.err
}
