package drawbatch

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/internal/align"
	"github.com/gogpu/drawbatch/internal/attrib"
	"github.com/gogpu/drawbatch/internal/drawlist"
	"github.com/gogpu/drawbatch/internal/joints"
	"github.com/gogpu/drawbatch/internal/pipeline"
)

// pendingDraw is a run of consecutive items sharing one render state whose
// attribute records start at offset and are stride bytes apart.
type pendingDraw struct {
	items  []*drawlist.Item
	offset uint64
	stride uint64
}

// DrawCount returns the number of draws in the run.
func (p *pendingDraw) DrawCount() int { return len(p.items) }

func (p *pendingDraw) size() uint64 {
	last := uint64(p.items[0].State.Footprint())
	return p.stride*uint64(len(p.items)-1) + last
}

// encoder records one pass and skips redundant state changes.
type encoder struct {
	e     *Executor
	pass  device.Pass
	multi bool
	stats *Stats

	state       *pipeline.State
	binding     uint64
	hasBinding  bool
	epoch       uint64
	hasVertices bool
	hasIndices  bool
	indexFormat gputypes.IndexFormat

	jointBatch int // uploaded batch index
	jointSize  uint64
	jointBound int // batch index bound to BindJoints
	skipJoints bool

	pending []pendingDraw
	err     error
}

// submit streams attributes and joints for drawn and records their draws.
func (e *Executor) submit(l *passList, drawn []*drawlist.Item, st *Stats) (Result, error) {
	pass, err := e.dev.BeginPass(l.label)
	if err != nil {
		e.logger().Error("drawbatch: begin pass", "executor", e.id, "pass", l.label, "err", err)
		return Skipped, fmt.Errorf("drawbatch: begin pass %q: %w", l.label, err)
	}

	enc := &encoder{
		e:          e,
		pass:       pass,
		multi:      e.dev.Limits().MultiDraw && !e.cfg.DisableMultiDraw,
		stats:      st,
		jointBatch: -1,
		jointBound: -1,
	}
	e.enc = enc
	defer func() { e.enc = nil }()
	e.writer.Reset(0, 0)

	groups := l.batcher.Batches()
	gi := 0
	for _, it := range drawn {
		if it.Skinned() && it.JointBatch.Index != enc.jointBatch {
			for gi < len(groups) && groups[gi].Index < it.JointBatch.Index {
				gi++
			}
			if gi == len(groups) || groups[gi].Index != it.JointBatch.Index {
				e.invariant("joint batch not assigned", "executor", e.id, "item", it.ID, "batch", it.JointBatch.Index)
				continue
			}
			// Staged records of the previous batch must reach the device
			// before its joints are overwritten.
			if enc.jointBatch >= 0 {
				if err := e.writer.Flush(); err != nil {
					enc.fail(err)
					break
				}
			}
			if err := e.uploadJoints(enc, l, groups[gi]); err != nil {
				enc.fail(err)
				break
			}
		}
		if it.Skinned() && enc.skipJoints {
			continue
		}
		if it.State.IsFallback() {
			st.FallbackItems++
		}

		flags := it.State.Key().Flags
		rec := attrib.Record{
			Size:          it.State.Footprint(),
			Transform:     it.Transform,
			PrevTransform: it.PrevTransform,
			HasPrev:       flags.Has(pipeline.FlagMotionVectors),
			MaterialIndex: uint32(it.MaterialID),
		}
		if it.Skinned() {
			rec.JointBase = uint32(it.JointBatch.Offset / joints.MatrixBytes)
		}

		flushes := e.writer.Flushes()
		off, err := e.writer.Write(rec)
		if err != nil {
			if enc.err != nil {
				break
			}
			// Only oversized records fail without a device error.
			e.logger().Warn("drawbatch: attribute write", "executor", e.id, "item", it.ID, "err", err)
			continue
		}
		enc.add(it, off, e.writer.Flushes() != flushes)
	}
	if enc.err == nil {
		if err := e.writer.Finish(); err != nil {
			enc.fail(err)
		}
	}
	st.Flushes = e.writer.Flushes()

	if err := pass.End(); err != nil && enc.err == nil {
		enc.fail(err)
	}
	if enc.err != nil {
		e.logger().Error("drawbatch: pass failed", "executor", e.id, "pass", l.label, "err", enc.err)
		return Skipped, enc.err
	}
	if st.FallbackItems > 0 {
		return UsingFallback, nil
	}
	return OK, nil
}

func (enc *encoder) fail(err error) {
	if enc.err == nil {
		enc.err = err
	}
}

// uploadJoints writes one joint batch into the joint buffer. Every draw
// reading the previous batch has been recorded by the preceding flush.
func (e *Executor) uploadJoints(enc *encoder, l *passList, g joints.Group) error {
	enc.jointBatch = g.Index
	enc.jointBound = -1
	enc.jointSize = g.Size
	enc.skipJoints = false

	if l.batcher.Oversized(g) {
		e.invariant("joint batch exceeds capacity",
			"executor", e.id, "pass", l.label, "batch", g.Index, "size", g.Size, "capacity", l.batcher.Capacity())
		enc.skipJoints = true
		return nil
	}

	if uint64(cap(e.scratch)) < g.Size {
		e.scratch = make([]byte, g.Size)
	}
	buf := e.scratch[:g.Size]
	clear(buf)
	for _, b := range g.Entries {
		copy(buf[b.Offset:b.End()], b.Source.JointData())
	}
	if err := e.dev.WriteBuffer(e.jointBuf, 0, buf); err != nil {
		return fmt.Errorf("drawbatch: upload joint batch %d: %w", g.Index, err)
	}
	enc.stats.JointBatches++
	return nil
}

// flushAttributes uploads the staged attribute records, then records every
// pending draw that reads them.
func (e *Executor) flushAttributes(staged []byte) error {
	if err := e.dev.WriteBuffer(e.attribBuf, 0, staged); err != nil {
		err = fmt.Errorf("drawbatch: upload attributes: %w", err)
		if e.enc != nil {
			e.enc.fail(err)
		}
		return err
	}
	if e.enc != nil {
		e.enc.emitPending()
	}
	return nil
}

// add appends it to the open run when it continues it, or opens a new run.
func (enc *encoder) add(it *drawlist.Item, off uint64, flushed bool) {
	stride := align.Up(uint64(it.State.Footprint()), enc.e.alignment)
	if n := len(enc.pending); n > 0 && !flushed {
		p := &enc.pending[n-1]
		first := p.items[0]
		if first.StateID == it.StateID &&
			first.JointBatch.Index == it.JointBatch.Index &&
			p.offset+p.stride*uint64(len(p.items)) == off {
			p.items = append(p.items, it)
			return
		}
	}
	enc.pending = append(enc.pending, pendingDraw{
		items:  []*drawlist.Item{it},
		offset: off,
		stride: stride,
	})
}

func (enc *encoder) emitPending() {
	for i := range enc.pending {
		enc.emit(&enc.pending[i])
	}
	clear(enc.pending)
	enc.pending = enc.pending[:0]
}

// emit records one run: state changes only where they differ from what is
// bound, then a single draw, a multi-draw or one instanced draw per item.
func (enc *encoder) emit(p *pendingDraw) {
	e := enc.e
	first := p.items[0]
	st := first.State

	if st != enc.state {
		pl := st.Pipeline()
		if pl == nil {
			e.invariant("nil pipeline at submission", "executor", e.id, "item", first.ID, "pipeline", st.Key().Label())
			return
		}
		enc.pass.SetPipeline(pl)
		enc.state = st
		enc.stats.PipelineSwitches++
	}

	if !enc.hasBinding || enc.binding != first.BindingID {
		group := first.Material.Binding()
		if group == nil {
			e.invariant("nil material binding at submission", "executor", e.id, "item", first.ID, "material", first.MaterialID)
			return
		}
		enc.pass.SetBindGroup(device.BindMaterial, group)
		enc.binding, enc.hasBinding = first.BindingID, true
	}

	if !enc.hasVertices || enc.epoch != first.Epoch {
		enc.pass.SetVertexBuffer(0, first.Vertices.Buffer, 0)
		enc.epoch, enc.hasVertices, enc.hasIndices = first.Epoch, true, false
	}
	if first.Indexed && (!enc.hasIndices || enc.indexFormat != first.IndexFormat) {
		enc.pass.SetIndexBuffer(first.Indices.Buffer, first.IndexFormat, 0)
		enc.indexFormat, enc.hasIndices = first.IndexFormat, true
	}

	enc.pass.BindBufferRange(device.BindAttributes, e.attribBuf, p.offset, p.size())
	if first.Skinned() && enc.jointBound != first.JointBatch.Index {
		enc.pass.BindBufferRange(device.BindJoints, e.jointBuf, 0, enc.jointSize)
		enc.jointBound = first.JointBatch.Index
	}

	enc.stats.PendingDraws++
	n := p.DrawCount()
	switch {
	case n == 1:
		enc.drawOne(first, 0)
	case enc.multi:
		enc.multiDraw(p)
	default:
		for i, it := range p.items {
			enc.drawOne(it, uint32(i))
		}
	}
}

func (enc *encoder) drawOne(it *drawlist.Item, instance uint32) {
	if it.Indexed {
		enc.pass.DrawIndexed(it.NumIndices, 1, it.FirstIndex, it.BaseVertex, instance)
	} else {
		enc.pass.Draw(it.NumVertices, 1, uint32(it.BaseVertex), instance)
	}
	enc.stats.DrawCalls++
}

func (enc *encoder) multiDraw(p *pendingDraw) {
	if p.items[0].Indexed {
		args := make([]device.DrawIndexedArgs, len(p.items))
		for i, it := range p.items {
			args[i] = device.DrawIndexedArgs{
				IndexCount:    it.NumIndices,
				InstanceCount: 1,
				FirstIndex:    it.FirstIndex,
				BaseVertex:    it.BaseVertex,
				FirstInstance: uint32(i),
			}
		}
		enc.pass.MultiDrawIndexed(args)
	} else {
		args := make([]device.DrawArgs, len(p.items))
		for i, it := range p.items {
			args[i] = device.DrawArgs{
				VertexCount:   it.NumVertices,
				InstanceCount: 1,
				FirstVertex:   uint32(it.BaseVertex),
				FirstInstance: uint32(i),
			}
		}
		enc.pass.MultiDraw(args)
	}
	enc.stats.MultiDraws++
}
