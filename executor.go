package drawbatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/dirty"
	"github.com/gogpu/drawbatch/geometry"
	"github.com/gogpu/drawbatch/internal/attrib"
	"github.com/gogpu/drawbatch/internal/drawlist"
	"github.com/gogpu/drawbatch/internal/joints"
	"github.com/gogpu/drawbatch/internal/pipeline"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/drawbatch/version"
)

// Executor errors.
var (
	// ErrNilDevice is returned by New for a nil device.
	ErrNilDevice = errors.New("drawbatch: device is nil")

	// ErrNilSource is returned by New for a nil scene source.
	ErrNilSource = errors.New("drawbatch: scene source is nil")

	// ErrClosed is returned when executing on a closed executor.
	ErrClosed = errors.New("drawbatch: executor closed")

	// ErrInvalidConfig is returned for an invalid Config.
	ErrInvalidConfig = errors.New("drawbatch: invalid config")
)

// passList is the per-pass state kept across frames.
type passList struct {
	label   string
	builder *drawlist.Builder
	batcher *joints.Batcher

	observer   version.Observer
	cfg        pipeline.PassConfig
	configured bool
	epoch      uint64

	frames int
	stats  Stats
}

// Executor turns a scene into ordered draw commands, one pass at a time.
//
// Execute, Reconfigure-application and Close run on the submission
// goroutine. Outbox, Reconfigure, Stats and Versions are safe for
// concurrent use.
type Executor struct {
	id  string
	dev device.Device
	src scene.Source
	log *slog.Logger

	cfg       Config
	alignment uint64
	next      atomic.Pointer[Config]

	inbox    *dirty.Inbox
	pool     *geometry.Pool
	ownsPool bool
	resolver *pipeline.Resolver

	attribBuf device.Buffer
	jointBuf  device.Buffer
	writer    *attrib.Writer
	scratch   []byte
	enc       *encoder

	mu     sync.Mutex
	lists  map[string]*passList
	closed bool
}

// New creates an executor drawing src on dev.
func New(dev device.Device, src scene.Source, opts ...Option) (*Executor, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if src == nil {
		return nil, ErrNilSource
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		id:    uuid.NewString(),
		dev:   dev,
		src:   src,
		log:   o.logger,
		inbox: dirty.NewInbox(),
		lists: make(map[string]*passList),
	}

	e.pool = o.pool
	if e.pool == nil {
		gcfg := cfg.Geometry
		if gcfg.Label == "" {
			gcfg.Label = "drawbatch-" + e.id[:8]
		}
		e.pool = geometry.NewPool(dev, gcfg)
		e.ownsPool = true
	}
	e.resolver = pipeline.NewResolver(dev, pipeline.Options{
		Strict:      cfg.Strict,
		MaxCompiles: cfg.MaxCompiles,
	})
	e.writer = attrib.NewWriter(cfg.AttributeCapacity, defaultAlignment, e.flushAttributes)

	if err := e.configure(cfg); err != nil {
		e.Close()
		return nil, err
	}
	e.logger().Info("drawbatch: executor created",
		"executor", e.id, "attributes", cfg.AttributeCapacity, "joints", cfg.JointCapacity,
		"alignment", e.alignment, "multidraw", dev.Limits().MultiDraw)
	return e, nil
}

func (e *Executor) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return Logger()
}

// ID returns the executor's unique id.
func (e *Executor) ID() string { return e.id }

// Outbox returns a new producer outbox. Each producer goroutine should use
// its own outbox and Close it when done.
func (e *Executor) Outbox() *dirty.Outbox { return e.inbox.NewOutbox() }

// Pool returns the geometry pool.
func (e *Executor) Pool() *geometry.Pool { return e.pool }

// Versions returns the scene's global attribute versions.
func (e *Executor) Versions() *version.Attributes { return e.src.Versions() }

// Config returns the active configuration.
func (e *Executor) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Reconfigure validates c and schedules it for the start of the next
// Execute. Buffers are recreated when their capacities change.
func (e *Executor) Reconfigure(c Config) error {
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	e.next.Store(&c)
	return nil
}

// Stats returns the telemetry of the last Execute of the labeled pass.
func (e *Executor) Stats(label string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lists[label]
	if !ok {
		return Stats{}, false
	}
	return l.stats, true
}

// Wait blocks until background pipeline compiles finish.
func (e *Executor) Wait() { e.resolver.Wait() }

// configure applies c, recreating device buffers when needed.
func (e *Executor) configure(c Config) error {
	alignment := uint64(c.Alignment)
	if alignment == 0 {
		alignment = uint64(e.dev.Limits().MinBufferOffsetAlignment)
	}
	if alignment == 0 {
		alignment = defaultAlignment
	}
	if limit := e.dev.Limits().MaxBufferSize; limit > 0 && (c.AttributeCapacity > limit || c.JointCapacity > limit) {
		return fmt.Errorf("%w: buffer capacity exceeds device limit %d", ErrInvalidConfig, limit)
	}

	attribBuf, err := e.newBuffer(e.attribBuf, "attributes", c.AttributeCapacity)
	if err != nil {
		return err
	}
	jointBuf, err := e.newBuffer(e.jointBuf, "joints", c.JointCapacity)
	if err != nil {
		if attribBuf != e.attribBuf {
			e.dev.DestroyBuffer(attribBuf)
		}
		return err
	}
	if e.attribBuf != nil && e.attribBuf != attribBuf {
		e.dev.DestroyBuffer(e.attribBuf)
	}
	if e.jointBuf != nil && e.jointBuf != jointBuf {
		e.dev.DestroyBuffer(e.jointBuf)
	}
	e.attribBuf, e.jointBuf = attribBuf, jointBuf

	e.writer.Reset(c.AttributeCapacity, alignment)
	e.resolver.SetStrict(c.Strict)

	e.mu.Lock()
	e.cfg = c
	e.alignment = alignment
	for _, l := range e.lists {
		l.batcher.Reset(c.JointCapacity, alignment)
	}
	e.mu.Unlock()
	e.ResetPipelines()
	return nil
}

// newBuffer returns old when it already has size bytes, otherwise a new
// buffer. The caller destroys old once the new buffer is installed.
func (e *Executor) newBuffer(old device.Buffer, name string, size uint64) (device.Buffer, error) {
	if old != nil && old.Size() == size {
		return old, nil
	}
	buf, err := e.dev.CreateBuffer(device.BufferDescriptor{
		Label: fmt.Sprintf("drawbatch-%s-%s", e.id[:8], name),
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("drawbatch: create %s buffer: %w", name, err)
	}
	e.logger().Info("drawbatch: buffer created", "executor", e.id, "buffer", name, "size", size)
	return buf, nil
}

// ResetPipelines forgets pipelines whose compile failed. The next Execute
// of every pass resolves all of its items again. Reconfigure does the same.
// It runs on the submission goroutine.
func (e *Executor) ResetPipelines() {
	e.resolver.Reset()
	e.mu.Lock()
	for _, l := range e.lists {
		l.configured = false
	}
	e.mu.Unlock()
}

// invariant reports a broken invariant: a panic in strict mode, an error
// log otherwise.
func (e *Executor) invariant(msg string, args ...any) {
	if e.cfg.Strict {
		panic(fmt.Sprintf("drawbatch: %s %v", msg, args))
	}
	e.logger().Error("drawbatch: "+msg, args...)
}

func (e *Executor) list(label string) *passList {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lists[label]
	if !ok {
		l = &passList{
			label:   label,
			builder: drawlist.NewBuilder(),
			batcher: joints.New(e.cfg.JointCapacity, e.alignment),
		}
		e.lists[label] = l
	}
	return l
}

// beginFrame applies a pending reconfiguration, commits geometry and
// merges producer notifications into every pass list.
func (e *Executor) beginFrame() {
	if c := e.next.Swap(nil); c != nil {
		if err := e.configure(*c); err != nil {
			e.logger().Warn("drawbatch: reconfigure failed", "executor", e.id, "err", err)
		}
	}

	if err := e.pool.Commit(); err != nil {
		e.logger().Warn("drawbatch: geometry commit", "executor", e.id, "err", err)
	}

	marks := e.inbox.Drain()
	if len(marks) == 0 {
		return
	}
	e.mu.Lock()
	for _, l := range e.lists {
		l.builder.Apply(marks)
	}
	e.mu.Unlock()
	e.inbox.Recycle(marks)
}

// Execute builds, batches and submits one pass of the items matching
// pass.Filter and tags.
//
// Per-item problems never fail the pass. A pass that cannot be recorded,
// because a material is not ready or the warm-up has not elapsed, yields
// Skipped with a nil error. Device failures yield Skipped with the error.
func (e *Executor) Execute(pass PassState, tags scene.Tags) (Result, error) {
	if e.closed {
		return Skipped, ErrClosed
	}
	e.beginFrame()

	l := e.list(pass.Name())
	st := Stats{}
	defer func() {
		e.mu.Lock()
		l.stats = st
		e.mu.Unlock()
	}()

	l.frames++
	if l.frames <= e.cfg.WarmupFrames {
		st.Result = Skipped
		return Skipped, nil
	}

	b := l.builder
	changes := l.observer.Observe(e.src.Versions().Snapshot())
	if b.NeedsRebuild(changes, pass.Filter, tags) {
		b.Rebuild(e.src, pass.Filter, tags)
		st.Rebuilt = true
	}
	switch {
	case changes.Has(version.Geometry) && changes.Has(version.Material):
		b.MarkAllDirty(dirty.Geometry | dirty.Material)
	case changes.Has(version.Geometry):
		b.MarkAllDirty(dirty.Geometry)
	case changes.Has(version.Material):
		b.MarkAllDirty(dirty.Material)
	}
	if changes.Has(version.CullTransform) {
		b.MarkAllDirty(dirty.Transform | dirty.Visibility)
	}

	changed := b.Refresh(e.pool)
	e.resolvePipelines(l, pass.pipelineConfig(), changed)

	if b.NeedsSort() {
		b.Sort(e.src)
		st.Sorted = true
	}

	valid := b.Valid()
	drawn := make([]*drawlist.Item, 0, len(valid))
	for _, it := range valid {
		if it.Visible {
			drawn = append(drawn, it)
		}
	}
	st.DrawItems, st.ValidItems, st.DrawnItems = b.Len(), len(valid), len(drawn)

	e.assignJoints(l, drawn)

	for _, it := range drawn {
		if !it.Material.Ready() {
			e.logger().Warn("drawbatch: material not ready, pass skipped",
				"executor", e.id, "pass", l.label, "item", it.ID, "material", it.MaterialID)
			st.Result = Skipped
			return Skipped, nil
		}
	}

	if len(drawn) == 0 {
		st.Result = OK
		return OK, nil
	}

	res, err := e.submit(l, drawn, &st)
	st.Result = res
	e.logger().Debug("drawbatch: pass executed", "executor", e.id, "pass", l.label, "stats", st)
	return res, err
}

// resolvePipelines resolves every item when the pass configuration changed,
// otherwise only the changed items and those still on a fallback.
func (e *Executor) resolvePipelines(l *passList, cfg pipeline.PassConfig, changed []*drawlist.Item) {
	b := l.builder
	targets := changed
	full := !l.configured || l.cfg != cfg
	if full {
		targets = b.Items()
	}
	l.cfg, l.configured = cfg, true

	resorted := false
	for _, it := range targets {
		if e.resolve(cfg, it) {
			resorted = true
		}
	}
	if !full {
		for _, it := range b.Items() {
			if it.State != nil && it.State.IsFallback() && e.resolve(cfg, it) {
				resorted = true
			}
		}
	}

	if epoch := e.pool.Epoch(); epoch != l.epoch {
		l.epoch = epoch
		for _, it := range b.Items() {
			it.UpdateStateID()
		}
		resorted = true
	}
	if resorted {
		b.MarkUnsorted()
	}
}

// resolve resolves one item's pipeline and reports whether its render-state
// identity changed.
func (e *Executor) resolve(cfg pipeline.PassConfig, it *drawlist.Item) bool {
	old := it.StateID
	it.State, it.Flags = nil, 0
	if it.Material != nil && it.Geometry != nil {
		skinned := it.Skin != nil && it.Skin.JointCount() > 0
		st, flags, err := e.resolver.Resolve(cfg, pipeline.Input{
			Item:     it.ID,
			Material: it.Material,
			Streams:  it.Geometry.Streams,
			Mode:     it.Mode,
			Skinned:  skinned,
			Stride:   it.Geometry.Stride,
		})
		if err != nil {
			e.logger().Debug("drawbatch: item unresolved", "executor", e.id, "item", it.ID, "err", err)
		}
		it.State, it.Flags = st, flags
	}
	it.UpdateStateID()
	return old != it.StateID
}

// assignJoints places the skinning data of drawn items into joint batches
// in submission order.
func (e *Executor) assignJoints(l *passList, drawn []*drawlist.Item) {
	l.batcher.Reset(0, 0)
	for _, it := range drawn {
		it.JointBatch = joints.Batch{Index: -1}
		if !it.State.Key().Flags.Has(pipeline.FlagSkinned) {
			continue
		}
		if batch, ok := l.batcher.Assign(it.Skin); ok {
			it.JointBatch = batch
		}
	}
}

// Close releases device buffers, stops background compiles and closes the
// geometry pool when the executor created it.
func (e *Executor) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.resolver != nil {
		e.resolver.Close()
	}
	for _, buf := range []device.Buffer{e.attribBuf, e.jointBuf} {
		if buf != nil {
			e.dev.DestroyBuffer(buf)
		}
	}
	e.attribBuf, e.jointBuf = nil, nil
	if e.ownsPool && e.pool != nil {
		e.pool.Close()
	}
	e.logger().Info("drawbatch: executor closed", "executor", e.id)
}
