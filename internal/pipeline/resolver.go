package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/gputypes"
	"golang.org/x/sync/semaphore"
)

// Resolver errors.
var (
	// ErrReservationExceeded means an item's derived attribute footprint is
	// larger than its material's reserved range. It indicates a flag
	// derivation bug, not transient scene state.
	ErrReservationExceeded = errors.New("pipeline: attribute footprint exceeds material reservation")

	// ErrNilMaterial is returned for items without a material.
	ErrNilMaterial = errors.New("pipeline: item has no material")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: resolver closed")
)

// DefaultMaxCompiles bounds concurrent background compilations.
const DefaultMaxCompiles = 4

// State is a cached pipeline state.
type State struct {
	id        uint64
	key       Key
	footprint uint32
	fallback  bool

	pipeline device.Pipeline
	err      error
	ready    atomic.Bool
	failed   atomic.Bool
	done     chan struct{}
}

func newState(key Key, fallback bool) *State {
	return &State{
		id:        key.Hash(),
		key:       key,
		footprint: Footprint(key.Flags),
		fallback:  fallback,
		done:      make(chan struct{}),
	}
}

// ID is the render-state identity of the pipeline.
func (s *State) ID() uint64 { return s.id }

// Key returns the cache key.
func (s *State) Key() Key { return s.key }

// Footprint returns the attribute bytes per item.
func (s *State) Footprint() uint32 { return s.footprint }

// IsFallback reports whether s is a loading pipeline.
func (s *State) IsFallback() bool { return s.fallback }

// Ready reports whether the pipeline compiled successfully.
func (s *State) Ready() bool { return s.ready.Load() }

// Failed reports whether compilation failed.
func (s *State) Failed() bool { return s.failed.Load() }

// Err returns the compile error of a failed state.
func (s *State) Err() error {
	if !s.failed.Load() {
		return nil
	}
	return s.err
}

// Pipeline returns the compiled pipeline, or nil until Ready.
func (s *State) Pipeline() device.Pipeline {
	if !s.ready.Load() {
		return nil
	}
	return s.pipeline
}

// Done is closed when compilation finishes either way.
func (s *State) Done() <-chan struct{} { return s.done }

func (s *State) finish(p device.Pipeline, err error) {
	if err != nil {
		s.err = err
		s.failed.Store(true)
	} else {
		s.pipeline = p
		s.ready.Store(true)
	}
	close(s.done)
}

// Options configures a Resolver.
type Options struct {
	// Strict panics on reservation violations instead of logging them.
	Strict bool

	// MaxCompiles bounds concurrent background compilations.
	// Zero selects DefaultMaxCompiles.
	MaxCompiles int64
}

// Resolver resolves items to cached pipeline states.
//
// Resolve is called from the submission thread; background compiles run on
// their own goroutines bounded by a weighted semaphore.
type Resolver struct {
	dev    device.Device
	strict bool

	mu     sync.RWMutex
	states map[Key]*State

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hits      atomic.Uint64
	misses    atomic.Uint64
	compiling atomic.Int64
	failed    atomic.Uint64
	fallbacks atomic.Uint64
}

// NewResolver creates a resolver compiling on dev.
func NewResolver(dev device.Device, opts Options) *Resolver {
	n := opts.MaxCompiles
	if n <= 0 {
		n = DefaultMaxCompiles
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		dev:    dev,
		strict: opts.Strict,
		states: make(map[Key]*State),
		sem:    semaphore.NewWeighted(n),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetStrict switches strict mode.
func (r *Resolver) SetStrict(strict bool) {
	r.mu.Lock()
	r.strict = strict
	r.mu.Unlock()
}

// Resolve returns the state to draw in with and the ideal flags for in.
//
// When the ideal pipeline is not ready, because it is still compiling in the
// background or failed to compile, the fallback for the same topology class
// is returned instead. A nil state means the item cannot be drawn.
func (r *Resolver) Resolve(cfg PassConfig, in Input) (*State, Flags, error) {
	if in.Material == nil {
		return nil, 0, fmt.Errorf("%w: item %d", ErrNilMaterial, in.Item)
	}
	if r.ctx.Err() != nil {
		return nil, 0, ErrClosed
	}

	flags := DeriveFlags(cfg, in)
	key := MakeKey(cfg, in, flags)

	if fp, reserved := Footprint(flags), in.Material.ReservedAttributeBytes(); fp > reserved {
		err := fmt.Errorf("%w: item %d material %d pipeline %s needs %d bytes, reserved %d",
			ErrReservationExceeded, in.Item, in.Material.ID(), key.Label(), fp, reserved)
		r.mu.RLock()
		strict := r.strict
		r.mu.RUnlock()
		if strict {
			panic(err)
		}
		slogger().Error("pipeline: reservation violated",
			"item", in.Item, "material", in.Material.ID(), "pipeline", key.Label(),
			"footprint", fp, "reserved", reserved, "flags", flags)
		return nil, flags, err
	}

	st := r.getOrCreate(key, false, cfg.AsyncCompile)
	if st.Ready() {
		return st, flags, nil
	}

	fb := r.getOrCreate(fallbackKey(key), true, false)
	if !fb.Ready() {
		return nil, flags, fmt.Errorf("pipeline: fallback %s for item %d: %w", fb.key.Label(), in.Item, fb.Err())
	}
	r.fallbacks.Add(1)
	return fb, flags, nil
}

// getOrCreate returns the cached state for key, creating and compiling it
// on a miss.
func (r *Resolver) getOrCreate(key Key, fallback, async bool) *State {
	// Fast path: read lock
	r.mu.RLock()
	if st, ok := r.states[key]; ok {
		r.mu.RUnlock()
		r.hits.Add(1)
		return st
	}
	r.mu.RUnlock()

	// Slow path: write lock with double-check
	r.mu.Lock()
	if st, ok := r.states[key]; ok {
		r.mu.Unlock()
		r.hits.Add(1)
		return st
	}
	st := newState(key, fallback)
	r.states[key] = st
	r.mu.Unlock()
	r.misses.Add(1)

	if async {
		r.wg.Add(1)
		r.compiling.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.compiling.Add(-1)
			if err := r.sem.Acquire(r.ctx, 1); err != nil {
				st.finish(nil, err)
				return
			}
			defer r.sem.Release(1)
			r.compile(st)
		}()
		return st
	}

	r.compile(st)
	return st
}

func (r *Resolver) compile(st *State) {
	k := st.key
	desc := device.PipelineDescriptor{
		Label:        k.Label(),
		Key:          k,
		Flags:        uint64(k.Flags),
		Topology:     k.Topology,
		CullMode:     k.Cull,
		Blend:        k.Alpha == scene.AlphaBlend || k.Flags&FlagTransparent != 0,
		VertexStride: k.Stride,
		Fallback:     st.fallback,
	}
	if st.fallback {
		desc.CullMode = gputypes.CullModeNone
	}

	slogger().Debug("pipeline: compiling", "pipeline", desc.Label, "flags", k.Flags, "fallback", st.fallback)
	p, err := r.dev.CreatePipeline(desc)
	if err == nil && p == nil {
		err = errors.New("device returned nil pipeline")
	}
	if err != nil {
		r.failed.Add(1)
		slogger().Warn("pipeline: compile failed", "pipeline", desc.Label, "flags", k.Flags, "err", err)
		st.finish(nil, fmt.Errorf("pipeline: compile %s: %w", desc.Label, err))
		return
	}
	st.finish(p, nil)
}

// Reset forgets failed states so they are compiled again on next use.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, st := range r.states {
		if st.Failed() {
			delete(r.states, k)
		}
	}
}

// Wait blocks until every background compile has finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// Close cancels queued background compiles and waits for running ones.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}

// Stats contains resolver counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Compiling int64
	Failed    uint64
	Fallbacks uint64
	States    int
}

// Stats returns current counters.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	n := len(r.states)
	r.mu.RUnlock()
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Compiling: r.compiling.Load(),
		Failed:    r.failed.Load(),
		Fallbacks: r.fallbacks.Load(),
		States:    n,
	}
}
