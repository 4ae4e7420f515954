// Command drawbench drives the draw-batch executor over a synthetic scene
// and prints per-frame statistics.
//
// Usage:
//
//	drawbench -static 5000 -skinned 200 -frames 120
//	drawbench -config drawbatch.toml -watch -backend noop -v
//
// The record backend captures commands in memory; the noop backend runs the
// real HAL device on gogpu/wgpu's noop driver.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/drawbatch"
	"github.com/gogpu/drawbatch/backend/wgpu"
	"github.com/gogpu/drawbatch/config"
	"github.com/gogpu/drawbatch/device"
	"github.com/gogpu/drawbatch/device/devicetest"
	"github.com/gogpu/drawbatch/dirty"
	"github.com/gogpu/drawbatch/scene"
	"github.com/gogpu/drawbatch/scene/scenetest"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "TOML configuration file")
		watch     = flag.Bool("watch", false, "reload -config on change")
		backend   = flag.String("backend", "record", "device backend: record or noop")
		frames    = flag.Int("frames", 60, "frames to execute")
		static    = flag.Int("static", 1000, "static drawables")
		skinned   = flag.Int("skinned", 50, "skinned drawables")
		joints    = flag.Int("joints", 32, "joints per skin")
		producers = flag.Int("producers", 4, "goroutines updating transforms each frame")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := newLogger(*verbose)
	drawbatch.SetLogger(slog.New(logger))

	if err := run(logger, options{
		cfgPath:   *cfgPath,
		watch:     *watch,
		backend:   *backend,
		frames:    *frames,
		static:    *static,
		skinned:   *skinned,
		joints:    *joints,
		producers: max(*producers, 1),
	}); err != nil {
		logger.Fatal("drawbench failed", "err", err)
	}
}

func newLogger(verbose bool) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "drawbench",
	})
	if verbose {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

type options struct {
	cfgPath   string
	watch     bool
	backend   string
	frames    int
	static    int
	skinned   int
	joints    int
	producers int
}

func run(logger *log.Logger, o options) error {
	cfg := drawbatch.DefaultConfig()
	var pass drawbatch.PassState
	if o.cfgPath != "" {
		f, err := config.Load(o.cfgPath)
		if err != nil {
			return err
		}
		cfg = f.Config()
		if pass, err = f.PassState(); err != nil {
			return err
		}
	}

	dev, material, closeDev, err := openDevice(o.backend)
	if err != nil {
		return err
	}
	defer closeDev()

	world := scenetest.New()
	exec, err := drawbatch.New(dev, world, drawbatch.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer exec.Close()

	if o.watch && o.cfgPath != "" {
		w, err := config.WatchExecutor(o.cfgPath, exec)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	drawables, err := populate(exec, world, material, o)
	if err != nil {
		return err
	}
	logger.Info("scene ready", "drawables", len(drawables), "backend", o.backend, "executor", exec.ID())

	outboxes := make([]*dirty.Outbox, o.producers)
	for i := range outboxes {
		outboxes[i] = exec.Outbox()
	}
	defer func() {
		for _, ob := range outboxes {
			ob.Close()
		}
	}()

	var total time.Duration
	var last drawbatch.Stats
	for frame := range o.frames {
		if err := animate(drawables, outboxes, frame); err != nil {
			return err
		}

		start := time.Now()
		res, err := exec.Execute(pass, scene.AllTags)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		total += time.Since(start)

		last, _ = exec.Stats(pass.Name())
		logger.Debug("frame", "n", frame, "result", res, "stats", last.String())
	}

	if o.frames > 0 {
		logger.Info("done",
			"frames", o.frames,
			"avg", total/time.Duration(o.frames),
			"draws", last.DrawCalls,
			"multiDraws", last.MultiDraws,
			"flushes", last.Flushes,
			"jointBatches", last.JointBatches,
			"pipelineSwitches", last.PipelineSwitches)
	}
	fmt.Println(last.String())
	return nil
}

// openDevice returns the device, a material binding valid on it and a
// release function.
func openDevice(backend string) (device.Device, device.BindGroup, func(), error) {
	switch backend {
	case "record":
		return devicetest.New(), "material", func() {}, nil
	case "noop":
		return openNoop()
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func openNoop() (device.Device, device.BindGroup, func(), error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create noop instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("noop instance has no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("open noop adapter: %w", err)
	}

	var (
		dev   *wgpu.Device
		tex   hal.Texture
		view  hal.TextureView
		group hal.BindGroup
	)
	release := func() {
		if group != nil {
			open.Device.DestroyBindGroup(group)
		}
		if view != nil {
			open.Device.DestroyTextureView(view)
		}
		if tex != nil {
			open.Device.DestroyTexture(tex)
		}
		if dev != nil {
			dev.Close()
		}
		open.Device.Destroy()
		instance.Destroy()
	}
	fail := func(err error) (device.Device, device.BindGroup, func(), error) {
		release()
		return nil, nil, nil, err
	}

	dev, err = wgpu.New(open.Device, open.Queue, wgpu.Options{})
	if err != nil {
		return fail(err)
	}
	tex, err = open.Device.CreateTexture(&hal.TextureDescriptor{
		Label:         "drawbench_target",
		Size:          hal.Extent3D{Width: 640, Height: 480, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatBGRA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fail(fmt.Errorf("create target: %w", err))
	}
	view, err = open.Device.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: "drawbench_target_view"})
	if err != nil {
		return fail(fmt.Errorf("create target view: %w", err))
	}
	dev.SetTarget(wgpu.Target{View: view})

	group, err = dev.CreateMaterialBinding("drawbench_material", nil)
	if err != nil {
		return fail(err)
	}
	return dev, group, release, nil
}

// populate uploads one shared cube mesh and adds the static and skinned
// drawables.
func populate(exec *drawbatch.Executor, world *scenetest.Scene, binding device.BindGroup, o options) ([]*scenetest.Drawable, error) {
	verts, indices := cube()
	pool := exec.Pool()
	vh, err := pool.AllocateVertices("cube", verts, cubeStride)
	if err != nil {
		return nil, err
	}
	ih, err := pool.AllocateIndices("cube-indices", indices, gputypes.IndexFormatUint16)
	if err != nil {
		return nil, err
	}
	geom := &scene.Geometry{
		Vertices:    vh,
		Stride:      cubeStride,
		Streams:     scene.StreamsOf(scene.Normal, scene.Joints),
		Triangles:   ih,
		IndexFormat: gputypes.IndexFormatUint16,
		VertexCount: 8,
	}

	mat := scenetest.NewMaterial(1).SetBinding(1, binding)
	out := make([]*scenetest.Drawable, 0, o.static+o.skinned)
	id := scene.ID(0)
	for range o.static {
		id++
		out = append(out, scenetest.NewDrawable(id, 1, mat, geom))
	}
	for i := range o.skinned {
		id++
		d := scenetest.NewDrawable(id, 1, mat, geom)
		// Every fourth character shares a pose.
		d.SetSkin(&scenetest.Skin{Hash: uint64(i / 4), Joints: o.joints})
		out = append(out, d)
	}
	world.Add(out...)
	return out, nil
}

// animate moves a slice of the drawables per producer, each reporting
// through its own outbox.
func animate(ds []*scenetest.Drawable, outboxes []*dirty.Outbox, frame int) error {
	var g errgroup.Group
	chunk := (len(ds) + len(outboxes) - 1) / len(outboxes)
	for i, ob := range outboxes {
		lo := min(i*chunk, len(ds))
		hi := min(lo+chunk, len(ds))
		g.Go(func() error {
			// Only every eighth drawable moves per frame.
			for j := lo + frame%8; j < hi; j += 8 {
				t := float32(frame) * 0.01
				ds[j].SetTransform(scene.Translate(float32(math.Sin(float64(t+float32(j)))), 0, 0))
				ob.Mark(ds[j].ID(), dirty.Transform)
			}
			return nil
		})
	}
	return g.Wait()
}

const cubeStride = 24 // position + normal

func cube() (verts, indices []byte) {
	for i := range 8 {
		x, y, z := float32(i&1)*2-1, float32(i>>1&1)*2-1, float32(i>>2&1)*2-1
		for _, v := range [6]float32{x, y, z, x, y, z} {
			verts = binary.LittleEndian.AppendUint32(verts, math.Float32bits(v))
		}
	}
	faces := [...]uint16{
		0, 2, 1, 1, 2, 3, // -z
		4, 5, 6, 5, 7, 6, // +z
		0, 1, 4, 1, 5, 4, // -y
		2, 6, 3, 3, 6, 7, // +y
		0, 4, 2, 2, 4, 6, // -x
		1, 3, 5, 3, 7, 5, // +x
	}
	for _, ix := range faces {
		indices = binary.LittleEndian.AppendUint16(indices, ix)
	}
	return verts, indices
}
