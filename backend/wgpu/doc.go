// Package wgpu implements the drawbatch device contract on top of the
// gogpu/wgpu HAL.
//
// A Device wraps a hal.Device and hal.Queue, either passed in directly or
// taken from a gpucontext.DeviceProvider (for example a gogpu window):
//
//	dev, err := wgpu.NewFromProvider(app.GPUContextProvider(), wgpu.Options{})
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//	dev.SetTarget(wgpu.Target{View: view, Format: gputypes.TextureFormatBGRA8Unorm})
//
//	exec, err := drawbatch.New(dev, world)
//
// # Pipelines
//
// Shaders are WGSL supplied by a ShaderSource and compiled to SPIR-V with
// naga. Every pipeline shares one layout: group 0 is the material bind
// group, group 1 the attribute range and group 2 the joint range, matching
// the device.Bind* slots. Vertex buffers are read with position as a
// float32x3 at offset zero and the stride given by the descriptor.
//
// # Buffer writes
//
// WriteBuffer goes through the queue, which would overwrite data still read
// by unsubmitted draws. When a pass is open and has recorded draws that
// read the target buffer, the pass is ended and submitted first, then
// reopened with LoadOpLoad and its bindings replayed. The HAL has no
// multi-draw entry point, so Limits().MultiDraw is false and MultiDraw
// calls are expanded into single draws.
package wgpu
