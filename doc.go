// Package drawbatch schedules GPU draw submission for large, dynamic scenes.
//
// # Overview
//
// Each frame, an Executor turns the drawables of a scene into the minimal,
// correctly ordered sequence of draw commands for a render pass. It avoids
// redundant state changes, redundant uploads and stalls by tracking change
// per category and per item instead of re-walking the scene.
//
// # Quick Start
//
//	dev := devicetest.New() // or backend/wgpu.New(halDevice, halQueue)
//	exec, err := drawbatch.New(dev, myScene)
//	if err != nil {
//	    return err
//	}
//	defer exec.Close()
//
//	// Producers mark changes from any goroutine through their own outbox.
//	out := exec.Outbox()
//	out.Mark(id, dirty.Transform)
//
//	// Submission thread, per pass.
//	res, err := exec.Execute(drawbatch.PassState{Label: "main"}, tags)
//
// # Architecture
//
// The work is split into leaf components:
//   - geometry: deduplicated, budgeted vertex and index streaming pool
//   - internal/pipeline: pipeline flag derivation and cached, async compiles
//   - internal/drawlist: per-pass item list with rebuild, refresh and sort
//   - internal/joints: capacity-bounded joint batches
//   - internal/attrib: frame-scoped attribute writer with flush-before-reuse
//
// The Executor composes them in a strict per-frame sequence: merge dirty
// notifications, rebuild or refresh the list, resolve pipelines, then stream
// attributes and joints while emitting draws.
//
// # Devices
//
// The scheduler talks to the GPU through the small device.Device contract.
// backend/wgpu implements it on gogpu/wgpu's HAL; device/devicetest records
// commands for tests.
//
// # Logging
//
// drawbatch is silent by default. Call SetLogger to enable diagnostics.
package drawbatch
