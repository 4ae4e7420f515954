package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/drawbatch"
	"github.com/gogpu/drawbatch/device"
)

// ShaderSource supplies the WGSL module of a pipeline. The module must
// export vs_main and fs_main.
type ShaderSource interface {
	WGSL(desc device.PipelineDescriptor) (string, error)
}

// ShaderFunc adapts a function to ShaderSource.
type ShaderFunc func(desc device.PipelineDescriptor) (string, error)

// WGSL calls f.
func (f ShaderFunc) WGSL(desc device.PipelineDescriptor) (string, error) { return f(desc) }

// StaticShader serves the same WGSL for every pipeline.
type StaticShader string

// WGSL returns s.
func (s StaticShader) WGSL(device.PipelineDescriptor) (string, error) { return string(s), nil }

const defaultShader = `
@group(1) @binding(0) var<storage, read> attributes: array<vec4<f32>>;

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) shade: f32,
}

@vertex
fn vs_main(@location(0) position: vec3<f32>, @builtin(instance_index) instance: u32) -> VertexOutput {
    let base = instance * %du;
    let model = mat4x4<f32>(attributes[base], attributes[base + 1u], attributes[base + 2u], attributes[base + 3u]);
    var out: VertexOutput;
    out.position = model * vec4<f32>(position, 1.0);
    out.shade = %s;
    return out;
}

@fragment
fn fs_main(v: VertexOutput) -> @location(0) vec4<f32> {
    return vec4<f32>(v.shade, v.shade, v.shade, 1.0);
}
`

// DefaultShaders returns a ShaderSource that transforms positions by the
// model matrix at the start of each attribute record and shades flat.
// Fallback pipelines render in mid grey. Records are assumed to fit one
// alignment unit.
func DefaultShaders(alignment uint32) ShaderSource {
	if alignment < 16 {
		alignment = 16
	}
	stride := alignment / 16
	return ShaderFunc(func(desc device.PipelineDescriptor) (string, error) {
		shade := "1.0"
		if desc.Fallback {
			shade = "0.5"
		}
		return fmt.Sprintf(defaultShader, stride, shade), nil
	})
}

// compileWGSL compiles WGSL to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile shader: %w", err)
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	return words, nil
}

// module returns the shader module for src, compiling it on first use.
// The caller holds compileMu.
func (d *Device) module(label, src string) (hal.ShaderModule, error) {
	if m, ok := d.modules[src]; ok {
		return m, nil
	}
	words, err := compileWGSL(src)
	if err != nil {
		return nil, err
	}
	m, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %q: %w", label, err)
	}
	d.modules[src] = m
	return m, nil
}

// CreatePipeline compiles a render pipeline for desc. It is safe to call
// from a compile goroutine while a pass is recording.
func (d *Device) CreatePipeline(desc device.PipelineDescriptor) (device.Pipeline, error) {
	src, err := d.shaders.WGSL(desc)
	if err != nil {
		return nil, fmt.Errorf("wgpu: shader for %q: %w", desc.Label, err)
	}

	d.compileMu.Lock()
	defer d.compileMu.Unlock()
	if d.pipeLayout == nil {
		return nil, ErrClosed
	}

	mod, err := d.module(desc.Label, src)
	if err != nil {
		return nil, err
	}

	target := gputypes.ColorTargetState{
		Format:    d.color,
		WriteMask: gputypes.ColorWriteMaskAll,
	}
	if desc.Blend {
		blend := gputypes.BlendStatePremultiplied()
		target.Blend = &blend
	}

	rd := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: d.pipeLayout,
		Vertex: hal.VertexState{
			Module:     mod,
			EntryPoint: "vs_main",
			Buffers:    vertexLayout(desc.VertexStride),
		},
		Fragment: &hal.FragmentState{
			Module:     mod,
			EntryPoint: "fs_main",
			Targets:    []gputypes.ColorTargetState{target},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: desc.Topology,
			CullMode: desc.CullMode,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	}
	if d.depth != gputypes.TextureFormatUndefined {
		rd.DepthStencil = &hal.DepthStencilState{
			Format:            d.depth,
			DepthWriteEnabled: !desc.Blend,
			DepthCompare:      gputypes.CompareFunctionLess,
		}
	}

	raw, err := d.device.CreateRenderPipeline(rd)
	if err != nil {
		return nil, fmt.Errorf("wgpu: create pipeline %q: %w", desc.Label, err)
	}
	p := &Pipeline{raw: raw, desc: desc}
	d.pipelines = append(d.pipelines, p)
	drawbatch.Logger().Debug("wgpu: pipeline created", "pipeline", desc.Label, "fallback", desc.Fallback)
	return p, nil
}

func vertexLayout(stride uint32) []gputypes.VertexBufferLayout {
	if stride < 12 {
		stride = 12
	}
	return []gputypes.VertexBufferLayout{{
		ArrayStride: uint64(stride),
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0}, // position
		},
	}}
}
