package drawbatch

import (
	"github.com/gogpu/drawbatch/internal/pipeline"
	"github.com/gogpu/drawbatch/scene"
)

// PassKind selects the kind of render pass.
type PassKind = pipeline.PassKind

// Pass kinds.
const (
	PassOpaque      = pipeline.Opaque
	PassTransparent = pipeline.Transparent
	PassShadow      = pipeline.Shadow
	PassPick        = pipeline.Pick
)

// LoadingMode selects the loading animation of fallback pipelines.
type LoadingMode = pipeline.LoadingMode

// Loading modes.
const (
	LoadingNone  = pipeline.LoadingNone
	LoadingFade  = pipeline.LoadingFade
	LoadingPulse = pipeline.LoadingPulse
)

// PassState describes one pass invocation. Passes with distinct labels
// keep distinct draw lists.
type PassState struct {
	// Label names the pass and its draw list.
	Label string

	Kind PassKind

	// Filter selects drawables by selection state.
	Filter scene.Selection

	// DebugView selects a debug visualization; 0 is off.
	DebugView uint8

	Shadows       bool
	IBL           bool
	Bindless      bool
	MotionVectors bool

	// AsyncCompile compiles missing pipelines in the background and draws
	// with fallbacks meanwhile.
	AsyncCompile bool

	Loading LoadingMode
}

func (p PassState) pipelineConfig() pipeline.PassConfig {
	return pipeline.PassConfig{
		Pass:           p.Kind,
		DebugView:      p.DebugView,
		ShadowsEnabled: p.Shadows,
		IBLEnabled:     p.IBL,
		Bindless:       p.Bindless,
		MotionVectors:  p.MotionVectors,
		AsyncCompile:   p.AsyncCompile,
		Loading:        p.Loading,
	}
}

// Name returns Label, or the kind name when Label is empty. Passes with
// the same name share a draw list.
func (p PassState) Name() string {
	if p.Label == "" {
		return p.Kind.String()
	}
	return p.Label
}
