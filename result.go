package drawbatch

import "fmt"

// Result is the outcome of one pass invocation.
type Result uint8

const (
	// OK means every submitted item drew with its ideal pipeline.
	OK Result = iota

	// UsingFallback means at least one item drew with a loading pipeline.
	UsingFallback

	// Skipped means nothing was submitted for this pass.
	Skipped
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case UsingFallback:
		return "UsingFallback"
	case Skipped:
		return "Skipped"
	default:
		return fmt.Sprintf("Result(%d)", r)
	}
}

// Stats contains per-pass telemetry of the last Execute.
type Stats struct {
	// DrawItems is the size of the pass's draw list.
	DrawItems int

	// ValidItems is the number of submittable items.
	ValidItems int

	// DrawnItems is the number of valid, visible items submitted.
	DrawnItems int

	// PendingDraws is the number of coalesced runs emitted.
	PendingDraws int

	// DrawCalls counts Draw and DrawIndexed commands.
	DrawCalls int

	// MultiDraws counts MultiDraw and MultiDrawIndexed commands.
	MultiDraws int

	// Flushes counts attribute buffer flushes.
	Flushes int

	// JointBatches counts joint batches uploaded.
	JointBatches int

	// PipelineSwitches counts SetPipeline commands.
	PipelineSwitches int

	// FallbackItems counts items drawn with a loading pipeline.
	FallbackItems int

	// Rebuilt and Sorted report whether the list was rebuilt or sorted.
	Rebuilt bool
	Sorted  bool

	Result Result
}

// String returns a compact summary.
func (s Stats) String() string {
	return fmt.Sprintf("Pass[%s items=%d valid=%d drawn=%d runs=%d draws=%d multi=%d flushes=%d joints=%d fallback=%d]",
		s.Result, s.DrawItems, s.ValidItems, s.DrawnItems, s.PendingDraws,
		s.DrawCalls, s.MultiDraws, s.Flushes, s.JointBatches, s.FallbackItems)
}
