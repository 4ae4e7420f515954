package drawbatch

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/drawbatch/geometry"
)

// Default buffer capacities.
const (
	DefaultAttributeCapacity = 64 << 10
	DefaultJointCapacity     = 64 << 10
	defaultAlignment         = 256
)

// Config holds executor settings. Device-dependent values are injected here
// rather than assumed.
type Config struct {
	// AttributeCapacity is the attribute buffer size in bytes.
	AttributeCapacity uint64

	// JointCapacity is the joint buffer size in bytes.
	JointCapacity uint64

	// Alignment overrides the bound-range offset alignment. Zero uses the
	// device's MinBufferOffsetAlignment.
	Alignment uint32

	// WarmupFrames is the number of initial frames per pass that are
	// skipped so that other pipelines can finish compiling.
	WarmupFrames int

	// Strict panics on invariant violations instead of logging them.
	// Use it in development builds.
	Strict bool

	// DisableMultiDraw forces the instanced fallback even when the device
	// supports multi-draw.
	DisableMultiDraw bool

	// MaxCompiles bounds concurrent background pipeline compiles.
	MaxCompiles int64

	// Geometry configures the executor-owned geometry pool. It is ignored
	// when a pool is supplied with WithPool.
	Geometry geometry.Config
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AttributeCapacity: DefaultAttributeCapacity,
		JointCapacity:     DefaultJointCapacity,
	}
}

func (c Config) withDefaults() Config {
	if c.AttributeCapacity == 0 {
		c.AttributeCapacity = DefaultAttributeCapacity
	}
	if c.JointCapacity == 0 {
		c.JointCapacity = DefaultJointCapacity
	}
	if c.WarmupFrames < 0 {
		c.WarmupFrames = 0
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Alignment != 0 && c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, c.Alignment)
	}
	if c.AttributeCapacity != 0 && c.AttributeCapacity < 256 {
		return fmt.Errorf("%w: attribute capacity %d below 256 bytes", ErrInvalidConfig, c.AttributeCapacity)
	}
	return nil
}

// Option configures an Executor during creation.
//
// Example:
//
//	exec, err := drawbatch.New(dev, src,
//	    drawbatch.WithWarmupFrames(1),
//	    drawbatch.WithStrict(true),
//	)
type Option func(*options)

type options struct {
	cfg    Config
	pool   *geometry.Pool
	logger *slog.Logger
}

func defaultOptions() options {
	return options{cfg: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.cfg = c
	}
}

// WithPool shares an existing geometry pool instead of creating one.
// The executor does not close a shared pool.
func WithPool(p *geometry.Pool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// WithLogger sets a logger for this executor only. Sub-packages keep using
// the logger installed by SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStrict enables strict invariant checking.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.cfg.Strict = strict
	}
}

// WithWarmupFrames sets how many initial frames per pass are skipped.
func WithWarmupFrames(n int) Option {
	return func(o *options) {
		o.cfg.WarmupFrames = n
	}
}

// WithCapacities sets the attribute and joint buffer capacities.
func WithCapacities(attributes, joints uint64) Option {
	return func(o *options) {
		o.cfg.AttributeCapacity = attributes
		o.cfg.JointCapacity = joints
	}
}
