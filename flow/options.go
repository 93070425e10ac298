package flow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/expr"
)

// ValidationMode selects what happens when document contents fail their
// declared schema.
type ValidationMode string

const (
	// ValidationStrict fails the transition that produced the document.
	ValidationStrict ValidationMode = "strict"

	// ValidationSafe stores the document with meta.validationError set.
	ValidationSafe ValidationMode = "safe"
)

// DefaultMaxIterations bounds the transitions one workflow may fire in a
// single run.
const DefaultMaxIterations = 100

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	MaxIterations  int
	ToolTimeout    time.Duration
	ValidationMode ValidationMode
}

// Option is a functional option for configuring an Engine.
//
//	engine, err := flow.New(registry, tools, st,
//	    flow.WithMaxIterations(50),
//	    flow.WithToolTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts       Options
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	logger     *slog.Logger
	evaluator  *expr.Evaluator
	validators []Validator
	clock      func() time.Time
}

// WithMaxIterations sets the loop guard. A workflow that would fire more
// transitions in one run fails with ErrLoopExceeded.
func WithMaxIterations(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return errors.New("max iterations must be positive")
		}
		cfg.opts.MaxIterations = n
		return nil
	}
}

// WithToolTimeout bounds every tool call. Zero means no timeout.
func WithToolTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return errors.New("tool timeout cannot be negative")
		}
		cfg.opts.ToolTimeout = d
		return nil
	}
}

// WithValidationMode selects strict or safe document validation.
func WithValidationMode(mode ValidationMode) Option {
	return func(cfg *engineConfig) error {
		switch mode {
		case ValidationStrict, ValidationSafe:
			cfg.opts.ValidationMode = mode
			return nil
		}
		return errors.New("validation mode must be strict or safe")
	}
}

// WithEmitter sets the event emitter. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger used when the call context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithEvaluator replaces the expression evaluator.
func WithEvaluator(ev *expr.Evaluator) Option {
	return func(cfg *engineConfig) error {
		cfg.evaluator = ev
		return nil
	}
}

// WithValidators replaces the validity checks run before each workflow.
// Default: FirstRunValidator, OptionValidator, DependencyValidator.
func WithValidators(v ...Validator) Option {
	return func(cfg *engineConfig) error {
		cfg.validators = v
		return nil
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		cfg.clock = now
		return nil
	}
}
