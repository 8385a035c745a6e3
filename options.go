package fiberloop

import (
	"github.com/joeycumines/logiface"
)

// options holds configuration shared by [NewScheduler] and [NewIOManager].
type options struct {
	threads   int
	useCaller bool
	name      string
	logger    *logiface.Logger[logiface.Event]
}

// Option configures a [Scheduler] or [IOManager].
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithThreads sets the total worker count, including the caller when
// [WithUseCaller] is enabled. Must be at least one. Defaults to one.
func WithThreads(n int) Option {
	return optionFunc(func(o *options) { o.threads = n })
}

// WithUseCaller controls whether the constructing goroutine participates as
// one of the workers, draining tasks during Stop. Defaults to true.
func WithUseCaller(enabled bool) Option {
	return optionFunc(func(o *options) { o.useCaller = enabled })
}

// WithName sets the scheduler name, surfaced in log fields.
func WithName(name string) Option {
	return optionFunc(func(o *options) { o.name = name })
}

// WithLogger attaches a structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

func resolveOptions(opts []Option, defaultName string) *options {
	cfg := &options{
		threads:   1,
		useCaller: true,
		name:      defaultName,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(cfg)
	}
	return cfg
}

// fiberOptions holds configuration for [NewFiber].
type fiberOptions struct {
	stackSize      int
	runInScheduler bool
	logger         *logiface.Logger[logiface.Event]
}

// FiberOption configures a [Fiber].
type FiberOption interface {
	applyFiber(*fiberOptions)
}

type fiberOptionFunc func(*fiberOptions)

func (f fiberOptionFunc) applyFiber(o *fiberOptions) { f(o) }

// WithStackSize sets the fiber's advisory stack size. Defaults to
// [DefaultStackSize].
func WithStackSize(n int) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) {
		if n > 0 {
			o.stackSize = n
		}
	})
}

// WithRunInScheduler controls which fiber the worker's current-fiber slot is
// restored to when this fiber yields: the scheduler fiber (true, the
// default) or the main fiber (false).
func WithRunInScheduler(enabled bool) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.runInScheduler = enabled })
}

// WithFiberLogger attaches a structured logger used to report panics in the
// fiber body. Fibers created internally by a [Scheduler] inherit the
// scheduler's logger.
func WithFiberLogger(logger *logiface.Logger[logiface.Event]) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.logger = logger })
}

func resolveFiberOptions(opts []FiberOption) *fiberOptions {
	cfg := &fiberOptions{
		stackSize:      DefaultStackSize,
		runInScheduler: true,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.applyFiber(cfg)
	}
	return cfg
}
