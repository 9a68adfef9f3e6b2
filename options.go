// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package colorloop

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultMaxColors          = 1 << 16
	defaultTaskPoolSize       = 300
	defaultStealFraction      = 0.5
	defaultSameColorThreshold = 1
	defaultPollInterval       = 16
	defaultMovingSpins        = 64
	defaultMovingBackoff      = 50 * time.Microsecond
	maxMovingBackoff          = 5 * time.Millisecond
)

// options holds configuration for Runtime creation.
type options struct {
	logger             *logiface.Logger[logiface.Event]
	aging              AgingPolicy
	hooks              Hooks
	cpus               []int
	stealFraction      float64
	stealCostThreshold uint64
	movingBackoff      time.Duration
	workers            int
	maxColors          int
	taskPoolSize       int
	stealThreshold     int
	sameColorThreshold int
	pollInterval       int
	movingSpins        int
	stealing           bool
	fdFinishedDefault  bool
}

// Option configures a Runtime instance.
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// AgingPolicy returns the priority increment applied to every color that a
// rotated color is moved behind, given how many tasks of the rotated color
// were executed in a row.
type AgingPolicy func(executed int) int32

// ProportionalAging ages skipped colors by the number of tasks the rotated
// color executed. This is the default.
func ProportionalAging(executed int) int32 {
	return int32(executed)
}

// FlatAging ages skipped colors by a constant step.
func FlatAging(step int32) AgingPolicy {
	return func(int) int32 { return step }
}

// Hooks are optional instrumentation callbacks. They are invoked on the
// worker's own thread, and must not block.
type Hooks struct {
	OnWorkerStart func(worker int)
	OnWorkerStop  func(worker int)
	OnTaskPanic   func(worker int, value any)
}

// WithWorkers sets the number of workers. Defaults to runtime.NumCPU().
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: worker count %d", ErrInvalidOption, n)
		}
		opts.workers = n
		return nil
	}}
}

// WithStealing enables work stealing between workers.
func WithStealing(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.stealing = enabled
		return nil
	}}
}

// WithStealFraction sets the fraction of a victim's stealable colors taken in
// one steal. At least one color is always taken. Defaults to 0.5.
func WithStealFraction(f float64) Option {
	return &optionImpl{func(opts *options) error {
		if !(f > 0 && f <= 1) {
			return fmt.Errorf("%w: steal fraction %v", ErrInvalidOption, f)
		}
		opts.stealFraction = f
		return nil
	}}
}

// WithStealThreshold sets the task count at or below which a worker attempts
// to steal. Defaults to 0.
func WithStealThreshold(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf("%w: steal threshold %d", ErrInvalidOption, n)
		}
		opts.stealThreshold = n
		return nil
	}}
}

// WithStealCostThreshold makes a color stealable only while the summed
// estimated cost of its pending tasks is at least cost. Zero (the default)
// makes every non-empty color stealable.
func WithStealCostThreshold(cost uint64) Option {
	return &optionImpl{func(opts *options) error {
		opts.stealCostThreshold = cost
		return nil
	}}
}

// WithSameColorThreshold sets how many consecutive tasks of one color may run
// before that color is rotated behind the others. Defaults to 1.
func WithSameColorThreshold(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: same color threshold %d", ErrInvalidOption, n)
		}
		opts.sameColorThreshold = n
		return nil
	}}
}

// WithAging sets the aging policy. Defaults to ProportionalAging.
func WithAging(policy AgingPolicy) Option {
	return &optionImpl{func(opts *options) error {
		if policy == nil {
			return fmt.Errorf("%w: nil aging policy", ErrInvalidOption)
		}
		opts.aging = policy
		return nil
	}}
}

// WithMaxColors sets the exclusive upper bound on colors. Defaults to 65536.
func WithMaxColors(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: max colors %d", ErrInvalidOption, n)
		}
		opts.maxColors = n
		return nil
	}}
}

// WithTaskPoolSize bounds each worker's free task pool. Defaults to 300.
func WithTaskPoolSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf("%w: task pool size %d", ErrInvalidOption, n)
		}
		opts.taskPoolSize = n
		return nil
	}}
}

// WithPollInterval sets how many tasks a busy worker executes between
// non-blocking checks of its reactor and timers. Defaults to 16.
func WithPollInterval(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: poll interval %d", ErrInvalidOption, n)
		}
		opts.pollInterval = n
		return nil
	}}
}

// WithCPUPinning pins worker i to cpus[i%len(cpus)]. Pinning failures are
// logged, not returned.
func WithCPUPinning(cpus []int) Option {
	return &optionImpl{func(opts *options) error {
		for _, cpu := range cpus {
			if cpu < 0 {
				return fmt.Errorf("%w: cpu %d", ErrInvalidOption, cpu)
			}
		}
		opts.cpus = append([]int(nil), cpus...)
		return nil
	}}
}

// WithLogger sets the logger. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithFDFinishedDefault sets the value assumed for a dispatched fd callback
// that returns without calling [Runtime.MarkFDDispatchFinished]. Defaults to
// true.
func WithFDFinishedDefault(finished bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.fdFinishedDefault = finished
		return nil
	}}
}

// WithMovingRetry bounds the retry loop used while a color is being moved
// between workers: spins yields, followed by sleeps doubling from backoff.
func WithMovingRetry(spins int, backoff time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if spins < 0 || backoff <= 0 {
			return fmt.Errorf("%w: moving retry %d/%v", ErrInvalidOption, spins, backoff)
		}
		opts.movingSpins = spins
		opts.movingBackoff = backoff
		return nil
	}}
}

// WithHooks sets instrumentation hooks.
func WithHooks(hooks Hooks) Option {
	return &optionImpl{func(opts *options) error {
		opts.hooks = hooks
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		aging:              ProportionalAging,
		workers:            runtime.NumCPU(),
		maxColors:          defaultMaxColors,
		taskPoolSize:       defaultTaskPoolSize,
		stealFraction:      defaultStealFraction,
		sameColorThreshold: defaultSameColorThreshold,
		pollInterval:       defaultPollInterval,
		movingSpins:        defaultMovingSpins,
		movingBackoff:      defaultMovingBackoff,
		fdFinishedDefault:  true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
