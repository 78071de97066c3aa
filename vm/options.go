package vm

import (
	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/config"
)

// WithStepLimit bounds the number of instructions one evaluation may
// execute, counting instructions run inside compiled fragments.
func WithStepLimit(n int64) Option {
	return func(c *Capability) {
		c.stepLimit = n
	}
}

// WithStackSize sets the thread stack size in words.
func WithStackSize(words int) Option {
	return func(c *Capability) {
		c.stackWords = words
	}
}

// WithHotThreshold overrides the number of arrivals that make a branch
// target hot.
func WithHotThreshold(n uint16) Option {
	return func(c *Capability) {
		c.hotThreshold = n
	}
}

// WithSingleStep selects the single-step dispatch mode: the hook observes
// the machine position before every instruction and the trace subsystem
// stays off, so each instruction is interpreted. Intended for debuggers
// and tests; a nil hook still forces plain stepping.
func WithSingleStep(hook StepFunc) Option {
	return func(c *Capability) {
		c.stepHook = hook
		c.state = stateSingleStep
	}
}

// WithJitDisabled turns off hot counting, recording, and fragment entry;
// every instruction is interpreted.
func WithJitDisabled() Option {
	return func(c *Capability) {
		c.jitDisabled = true
	}
}

// WithLogger sets the logger for engine diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Capability) {
		c.log = log
	}
}

// WithDebugFlags enables diagnostic categories.
func WithDebugFlags(flags config.DebugFlags) Option {
	return func(c *Capability) {
		c.flags = flags
	}
}
