// Package config holds the build-time constants and runtime configuration
// of the virtual machine. None of these settings alter core semantics;
// they size the heap and stack, tune the trace compiler, and control
// diagnostic verbosity.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// HotThreshold is the default number of times control must reach a
	// branch target before recording triggers there.
	HotThreshold = 7

	// MaxHeapEntries bounds the number of allocations a single recorded
	// trace may perform; longer traces are aborted.
	MaxHeapEntries = 300

	// MaxTraceLength bounds the number of recorded instructions per trace.
	MaxTraceLength = 512

	// DefaultStackWords is the default interpreter stack size, in words.
	DefaultStackWords = 4096

	// DefaultStepLimit is the default interpreter step budget.
	DefaultStepLimit = 100_000_000
)

// DebugFlags is a bitmask of independent diagnostic categories.
type DebugFlags uint32

const (
	DebugMemoryManager DebugFlags = 1 << iota
	DebugLoader
	DebugInterpreter
	DebugTraceRecorder
	DebugAssembler
	DebugTraceEnterExit
	DebugFalseLoopFilter
)

var debugNames = map[string]DebugFlags{
	"mm":         DebugMemoryManager,
	"loader":     DebugLoader,
	"interp":     DebugInterpreter,
	"recorder":   DebugTraceRecorder,
	"asm":        DebugAssembler,
	"enterexit":  DebugTraceEnterExit,
	"falseloops": DebugFalseLoopFilter,
}

// Has reports whether all of the given categories are enabled.
func (f DebugFlags) Has(cat DebugFlags) bool { return f&cat == cat }

// String renders the enabled categories as a comma-separated list.
func (f DebugFlags) String() string {
	var names []string
	for name, bit := range debugNames {
		if f&bit != 0 {
			names = append(names, name)
		}
	}
	// Stable order for logs and tests.
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ParseDebugFlags parses a comma-separated category list ("mm,interp").
// The name "all" enables every category.
func ParseDebugFlags(s string) (DebugFlags, error) {
	var flags DebugFlags
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "all" {
			return 0xffffffff, nil
		}
		bit, ok := debugNames[name]
		if !ok {
			return 0, fmt.Errorf("config: unknown debug category %q", name)
		}
		flags |= bit
	}
	return flags, nil
}

// Config is the runtime configuration, loadable from a TOML file.
type Config struct {
	HeapWords    int      `toml:"heap_words"`
	StackWords   int      `toml:"stack_words"`
	HotThreshold int      `toml:"hot_threshold"`
	StepLimit    int64    `toml:"step_limit"`
	JitDisabled  bool     `toml:"jit_disabled"`
	Debug        []string `toml:"debug"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		HeapWords:    64 * 1024,
		StackWords:   DefaultStackWords,
		HotThreshold: HotThreshold,
		StepLimit:    DefaultStepLimit,
	}
}

// Load reads a TOML configuration file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DebugFlags converts the configured category names to a bitmask.
func (c *Config) DebugFlags() (DebugFlags, error) {
	return ParseDebugFlags(strings.Join(c.Debug, ","))
}
