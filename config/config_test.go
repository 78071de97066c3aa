package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDebugFlags(t *testing.T) {
	flags, err := ParseDebugFlags("mm,interp")
	require.NoError(t, err)
	require.True(t, flags.Has(DebugMemoryManager))
	require.True(t, flags.Has(DebugInterpreter))
	require.False(t, flags.Has(DebugTraceRecorder))

	flags, err = ParseDebugFlags("")
	require.NoError(t, err)
	require.Equal(t, DebugFlags(0), flags)

	flags, err = ParseDebugFlags("all")
	require.NoError(t, err)
	require.True(t, flags.Has(DebugAssembler))
	require.True(t, flags.Has(DebugFalseLoopFilter))

	_, err = ParseDebugFlags("nonsense")
	require.Error(t, err)
}

func TestDebugFlagsString(t *testing.T) {
	flags := DebugInterpreter | DebugMemoryManager
	require.Equal(t, "interp,mm", flags.String())
	flags |= DebugTraceEnterExit | DebugAssembler
	require.Equal(t, "asm,enterexit,interp,mm", flags.String())
	require.Equal(t, "", DebugFlags(0).String())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 64*1024, cfg.HeapWords)
	require.Equal(t, DefaultStackWords, cfg.StackWords)
	require.Equal(t, HotThreshold, cfg.HotThreshold)
	require.Equal(t, int64(DefaultStepLimit), cfg.StepLimit)
	require.False(t, cfg.JitDisabled)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lcvm.toml")
	data := `
heap_words = 1024
hot_threshold = 3
jit_disabled = true
debug = ["interp", "recorder"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.HeapWords)
	require.Equal(t, 3, cfg.HotThreshold)
	require.True(t, cfg.JitDisabled)
	// Unset fields keep their defaults.
	require.Equal(t, DefaultStackWords, cfg.StackWords)

	flags, err := cfg.DebugFlags()
	require.NoError(t, err)
	require.True(t, flags.Has(DebugInterpreter|DebugTraceRecorder))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
