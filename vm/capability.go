// Package vm implements the execution engine: a register-based bytecode
// interpreter coupled to the trace subsystem. A Capability owns one
// interpreter thread, its heap bump window, the hot counters, and the
// compiled fragments installed so far; it switches between interpretation
// and fragment execution at function-entry synchronization points.
package vm

import (
	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/jit"
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
)

// ExitCode tells why an evaluation stopped.
type ExitCode uint8

const (
	ExitOk ExitCode = iota
	ExitOutOfSteps
	ExitStackOverflow
	ExitUnimplemented
	ExitLoop // a value depends on itself
	ExitDivideByZero
	ExitOutOfMemory
)

func (e ExitCode) String() string {
	switch e {
	case ExitOk:
		return "ok"
	case ExitOutOfSteps:
		return "out of steps"
	case ExitStackOverflow:
		return "stack overflow"
	case ExitUnimplemented:
		return "unimplemented"
	case ExitLoop:
		return "infinite loop"
	case ExitDivideByZero:
		return "divide by zero"
	case ExitOutOfMemory:
		return "out of memory"
	default:
		return "unknown"
	}
}

// engineState selects the active dispatch mode. Transitions into recording
// are requested asynchronously (by a hot counter) and latched only at the
// next function-entry instruction, so the recorder always starts at a frame
// boundary with a consistent machine state. Single-step dispatch is chosen
// at construction and never latched away: it observes every instruction and
// keeps the trace subsystem off.
type engineState uint8

const (
	stateInterp engineState = iota
	stateRecord
	stateSingleStep
)

// StepFunc observes the machine position before each instruction when the
// capability runs in single-step dispatch.
type StepFunc func(infoID uint16, pc, base int)

// Capability is one virtual-machine execution context. It is not safe for
// concurrent use; each capability runs exactly one thread.
type Capability struct {
	prog   *object.Program
	heap   *mm.Heap
	thread *Thread

	state          engineState
	requestedState engineState
	pendingAnchor  object.Word
	counters       *jit.HotCounters
	recorder       *jit.Recorder
	fragments      map[object.Word]*jit.Fragment

	// Heap bounds observed at the most recent fragment exit, reconciled
	// into the interpreter's borrowed bump window.
	traceExitHp    int
	traceExitHpLim int

	stepHook StepFunc

	exitCode     ExitCode
	stepLimit    int64
	stackWords   int
	hotThreshold uint16
	jitDisabled  bool
	log          zerolog.Logger
	flags        config.DebugFlags

	// tmp stages call arguments while frames are being rearranged. During a
	// partial-application allocation it doubles as a root buffer: the callee
	// reference is stored behind the staged arguments so a collection
	// triggered by the allocation forwards all of them.
	tmp      [object.MaxFrameSlots + 1]object.Word
	tmpCount int
	scanBase int
	scanLive uint64
}

// Option is a configuration function for a Capability.
type Option func(*Capability)

// NewCapability creates an execution context for the given program and heap.
func NewCapability(prog *object.Program, heap *mm.Heap, options ...Option) *Capability {
	c := &Capability{
		prog:         prog,
		heap:         heap,
		fragments:    make(map[object.Word]*jit.Fragment),
		stepLimit:    config.DefaultStepLimit,
		stackWords:   config.DefaultStackWords,
		hotThreshold: config.HotThreshold,
		log:          zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.thread = newThread(c.stackWords)
	c.counters = jit.NewHotCounters(c.hotThreshold)
	return c
}

// ExitCode returns the exit code of the most recent evaluation.
func (c *Capability) ExitCode() ExitCode { return c.exitCode }

// Result returns the word produced by the most recent evaluation.
func (c *Capability) Result() object.Word { return c.thread.lastResult }

// FragmentCount returns the number of compiled fragments installed.
func (c *Capability) FragmentCount() int { return len(c.fragments) }

// TraceExitBounds returns the heap pointer and limit observed at the most
// recent fragment exit.
func (c *Capability) TraceExitBounds() (hp, hpLim int) {
	return c.traceExitHp, c.traceExitHpLim
}

// ScanRoots enumerates every live reference on the thread stack for the
// collector. The top frame's live set is the pointer bitmap of the
// allocation instruction that triggered the scan; each caller frame's live
// set is decoded from the bitmap word preceding its saved pc, which the
// loader guarantees is present at every call and evaluation site. Frame
// node references and any staged temporaries are roots as well. The result
// register is not scanned: every call site consumes it with the
// immediately following result move, before the next possible collection
// point.
func (c *Capability) ScanRoots(fn func(slot *object.Word)) {
	for i := 0; i < c.tmpCount; i++ {
		fn(&c.tmp[i])
	}
	t := c.thread
	base := c.scanBase
	live := c.scanLive
	for {
		for i := 0; live != 0; i++ {
			if live&1 != 0 {
				fn(&t.stack[base+i])
			}
			live >>= 1
		}
		fn(&t.stack[base-1]) // node
		prev := int(t.stack[base-2])
		if prev == 0 {
			return
		}
		saved := t.stack[base-3]
		callerCode := c.prog.Info(object.PCInfo(saved)).Code()
		off := object.PCOffset(saved)
		live = callerCode.LiveMap(uint16(callerCode.Ins[off-1]))
		base = prev
	}
}

func (c *Capability) allocSlow(hp, need int, live uint64, base, tmpCount int) (int, int, error) {
	c.scanBase = base
	c.scanLive = live
	c.tmpCount = tmpCount
	hp, hpLim, err := c.heap.AllocSlow(c, hp, need)
	c.tmpCount = 0
	return hp, hpLim, err
}

// abortRecording abandons the active recording, resets the anchor's hot
// counter so a later attempt can retry, and returns to plain
// interpretation.
func (c *Capability) abortRecording(reason string) {
	rec := c.recorder
	if rec == nil {
		return
	}
	rec.Abort(reason)
	Stats.RecordingsAborted++
	c.counters.Reset(rec.Anchor())
	c.recorder = nil
	c.state = stateInterp
	c.requestedState = stateInterp
}

// finishRecording closes the active recording and compiles it. Compile
// failures are counted and discarded; interpretation continues either way.
func (c *Capability) finishRecording(anchorCode *object.Code) {
	rec := c.recorder
	anchor := rec.Anchor()
	c.recorder = nil
	c.state = stateInterp
	c.requestedState = stateInterp
	c.counters.Reset(anchor)

	trace, err := rec.Finish()
	if err != nil {
		Stats.RecordingsAborted++
		if c.flags.Has(config.DebugTraceRecorder) {
			c.log.Debug().Err(err).Uint64("anchor", uint64(anchor)).Msg("trace discarded")
		}
		return
	}
	frag, err := jit.Compile(trace, int(anchorCode.FrameSize), c.log, c.flags)
	if err != nil {
		Stats.TraceCompileFailures++
		if c.flags.Has(config.DebugAssembler) {
			c.log.Debug().Err(err).Uint64("anchor", uint64(anchor)).Msg("compile failed")
		}
		return
	}
	c.fragments[anchor] = frag
	Stats.TracesCompiled++
}
