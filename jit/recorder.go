package jit

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// ErrFalseLoop is returned by Finish for a closed trace that carries no
// guards: such a trace would spin without any way to leave compiled code.
var ErrFalseLoop = errors.New("jit: trace closed without guards")

// ErrTraceOpen is returned by Finish when the trace never returned to its
// anchor.
var ErrTraceOpen = errors.New("jit: trace did not close")

type traceOp uint8

const (
	tMove traceOp = iota
	tLoadImm
	tLoadField
	tLoadFV
	tLoadSelf
	tMovRes
	tNeg
	tArith
	tGuardCmp
	tGuardTag
	tGuardHNF
	tAlloc
	tLoop
)

// traceIns is one recorded instruction: the original operands resolved at
// record time (literals inlined, info tables by id), plus the code offset
// to resume interpretation at should its guard fail. Resuming at the
// offset is always safe because no recorded instruction has partial
// effects: guards fire before any write.
type traceIns struct {
	kind  traceOp
	code  op.Code
	a, b  uint8
	c     uint8
	d     uint16
	imm   object.Word
	taken bool
	tag   uint16
	info  uint16
	regs  []uint8
	off   int
}

// Trace is an ordered sequence of recorded instructions anchored at a
// specific program point, ready for compilation.
type Trace struct {
	Anchor object.Word
	ins    []traceIns
	guards int
	closed bool
}

// Len returns the number of recorded instructions.
func (t *Trace) Len() int { return len(t.ins) }

// Guards returns the number of guard instructions in the trace.
func (t *Trace) Guards() int { return t.guards }

// Recorder accumulates an in-progress trace. The interpreter's recording
// dispatch feeds it every executed instruction together with the runtime
// values observed for branches and type checks; those observations become
// the guards of the compiled fragment.
//
// Recording ends either by closing the loop at the anchor (CloseLoop) or
// by hitting an instruction outside the recordable subset (Abort), in
// which case the partial trace is discarded.
type Recorder struct {
	anchor  object.Word
	ins     []traceIns
	guards  int
	allocs  int
	aborted bool
	closed  bool
	reason  string
	log     zerolog.Logger
	flags   config.DebugFlags
}

// NewRecorder starts a recording anchored at the given program point.
func NewRecorder(anchor object.Word, log zerolog.Logger, flags config.DebugFlags) *Recorder {
	r := &Recorder{anchor: anchor, log: log, flags: flags}
	if flags.Has(config.DebugTraceRecorder) {
		log.Debug().
			Uint64("anchor", uint64(anchor)).
			Msg("recording started")
	}
	return r
}

// Anchor returns the program point the trace is anchored at.
func (r *Recorder) Anchor() object.Word { return r.anchor }

// Aborted reports whether the recording has been abandoned.
func (r *Recorder) Aborted() bool { return r.aborted }

// Closed reports whether the trace returned to its anchor.
func (r *Recorder) Closed() bool { return r.closed }

// Abort discards the partial trace. Aborting is a normal control path,
// not an error: the interpreter resumes and the hot counter is reset so a
// future attempt may retry.
func (r *Recorder) Abort(reason string) {
	if r.aborted {
		return
	}
	r.aborted = true
	r.reason = reason
	if r.flags.Has(config.DebugTraceRecorder) {
		r.log.Debug().
			Uint64("anchor", uint64(r.anchor)).
			Int("recorded", len(r.ins)).
			Str("reason", reason).
			Msg("recording aborted")
	}
}

func (r *Recorder) append(ins traceIns) {
	if r.aborted || r.closed {
		return
	}
	if len(r.ins) >= config.MaxTraceLength {
		r.Abort("trace too long")
		return
	}
	r.ins = append(r.ins, ins)
}

// Move records a register copy.
func (r *Recorder) Move(a uint8, d uint16, off int) {
	r.append(traceIns{kind: tMove, a: a, d: d, off: off})
}

// LoadImm records a literal load with the literal resolved to its value.
func (r *Recorder) LoadImm(a uint8, imm object.Word, off int) {
	r.append(traceIns{kind: tLoadImm, a: a, imm: imm, off: off})
}

// LoadField records a payload read.
func (r *Recorder) LoadField(a, b, c uint8, off int) {
	r.append(traceIns{kind: tLoadField, a: a, b: b, c: c, off: off})
}

// LoadFV records a free-variable read through the current node.
func (r *Recorder) LoadFV(a uint8, d uint16, off int) {
	r.append(traceIns{kind: tLoadFV, a: a, d: d, off: off})
}

// LoadSelf records a load of the current node.
func (r *Recorder) LoadSelf(a uint8, off int) {
	r.append(traceIns{kind: tLoadSelf, a: a, off: off})
}

// MovRes records a load of the last evaluation result.
func (r *Recorder) MovRes(a uint8, off int) {
	r.append(traceIns{kind: tMovRes, a: a, off: off})
}

// Neg records an arithmetic negation.
func (r *Recorder) Neg(a uint8, d uint16, off int) {
	r.append(traceIns{kind: tNeg, a: a, d: d, off: off})
}

// Arith records a binary arithmetic instruction. Division and remainder
// carry an implicit divide-by-zero guard.
func (r *Recorder) Arith(code op.Code, a, b, c uint8, off int) {
	if code == op.Div || code == op.Rem {
		r.guards++
	}
	r.append(traceIns{kind: tArith, code: code, a: a, b: b, c: c, off: off})
}

// Cmp records a guarded comparison together with the direction observed
// at record time; the compiled guard checks the same direction still
// holds.
func (r *Recorder) Cmp(code op.Code, a uint8, d uint16, taken bool, off int) {
	r.guards++
	r.append(traceIns{kind: tGuardCmp, code: code, a: a, d: d, taken: taken, off: off})
}

// CaseTag records a pattern-match dispatch as a guard on the observed
// constructor tag.
func (r *Recorder) CaseTag(a uint8, tag uint16, off int) {
	r.guards++
	r.append(traceIns{kind: tGuardTag, a: a, tag: tag, off: off})
}

// EvalHNF records an evaluation that found its operand already in head
// normal form; the guard re-checks that on every fragment iteration.
func (r *Recorder) EvalHNF(a uint8, off int) {
	r.guards++
	r.append(traceIns{kind: tGuardHNF, a: a, off: off})
}

// Alloc records a closure allocation with its inlined heap check. Traces
// that allocate more than the configured heap-entry budget are aborted.
func (r *Recorder) Alloc(a uint8, info uint16, regs []uint8, off int) {
	r.allocs++
	if r.allocs > config.MaxHeapEntries {
		r.Abort("heap entry budget exceeded")
		return
	}
	r.guards++ // the heap check
	r.append(traceIns{kind: tAlloc, a: a, info: info, regs: cloneRegs(regs), off: off})
}

// CloseLoop records the tail call back to the anchor, guarding on the
// callee's info table, and marks the trace complete. The loop seal is not
// counted toward the guard total: a trace whose only exit is the seal is a
// false loop, since the callee of a closed loop never changes.
func (r *Recorder) CloseLoop(fnSlot uint8, info uint16, regs []uint8, off int) {
	r.append(traceIns{kind: tLoop, a: fnSlot, info: info, regs: cloneRegs(regs), off: off})
	if !r.aborted {
		r.closed = true
	}
}

// Finish returns the completed trace. A trace that never closed, or that
// closed without a single guard (a false loop), yields an error and no
// trace.
func (r *Recorder) Finish() (*Trace, error) {
	if r.aborted {
		return nil, fmt.Errorf("jit: recording aborted: %s", r.reason)
	}
	if !r.closed {
		return nil, ErrTraceOpen
	}
	if r.guards == 0 {
		if r.flags.Has(config.DebugFalseLoopFilter) {
			r.log.Debug().
				Uint64("anchor", uint64(r.anchor)).
				Msg("false loop filtered")
		}
		return nil, ErrFalseLoop
	}
	return &Trace{
		Anchor: r.anchor,
		ins:    r.ins,
		guards: r.guards,
		closed: true,
	}, nil
}

func cloneRegs(regs []uint8) []uint8 {
	out := make([]uint8, len(regs))
	copy(out, regs)
	return out
}
