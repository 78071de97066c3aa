package jit

import (
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// State is the machine state a fragment executes against: the anchor
// frame's slot window, the borrowed heap pointer and limit, the current
// node, the pending evaluation result, and the remaining step budget. The
// capability builds it on fragment entry and reconciles it on exit; the
// slot window aliases the interpreter stack, so slot writes need no
// copy-back.
type State struct {
	Slots      []object.Word
	Heap       *mm.Heap
	Hp         int
	HpLim      int
	Node       object.Ref
	LastResult object.Word
	Steps      int64
}

// ExitKind classifies why a fragment handed control back. Every exit is a
// normal control transfer, never an error.
type ExitKind uint8

const (
	ExitGuard     ExitKind = iota // a guard condition no longer held
	ExitHeapCheck                 // the inlined allocation check failed
	ExitSteps                     // the step budget ran out
)

// Exit describes a side exit: the code offset within the anchor function
// at which interpretation resumes. The heap pointer and limit the fragment
// last established are left in the State.
type Exit struct {
	Offset int
	Kind   ExitKind
}

// Fragment is a compiled trace: straight-line code with inlined allocation
// and type checks, entered in place of interpretation at its anchor and
// left only through a side exit.
type Fragment struct {
	id     uuid.UUID
	anchor object.Word
	ops    []traceIns
	argBuf []object.Word
	nslots int
	log    zerolog.Logger
	flags  config.DebugFlags
}

// Compile turns a closed trace into a fragment. Compilation can fail (an
// unsupported shape, a false loop); in that case no fragment is installed
// and the caller falls back to interpretation.
func Compile(t *Trace, nslots int, log zerolog.Logger, flags config.DebugFlags) (*Fragment, error) {
	if t == nil || !t.closed || len(t.ins) == 0 {
		return nil, ErrTraceOpen
	}
	if t.guards == 0 {
		return nil, ErrFalseLoop
	}
	last := t.ins[len(t.ins)-1]
	if last.kind != tLoop {
		return nil, fmt.Errorf("jit: trace does not end at its anchor")
	}
	for _, ins := range t.ins {
		for _, reg := range ins.regs {
			if int(reg) >= nslots {
				return nil, fmt.Errorf("jit: register r%d outside frame of %d slots", reg, nslots)
			}
		}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("jit: fragment id: %w", err)
	}
	f := &Fragment{
		id:     id,
		anchor: t.Anchor,
		ops:    t.ins,
		argBuf: make([]object.Word, len(last.regs)),
		nslots: nslots,
		log:    log,
		flags:  flags,
	}
	if flags.Has(config.DebugAssembler) {
		log.Debug().
			Str("fragment", id.String()).
			Uint64("anchor", uint64(t.Anchor)).
			Int("ops", len(t.ins)).
			Int("guards", t.guards).
			Msg("fragment compiled")
	}
	return f, nil
}

// ID returns the fragment's identity, used for log correlation.
func (f *Fragment) ID() uuid.UUID { return f.id }

// Anchor returns the program point the fragment replaces.
func (f *Fragment) Anchor() object.Word { return f.anchor }

// Execute runs the fragment until a side exit. The fragment loops through
// its own body; a guard failure, a failed heap check, or step exhaustion
// transfers control back with the state reconstructed exactly as if the
// interpreter had executed up to the exit offset natively.
func (f *Fragment) Execute(st *State) Exit {
	heap := st.Heap
	if f.flags.Has(config.DebugTraceEnterExit) {
		f.log.Debug().Str("fragment", f.id.String()).Msg("trace enter")
	}
	exit := func(off int, kind ExitKind) Exit {
		if f.flags.Has(config.DebugTraceEnterExit) {
			f.log.Debug().
				Str("fragment", f.id.String()).
				Int("offset", off).
				Uint8("kind", uint8(kind)).
				Msg("trace exit")
		}
		return Exit{Offset: off, Kind: kind}
	}
	for i := 0; ; i++ {
		ins := &f.ops[i]
		st.Steps--
		if st.Steps <= 0 {
			return exit(ins.off, ExitSteps)
		}
		switch ins.kind {
		case tMove:
			st.Slots[ins.a] = st.Slots[ins.d]
		case tLoadImm:
			st.Slots[ins.a] = ins.imm
		case tLoadField:
			ref := heap.Follow(object.Ref(st.Slots[ins.b]))
			st.Slots[ins.a] = heap.Payload(ref, int(ins.c))
		case tLoadFV:
			st.Slots[ins.a] = heap.Payload(st.Node, int(ins.d))
		case tLoadSelf:
			st.Slots[ins.a] = object.Word(st.Node)
		case tMovRes:
			st.Slots[ins.a] = st.LastResult
		case tNeg:
			st.Slots[ins.a] = object.Word(-int64(st.Slots[ins.d]))
		case tArith:
			x := int64(st.Slots[ins.b])
			y := int64(st.Slots[ins.c])
			switch ins.code {
			case op.Add:
				st.Slots[ins.a] = object.Word(x + y)
			case op.Sub:
				st.Slots[ins.a] = object.Word(x - y)
			case op.Mul:
				st.Slots[ins.a] = object.Word(x * y)
			case op.Div:
				if y == 0 {
					return exit(ins.off, ExitGuard)
				}
				st.Slots[ins.a] = object.Word(x / y)
			case op.Rem:
				if y == 0 {
					return exit(ins.off, ExitGuard)
				}
				st.Slots[ins.a] = object.Word(x % y)
			}
		case tGuardCmp:
			x := int64(st.Slots[ins.a])
			y := int64(st.Slots[ins.d])
			var taken bool
			switch ins.code {
			case op.IsLt:
				taken = x < y
			case op.IsGe:
				taken = x >= y
			case op.IsLe:
				taken = x <= y
			case op.IsGt:
				taken = x > y
			case op.IsEq:
				taken = x == y
			case op.IsNe:
				taken = x != y
			}
			if taken != ins.taken {
				return exit(ins.off, ExitGuard)
			}
		case tGuardTag:
			ref := heap.Follow(object.Ref(st.Slots[ins.a]))
			if ref.IsNull() || heap.IsBlackholed(ref) {
				return exit(ins.off, ExitGuard)
			}
			itbl := heap.Info(ref)
			if itbl.Type() != object.Constr || itbl.Tag() != ins.tag {
				return exit(ins.off, ExitGuard)
			}
		case tGuardHNF:
			ref := heap.Follow(object.Ref(st.Slots[ins.a]))
			if ref.IsNull() || heap.IsBlackholed(ref) {
				return exit(ins.off, ExitGuard)
			}
			if !heap.Info(ref).Type().IsHNF() {
				return exit(ins.off, ExitGuard)
			}
			st.LastResult = object.Word(ref)
		case tAlloc:
			need := 1 + len(ins.regs)
			if !mm.Fits(st.Hp, st.HpLim, need) {
				return exit(ins.off, ExitHeapCheck)
			}
			at := st.Hp
			heap.WriteWord(at, object.Word(ins.info))
			for k, reg := range ins.regs {
				heap.WriteWord(at+1+k, st.Slots[reg])
			}
			st.Hp += need
			st.Slots[ins.a] = object.Word(object.Ref(at))
		case tLoop:
			fn := heap.Follow(object.Ref(st.Slots[ins.a]))
			if fn.IsNull() || heap.InfoID(fn) != ins.info {
				return exit(ins.off, ExitGuard)
			}
			// Rebind the frame exactly like the interpreted tail call:
			// arguments into the low slots, the rest cleared.
			for k, reg := range ins.regs {
				f.argBuf[k] = st.Slots[reg]
			}
			copy(st.Slots[:len(ins.regs)], f.argBuf)
			for k := len(ins.regs); k < f.nslots; k++ {
				st.Slots[k] = 0
			}
			st.Node = fn
			i = -1 // restart at the anchor
		}
	}
}
