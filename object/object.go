// Package object defines the closure object model shared by the memory
// manager, the interpreter, and the trace recorder: machine words, tagged
// closure references, info tables, and the bytecode container.
//
// A closure is a heap object consisting of a header word naming its
// InfoTable followed by a variable-length payload of machine words. Info
// tables are allocated once at load time, are immutable afterwards, and are
// referenced by closures for the lifetime of the process.
package object

// Word is a single machine word. Stack slots, closure payloads, and heap
// cells all hold Words. A Word may contain an unboxed integer, a float's
// bit pattern, a closure reference, or an encoded program counter; which
// one is known only from context (GC bitmaps, payload layouts, literal
// types).
type Word uint64

// Ref is a closure reference: an index into the collected heap arena, or
// into the static region when the static bit is set. The zero Ref is the
// null reference; well-formed programs never store it in a closure header.
type Ref uint64

// StaticBit marks references into the static (non-collected) region.
const StaticBit Ref = 1 << 63

// NullRef is the invalid closure reference.
const NullRef Ref = 0

// IsNull reports whether the reference is the null reference.
func (r Ref) IsNull() bool { return r == 0 }

// IsStatic reports whether the reference points into the static region.
func (r Ref) IsStatic() bool { return r&StaticBit != 0 }

// Index returns the word index of the reference within its region.
func (r Ref) Index() int { return int(r &^ StaticBit) }

// ClosureType is the fixed enumeration of closure kinds.
type ClosureType uint8

const (
	InvalidObject ClosureType = iota
	Constr                    // data constructor
	Fun                       // function closure
	Thunk                     // unevaluated computation
	Ind                       // indirection to the updated value
	CAF                       // constant applicative form (static thunk)
	Pap                       // partial application
	ApCont                    // application continuation
	StaticInd                 // indirection in the static region
	UpdateFrame               // update-frame marker
	Blackhole                 // thunk currently under evaluation

	NClosureTypes
)

// Closure flags, derived from the closure type alone. They are never stored
// per instance, so they cannot desynchronize from the type tag.
const (
	CfHNF   uint16 = 1 << 0 // head normal form
	CfThunk uint16 = 1 << 1
	CfInd   uint16 = 1 << 2
)

var closureFlags = [NClosureTypes]uint16{
	InvalidObject: 0,
	Constr:        CfHNF,
	Fun:           CfHNF,
	Thunk:         CfThunk,
	Ind:           CfInd,
	CAF:           CfThunk,
	Pap:           CfHNF,
	ApCont:        CfHNF,
	StaticInd:     CfInd,
	UpdateFrame:   0,
	Blackhole:     0,
}

// Flags returns the fixed flag set for the closure type.
func (t ClosureType) Flags() uint16 { return closureFlags[t] }

// IsHNF reports whether closures of this type are in head normal form.
func (t ClosureType) IsHNF() bool { return closureFlags[t]&CfHNF != 0 }

// IsThunk reports whether closures of this type are unevaluated thunks.
func (t ClosureType) IsThunk() bool { return closureFlags[t]&CfThunk != 0 }

// IsIndirection reports whether closures of this type redirect to another
// closure.
func (t ClosureType) IsIndirection() bool { return closureFlags[t]&CfInd != 0 }

const hasCodeMask = 1<<Fun | 1<<Thunk | 1<<CAF | 1<<ApCont | 1<<UpdateFrame | 1<<Pap

// HasCode reports whether info tables of this type embed a bytecode
// container.
func (t ClosureType) HasCode() bool { return hasCodeMask&(1<<t) != 0 }

func (t ClosureType) String() string {
	switch t {
	case InvalidObject:
		return "INVALID_OBJECT"
	case Constr:
		return "CONSTR"
	case Fun:
		return "FUN"
	case Thunk:
		return "THUNK"
	case Ind:
		return "IND"
	case CAF:
		return "CAF"
	case Pap:
		return "PAP"
	case ApCont:
		return "AP_CONT"
	case StaticInd:
		return "STATIC_IND"
	case UpdateFrame:
		return "UPDATE_FRAME"
	case Blackhole:
		return "BLACKHOLE"
	default:
		return "UNKNOWN"
	}
}
