// Package op defines the bytecode instruction set shared by the loader,
// the interpreter, and the trace recorder.
//
// Instructions are 32-bit words in one of three layouts:
//
//	ABC: | C | B | A | opcode |   three 8-bit register operands
//	AD:  |   D   | A | opcode |   one register, one 16-bit operand
//	AJ:  |   J   | A | opcode |   one register, one signed jump offset
//
// Some instructions are followed by raw trailing words in the instruction
// stream: packed register lists for Call/CallT/Alloc, a jump table for Case,
// and a pointer-bitmap reference for instructions that can trigger a heap
// scan (Call, Eval, Alloc, Alloc1).
package op

// Code is an integer opcode that indicates an operation to execute.
type Code uint8

const (
	Invalid Code = 0

	// Execution
	Nop  Code = 1
	Stop Code = 2
	Func Code = 3 // frame setup; the dispatch-table synchronization point

	// Control flow
	Jmp  Code = 10
	Case Code = 11 // dense jump table on constructor tag

	// Guarded comparisons. A comparison that holds executes the Jmp
	// instruction that must immediately follow it; otherwise the Jmp
	// is skipped.
	IsLt Code = 20
	IsGe Code = 21
	IsLe Code = 22
	IsGt Code = 23
	IsEq Code = 24
	IsNe Code = 25

	// Loads and moves
	Move      Code = 30
	LoadK     Code = 31 // A <- literal D
	LoadField Code = 32 // A <- payload word C of closure in B
	LoadFV    Code = 33 // A <- free variable D of the current node
	LoadSelf  Code = 34 // A <- current node
	MovRes    Code = 35 // A <- result of the last Call/Eval

	// Arithmetic on unboxed words
	Neg Code = 40
	Add Code = 41
	Sub Code = 42
	Mul Code = 43
	Div Code = 44
	Rem Code = 45

	// Allocation
	Alloc1 Code = 50 // A <- closure with info literal B, payload [C]
	Alloc  Code = 51 // A <- closure with info literal B, C payload registers

	// Calls and evaluation
	Call  Code = 60 // call closure in A with B argument registers
	CallT Code = 61 // tail call closure in A with B argument registers
	Ret1  Code = 62 // return the value in A to the caller
	Eval  Code = 63 // evaluate closure in A to head-normal form

	// Thunk update (used by the built-in update-frame code)
	Update Code = 70 // overwrite closure A with an indirection to D
)

// Format describes the operand layout of an instruction.
type Format uint8

const (
	FmtNone Format = iota
	FmtABC
	FmtAD
	FmtAJ
)

// Ins is a single 32-bit instruction word. Trailing operand words are
// represented as raw Ins values with no meaningful opcode.
type Ins uint32

// MakeABC assembles an instruction in the ABC format.
func MakeABC(op Code, a, b, c uint8) Ins {
	return Ins(uint32(op) | uint32(a)<<8 | uint32(b)<<16 | uint32(c)<<24)
}

// MakeAD assembles an instruction in the AD format.
func MakeAD(op Code, a uint8, d uint16) Ins {
	return Ins(uint32(op) | uint32(a)<<8 | uint32(d)<<16)
}

// MakeAJ assembles an instruction in the AJ format. The jump offset is
// relative to the next instruction word and is biased for storage.
func MakeAJ(op Code, a uint8, j int) Ins {
	return Ins(uint32(op) | uint32(a)<<8 | uint32(uint16(int32(j)+jumpBias))<<16)
}

// Raw wraps an arbitrary 32-bit value as a trailing operand word.
func Raw(w uint32) Ins {
	return Ins(w)
}

const jumpBias = 0x8000

func (i Ins) Op() Code  { return Code(i & 0xff) }
func (i Ins) A() uint8  { return uint8(i >> 8) }
func (i Ins) B() uint8  { return uint8(i >> 16) }
func (i Ins) C() uint8  { return uint8(i >> 24) }
func (i Ins) D() uint16 { return uint16(i >> 16) }

// J returns the signed jump offset of an AJ-format instruction.
func (i Ins) J() int { return int(int32(i.D()) - jumpBias) }

// Reg returns register k of a packed trailing register-list word.
// Registers are packed four per word, lowest byte first.
func (i Ins) Reg(k int) uint8 { return uint8(i >> (uint(k) * 8)) }

// PackRegs packs up to four register indexes into one trailing word.
func PackRegs(regs []uint8) Ins {
	var w uint32
	for k, r := range regs {
		w |= uint32(r) << (uint(k) * 8)
	}
	return Ins(w)
}

// RegWords returns the number of trailing words needed to hold a packed
// list of n registers.
func RegWords(n int) int {
	return (n + 3) / 4
}

// Width returns the total number of instruction-stream words occupied by
// the instruction at pc, including any trailing operand words.
func Width(code []Ins, pc int) int {
	ins := code[pc]
	switch ins.Op() {
	case Alloc:
		return 1 + RegWords(int(ins.C())) + 1 // regs + bitmap ref
	case Alloc1:
		return 1 + 1 // bitmap ref
	case Call:
		return 1 + RegWords(int(ins.B())) + 1 // regs + bitmap ref
	case CallT:
		return 1 + RegWords(int(ins.B()))
	case Eval:
		return 1 + 1 // bitmap ref
	case Case:
		return 1 + int(ins.D())
	default:
		return 1
	}
}

// Info contains information about an opcode.
type Info struct {
	Code   Code
	Name   string
	Format Format
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op     Code
		name   string
		format Format
	}
	ops := []opInfo{
		{Nop, "NOP", FmtNone},
		{Stop, "STOP", FmtNone},
		{Func, "FUNC", FmtAD},
		{Jmp, "JMP", FmtAJ},
		{Case, "CASE", FmtAD},
		{IsLt, "ISLT", FmtAD},
		{IsGe, "ISGE", FmtAD},
		{IsLe, "ISLE", FmtAD},
		{IsGt, "ISGT", FmtAD},
		{IsEq, "ISEQ", FmtAD},
		{IsNe, "ISNE", FmtAD},
		{Move, "MOV", FmtAD},
		{LoadK, "LOADK", FmtAD},
		{LoadField, "LOADF", FmtABC},
		{LoadFV, "LOADFV", FmtAD},
		{LoadSelf, "LOADSLF", FmtAD},
		{MovRes, "MOV_RES", FmtAD},
		{Neg, "NEG", FmtAD},
		{Add, "ADD", FmtABC},
		{Sub, "SUB", FmtABC},
		{Mul, "MUL", FmtABC},
		{Div, "DIV", FmtABC},
		{Rem, "REM", FmtABC},
		{Alloc1, "ALLOC1", FmtABC},
		{Alloc, "ALLOC", FmtABC},
		{Call, "CALL", FmtABC},
		{CallT, "CALLT", FmtABC},
		{Ret1, "RET1", FmtAD},
		{Eval, "EVAL", FmtAD},
		{Update, "UPDATE", FmtAD},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Code:   o.op,
			Name:   o.name,
			Format: o.format,
		}
	}
}

// GetInfo returns information about the given opcode.
func GetInfo(op Code) Info {
	return infos[op]
}
