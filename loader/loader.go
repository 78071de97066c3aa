package loader

import (
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// Link finalizes the program under construction: label references are
// resolved and every code stream is validated. The interpreter trusts
// linked code completely, so everything it assumes is checked here, and all
// violations are reported together.
func (b *Builder) Link() (*object.Program, *mm.Heap, error) {
	for _, cb := range b.codes {
		cb.finish()
	}
	for _, cb := range b.codes {
		b.validate(cb.itbl)
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, nil, err
	}
	return b.prog, b.heap, nil
}

func (b *Builder) validate(itbl *object.InfoTable) {
	name := itbl.Name()
	code := itbl.Code()
	if code == nil {
		b.errorf("loader: %s: %s shape without code", name, itbl.Type())
		return
	}
	if len(code.Ins) == 0 {
		b.errorf("loader: %s: empty instruction stream", name)
		return
	}
	if code.Ins[0].Op() != op.Func {
		b.errorf("loader: %s: code does not begin with a frame setup instruction", name)
	}
	if code.FrameSize < code.Arity {
		b.errorf("loader: %s: frame of %d slots cannot hold %d arguments",
			name, code.FrameSize, code.Arity)
	}
	if int(code.FrameSize) > object.MaxFrameSlots {
		b.errorf("loader: %s: frame of %d slots exceeds the limit of %d",
			name, code.FrameSize, object.MaxFrameSlots)
	}
	if itbl.Type().IsThunk() && itbl.Size() < 1 {
		b.errorf("loader: %s: thunk payload too small to update in place", name)
	}
	b.validateStream(name, code)
}

// validateStream walks the instruction stream by decoded widths, checking
// register bounds, literal references, and the placement rules the
// interpreter and the collector rely on: a comparison is always followed by
// a jump, every call and evaluation site carries a pointer bitmap
// immediately before its resume point, and every call moves its result into
// a frame slot at the resume point, since the result register is not a
// collector root.
func (b *Builder) validateStream(name string, code *object.Code) {
	fsize := int(code.FrameSize)
	checkReg := func(pc int, r uint8) {
		if int(r) >= fsize {
			b.errorf("loader: %s: register r%d out of frame at %d", name, r, pc)
		}
	}
	checkLit := func(pc int, idx uint16, typ object.LitType) {
		if int(idx) >= len(code.Lits) {
			b.errorf("loader: %s: literal %d out of range at %d", name, idx, pc)
			return
		}
		if code.LitTypes[idx] != typ {
			b.errorf("loader: %s: literal %d is %s, want %s at %d",
				name, idx, code.LitTypes[idx], typ, pc)
		}
	}
	checkBitmap := func(pc int, ref uint16) {
		if ref != object.NoBitmap && int(ref) >= len(code.Bitmaps) {
			b.errorf("loader: %s: bitmap reference %d out of range at %d", name, ref, pc)
		}
	}

	for pc := 0; pc < len(code.Ins); {
		ins := code.Ins[pc]
		width := op.Width(code.Ins, pc)
		if pc+width > len(code.Ins) {
			b.errorf("loader: %s: truncated instruction at %d", name, pc)
			return
		}
		switch ins.Op() {
		case op.Nop, op.Stop, op.Func:
		case op.Jmp:
			target := pc + 1 + ins.J()
			if target < 0 || target >= len(code.Ins) {
				b.errorf("loader: %s: jump to %d out of range at %d", name, target, pc)
			}
		case op.Case:
			checkReg(pc, ins.A())
			after := pc + 1 + int(ins.D())
			for k := 0; k < int(ins.D()); k++ {
				off := int(uint32(code.Ins[pc+1+k]))
				if off != 0 && after+off >= len(code.Ins) {
					b.errorf("loader: %s: case target %d out of range at %d", name, after+off, pc)
				}
			}
		case op.IsLt, op.IsGe, op.IsLe, op.IsGt, op.IsEq, op.IsNe:
			checkReg(pc, ins.A())
			checkReg(pc, uint8(ins.D()))
			if pc+1 >= len(code.Ins) || code.Ins[pc+1].Op() != op.Jmp {
				b.errorf("loader: %s: comparison at %d is not followed by a jump", name, pc)
			}
		case op.Move, op.Neg:
			checkReg(pc, ins.A())
			checkReg(pc, uint8(ins.D()))
		case op.LoadK:
			checkReg(pc, ins.A())
			if int(ins.D()) >= len(code.Lits) {
				b.errorf("loader: %s: literal %d out of range at %d", name, ins.D(), pc)
			}
		case op.LoadField:
			checkReg(pc, ins.A())
			checkReg(pc, ins.B())
		case op.LoadFV, op.LoadSelf, op.MovRes, op.Ret1:
			checkReg(pc, ins.A())
		case op.Add, op.Sub, op.Mul, op.Div, op.Rem:
			checkReg(pc, ins.A())
			checkReg(pc, ins.B())
			checkReg(pc, ins.C())
		case op.Alloc1:
			checkReg(pc, ins.A())
			checkReg(pc, ins.C())
			checkLit(pc, uint16(ins.B()), object.LitInfo)
			checkBitmap(pc, uint16(code.Ins[pc+1]))
		case op.Alloc:
			checkReg(pc, ins.A())
			checkLit(pc, uint16(ins.B()), object.LitInfo)
			for k := 0; k < int(ins.C()); k++ {
				checkReg(pc, code.Ins[pc+1+k/4].Reg(k%4))
			}
			checkBitmap(pc, uint16(code.Ins[pc+width-1]))
		case op.Call:
			checkReg(pc, ins.A())
			for k := 0; k < int(ins.B()); k++ {
				checkReg(pc, code.Ins[pc+1+k/4].Reg(k%4))
			}
			checkBitmap(pc, uint16(code.Ins[pc+width-1]))
			// The result register is not a collector root: a call must
			// move its result into a frame slot before the next possible
			// collection point.
			if pc+width >= len(code.Ins) || code.Ins[pc+width].Op() != op.MovRes {
				b.errorf("loader: %s: call at %d does not move its result at the resume point", name, pc)
			}
		case op.CallT:
			checkReg(pc, ins.A())
			for k := 0; k < int(ins.B()); k++ {
				checkReg(pc, code.Ins[pc+1+k/4].Reg(k%4))
			}
		case op.Eval:
			checkReg(pc, ins.A())
			checkBitmap(pc, uint16(code.Ins[pc+1]))
		case op.Update:
			checkReg(pc, ins.A())
			checkReg(pc, uint8(ins.D()))
		default:
			b.errorf("loader: %s: unknown opcode %d at %d", name, ins.Op(), pc)
		}
		pc += width
	}
}
