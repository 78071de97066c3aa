// Package dis supports analysis of linked bytecode by disassembling it,
// and renders heap closures for diagnostics and program output.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// Instruction represents a single bytecode instruction with its operands
// decoded and its trailing words attached.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []int
	Trailing   []uint32
	Annotation string
}

// Disassemble returns a parsed representation of the given code.
func Disassemble(code *object.Code) []Instruction {
	var instructions []Instruction
	for pc := 0; pc < len(code.Ins); {
		ins := code.Ins[pc]
		width := op.Width(code.Ins, pc)
		info := op.GetInfo(ins.Op())
		name := info.Name
		if name == "" {
			name = fmt.Sprintf("RAW(%d)", ins.Op())
		}
		var operands []int
		switch info.Format {
		case op.FmtABC:
			operands = []int{int(ins.A()), int(ins.B()), int(ins.C())}
		case op.FmtAD:
			operands = []int{int(ins.A()), int(ins.D())}
		case op.FmtAJ:
			operands = []int{int(ins.A()), ins.J()}
		}
		var trailing []uint32
		for k := 1; k < width; k++ {
			trailing = append(trailing, uint32(code.Ins[pc+k]))
		}
		instructions = append(instructions, Instruction{
			Offset:     pc,
			Name:       name,
			Opcode:     ins.Op(),
			Operands:   operands,
			Trailing:   trailing,
			Annotation: annotate(code, pc, ins),
		})
		pc += width
	}
	return instructions
}

func annotate(code *object.Code, pc int, ins op.Ins) string {
	switch ins.Op() {
	case op.LoadK:
		if int(ins.D()) < len(code.Lits) {
			return fmt.Sprintf("%s %d", code.LitTypes[ins.D()], code.Lits[ins.D()])
		}
	case op.Alloc, op.Alloc1:
		if int(ins.B()) < len(code.Lits) {
			return fmt.Sprintf("info %d", code.Lits[ins.B()])
		}
	case op.Jmp:
		return fmt.Sprintf("-> %d", pc+1+ins.J())
	case op.Case:
		return fmt.Sprintf("%d arms", ins.D())
	}
	return ""
}

// Print writes a string representation of the given instructions.
func Print(instructions []Instruction, writer io.Writer) {
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	for _, instr := range instructions {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%4d  %-10s", instr.Offset, bold(instr.Name))
		for i, operand := range instr.Operands {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, " %d", operand)
		}
		if instr.Annotation != "" {
			fmt.Fprintf(&sb, "  ; %s", cyan(instr.Annotation))
		}
		fmt.Fprintln(writer, sb.String())
	}
}

// Fprint disassembles and prints the code in one step.
func Fprint(writer io.Writer, code *object.Code) {
	Print(Disassemble(code), writer)
}

// Render formats a closure for display, following indirections and
// descending into constructor payloads. Unevaluated thunks render as "_",
// matching how partial results are usually shown.
func Render(heap *mm.Heap, ref object.Ref) string {
	var sb strings.Builder
	render(heap, ref, &sb, false)
	return sb.String()
}

func render(heap *mm.Heap, ref object.Ref, sb *strings.Builder, nested bool) {
	ref = heap.Follow(ref)
	if ref.IsNull() {
		sb.WriteString("<null>")
		return
	}
	if heap.IsBlackholed(ref) {
		sb.WriteString("<blackhole>")
		return
	}
	itbl := heap.Info(ref)
	switch itbl.Type() {
	case object.Constr:
		layout := itbl.Layout()
		args := int(itbl.Size())
		if nested && args > 0 {
			sb.WriteString("(")
		}
		sb.WriteString(itbl.Name())
		for i := 0; i < args; i++ {
			sb.WriteString(" ")
			if i < int(layout.Ptrs) {
				render(heap, object.Ref(heap.Payload(ref, i)), sb, true)
			} else {
				fmt.Fprintf(sb, "%d", int64(heap.Payload(ref, i)))
			}
		}
		if nested && args > 0 {
			sb.WriteString(")")
		}
	case object.Fun:
		fmt.Fprintf(sb, "<fun %s>", itbl.Name())
	case object.Pap:
		sb.WriteString("<pap>")
	case object.Thunk, object.CAF:
		sb.WriteString("_")
	default:
		fmt.Fprintf(sb, "<%s>", strings.ToLower(itbl.Type().String()))
	}
}
