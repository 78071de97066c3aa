// Package loader builds and links executable programs: it assembles
// bytecode with label resolution and literal interning, installs the
// built-in runtime code, validates the result, and reads and writes the
// serialized module format.
package loader

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// Builder assembles a program and its static heap. Info tables register
// eagerly, so code can reference shapes declared in any order; instruction
// streams are finalized and validated by Link.
type Builder struct {
	prog  *object.Program
	heap  *mm.Heap
	codes []*CodeBuilder
	errs  *multierror.Error
	log   zerolog.Logger
}

// NewBuilder creates a builder with the built-in runtime code installed.
// Heap options size the static and collected regions.
func NewBuilder(heapOpts ...mm.Option) *Builder {
	prog := object.NewProgram()
	installMisc(prog)
	return &Builder{
		prog: prog,
		heap: mm.NewHeap(prog, heapOpts...),
		log:  zerolog.Nop(),
	}
}

// Program returns the program under construction.
func (b *Builder) Program() *object.Program { return b.prog }

// Heap returns the heap under construction.
func (b *Builder) Heap() *mm.Heap { return b.heap }

// Constr registers a data constructor shape. Tags are 1-based within each
// data type; pointer payload words precede non-pointer words.
func (b *Builder) Constr(name string, tag uint16, ptrs, nptrs uint16) uint16 {
	itbl := object.NewInfoTable(object.InfoTableParams{
		Type: object.Constr,
		Size: uint8(ptrs + nptrs),
		Tag:  tag,
		Layout: object.Layout{
			Kind:  object.LayoutPayload,
			Ptrs:  ptrs,
			NPtrs: nptrs,
		},
		Name: name,
	})
	return b.prog.RegisterInfo(itbl)
}

// Function starts the code of a function closure with no free variables.
func (b *Builder) Function(name string, frameSize, arity uint8) *CodeBuilder {
	return b.code(object.InfoTableParams{
		Type: object.Fun,
		Name: name,
	}, frameSize, arity)
}

// FunctionFV starts the code of a function closure capturing free
// variables; pointer words precede non-pointer words in the payload.
func (b *Builder) FunctionFV(name string, frameSize, arity uint8, ptrs, nptrs uint16) *CodeBuilder {
	return b.code(object.InfoTableParams{
		Type: object.Fun,
		Size: uint8(ptrs + nptrs),
		Layout: object.Layout{
			Kind:  object.LayoutPayload,
			Ptrs:  ptrs,
			NPtrs: nptrs,
		},
		Name: name,
	}, frameSize, arity)
}

// Thunk starts the code of a thunk shape. The payload holds the free
// variables and is never smaller than one word, so the thunk can be
// overwritten in place with an indirection.
func (b *Builder) Thunk(name string, frameSize uint8, ptrs, nptrs uint16) *CodeBuilder {
	size := ptrs + nptrs
	if size == 0 {
		size = 1
	}
	return b.code(object.InfoTableParams{
		Type: object.Thunk,
		Size: uint8(size),
		Layout: object.Layout{
			Kind:  object.LayoutPayload,
			Ptrs:  ptrs,
			NPtrs: nptrs,
		},
		Name: name,
	}, frameSize, 0)
}

// CAF starts the code of a constant applicative form: a static thunk
// evaluated at most once per process.
func (b *Builder) CAF(name string, frameSize uint8) *CodeBuilder {
	return b.code(object.InfoTableParams{
		Type: object.CAF,
		Size: 1,
		Layout: object.Layout{
			Kind: object.LayoutPayload,
			Ptrs: 1,
		},
		Name: name,
	}, frameSize, 0)
}

func (b *Builder) code(params object.InfoTableParams, frameSize, arity uint8) *CodeBuilder {
	code := &object.Code{FrameSize: frameSize, Arity: arity}
	params.Code = code
	itbl := object.NewInfoTable(params)
	id := b.prog.RegisterInfo(itbl)
	cb := &CodeBuilder{
		b:       b,
		itbl:    itbl,
		id:      id,
		code:    code,
		labels:  make(map[string]int),
		litIdx:  make(map[litKey]uint16),
		bitmaps: make(map[uint64]uint16),
	}
	cb.emit(op.MakeAD(op.Func, 0, uint16(frameSize)))
	b.codes = append(b.codes, cb)
	return cb
}

// Static allocates a closure in the static region. The payload must match
// the shape the info table declares; the collector scans every static by
// its layout.
func (b *Builder) Static(info uint16, payload ...object.Word) object.Ref {
	itbl := b.prog.Info(info)
	if itbl == nil {
		b.errorf("loader: static references the reserved info table id")
		return object.NullRef
	}
	if err := checkStatic(itbl, payload); err != nil {
		b.errs = multierror.Append(b.errs, err)
		// Pad so the static region stays scannable while the remaining
		// errors are collected.
		if need := staticScanWords(itbl, payload); len(payload) < need {
			padded := make([]object.Word, need)
			copy(padded, payload)
			payload = padded
		}
	}
	return b.heap.AllocStatic(info, payload...)
}

// checkStatic validates a static closure's payload against the words the
// collector will scan: the declared size for ordinary closures, the meta
// word for partial applications.
func checkStatic(itbl *object.InfoTable, payload []object.Word) error {
	if itbl.Type() == object.Pap {
		if len(payload) < 2 {
			return fmt.Errorf("loader: static %s: partial-application payload needs a meta word and a function", itbl.Name())
		}
		nargs := int(uint16(payload[0]))
		if len(payload) != 2+nargs {
			return fmt.Errorf("loader: static %s: payload of %d words does not match the %d declared arguments",
				itbl.Name(), len(payload), nargs)
		}
		if payload[0]>>16>>uint(nargs) != 0 {
			return fmt.Errorf("loader: static %s: argument mask wider than the argument count", itbl.Name())
		}
		return nil
	}
	if len(payload) != int(itbl.Size()) {
		return fmt.Errorf("loader: static %s: payload of %d words does not match the declared size %d",
			itbl.Name(), len(payload), itbl.Size())
	}
	return nil
}

// staticScanWords returns the payload word count the collector expects for
// the given shape.
func staticScanWords(itbl *object.InfoTable, payload []object.Word) int {
	if itbl.Type() == object.Pap {
		nargs := 0
		if len(payload) > 0 {
			nargs = int(uint16(payload[0]))
		}
		return 2 + nargs
	}
	return int(itbl.Size())
}

// SetRoot designates the static closure evaluation starts from.
func (b *Builder) SetRoot(r object.Ref) {
	b.prog.SetRoot(r)
}

// errorf records a build error; Link reports all of them together.
func (b *Builder) errorf(format string, args ...interface{}) {
	b.errs = multierror.Append(b.errs, fmt.Errorf(format, args...))
}

type litKey struct {
	typ object.LitType
	val object.Word
}

type jumpFixup struct {
	at    int // instruction index to rewrite
	op    op.Code
	a     uint8
	label string
}

type caseFixup struct {
	at    int // trailing word index to rewrite
	after int // table-relative base
	label string
}

// CodeBuilder assembles one instruction stream. Labels may be referenced
// before they are defined; Link resolves them.
type CodeBuilder struct {
	b       *Builder
	itbl    *object.InfoTable
	id      uint16
	code    *object.Code
	labels  map[string]int
	jumps   []jumpFixup
	cases   []caseFixup
	litIdx  map[litKey]uint16
	bitmaps map[uint64]uint16
}

// ID returns the info table id of the shape under construction.
func (cb *CodeBuilder) ID() uint16 { return cb.id }

// Info returns the info table of the shape under construction.
func (cb *CodeBuilder) Info() *object.InfoTable { return cb.itbl }

func (cb *CodeBuilder) emit(ins op.Ins) {
	cb.code.Ins = append(cb.code.Ins, ins)
}

func (cb *CodeBuilder) lit(typ object.LitType, w object.Word) uint16 {
	key := litKey{typ, w}
	if idx, ok := cb.litIdx[key]; ok {
		return idx
	}
	idx := uint16(len(cb.code.Lits))
	cb.code.Lits = append(cb.code.Lits, w)
	cb.code.LitTypes = append(cb.code.LitTypes, typ)
	cb.litIdx[key] = idx
	return idx
}

// Int interns a signed integer literal and returns its index.
func (cb *CodeBuilder) Int(v int64) uint16 {
	return cb.lit(object.LitInt, object.Word(v))
}

// WordLit interns an unsigned word literal.
func (cb *CodeBuilder) WordLit(v object.Word) uint16 {
	return cb.lit(object.LitWord, v)
}

// Str interns a string literal through the program string table.
func (cb *CodeBuilder) Str(s string) uint16 {
	return cb.lit(object.LitString, cb.b.prog.InternString(s))
}

// InfoLit interns an info table reference for allocation instructions.
func (cb *CodeBuilder) InfoLit(id uint16) uint16 {
	return cb.lit(object.LitInfo, object.Word(id))
}

// ClosureLit interns a static closure reference.
func (cb *CodeBuilder) ClosureLit(r object.Ref) uint16 {
	return cb.lit(object.LitClosure, object.Word(r))
}

// bitmapRef encodes a live-slot set into the code's bitmap table,
// deduplicating identical sets.
func (cb *CodeBuilder) bitmapRef(live []int) uint16 {
	if len(live) == 0 {
		return object.NoBitmap
	}
	var mask uint64
	for _, s := range live {
		mask |= 1 << uint(s)
	}
	if ref, ok := cb.bitmaps[mask]; ok {
		return ref
	}
	ref := uint16(len(cb.code.Bitmaps))
	cb.code.Bitmaps = append(cb.code.Bitmaps, object.EncodeBitmap(live)...)
	cb.bitmaps[mask] = ref
	return ref
}

// Label marks the next instruction as a jump target.
func (cb *CodeBuilder) Label(name string) {
	if _, dup := cb.labels[name]; dup {
		cb.b.errorf("loader: %s: duplicate label %q", cb.itbl.Name(), name)
		return
	}
	cb.labels[name] = len(cb.code.Ins)
}

// Jmp emits an unconditional jump to the label.
func (cb *CodeBuilder) Jmp(label string) {
	cb.jumps = append(cb.jumps, jumpFixup{
		at:    len(cb.code.Ins),
		op:    op.Jmp,
		label: label,
	})
	cb.emit(op.MakeAJ(op.Jmp, 0, 0))
}

// Cmp emits a guarded comparison; a comparison that holds executes the
// immediately following jump.
func (cb *CodeBuilder) Cmp(code op.Code, a, d uint8) {
	cb.emit(op.MakeAD(code, a, uint16(d)))
}

// Case emits a dense jump table on the constructor tag of the closure in
// the register. labels[i] is the target for tag i+1; an empty label falls
// through, as does any tag beyond the table.
func (cb *CodeBuilder) Case(a uint8, labels []string) {
	cb.emit(op.MakeAD(op.Case, a, uint16(len(labels))))
	after := len(cb.code.Ins) + len(labels)
	for _, label := range labels {
		if label != "" {
			cb.cases = append(cb.cases, caseFixup{
				at:    len(cb.code.Ins),
				after: after,
				label: label,
			})
		}
		cb.emit(op.Raw(0))
	}
}

// Move emits a register copy.
func (cb *CodeBuilder) Move(a, d uint8) {
	cb.emit(op.MakeAD(op.Move, a, uint16(d)))
}

// LoadK emits a literal load.
func (cb *CodeBuilder) LoadK(a uint8, lit uint16) {
	cb.emit(op.MakeAD(op.LoadK, a, lit))
}

// LoadField emits a payload read: a <- payload word c of the closure in b.
func (cb *CodeBuilder) LoadField(a, b, c uint8) {
	cb.emit(op.MakeABC(op.LoadField, a, b, c))
}

// LoadFV emits a free-variable read through the current node.
func (cb *CodeBuilder) LoadFV(a uint8, idx uint16) {
	cb.emit(op.MakeAD(op.LoadFV, a, idx))
}

// LoadSelf emits a load of the current node.
func (cb *CodeBuilder) LoadSelf(a uint8) {
	cb.emit(op.MakeAD(op.LoadSelf, a, 0))
}

// MovRes emits a load of the last call or evaluation result.
func (cb *CodeBuilder) MovRes(a uint8) {
	cb.emit(op.MakeAD(op.MovRes, a, 0))
}

// Neg emits an arithmetic negation.
func (cb *CodeBuilder) Neg(a, d uint8) {
	cb.emit(op.MakeAD(op.Neg, a, uint16(d)))
}

// Arith emits a binary arithmetic instruction.
func (cb *CodeBuilder) Arith(code op.Code, a, b, c uint8) {
	cb.emit(op.MakeABC(code, a, b, c))
}

// Alloc1 emits a single-payload allocation; live lists the slots holding
// pointers across a possible collection here.
func (cb *CodeBuilder) Alloc1(a uint8, infoLit uint16, src uint8, live ...int) {
	cb.emit(op.MakeABC(op.Alloc1, a, uint8(infoLit), src))
	cb.emit(op.Raw(uint32(cb.bitmapRef(live))))
}

// Alloc emits an allocation with payload registers.
func (cb *CodeBuilder) Alloc(a uint8, infoLit uint16, regs []uint8, live ...int) {
	cb.emit(op.MakeABC(op.Alloc, a, uint8(infoLit), uint8(len(regs))))
	cb.emitRegs(regs)
	cb.emit(op.Raw(uint32(cb.bitmapRef(live))))
}

// Call emits a call; live lists the slots holding pointers across the call.
func (cb *CodeBuilder) Call(a uint8, args []uint8, live ...int) {
	cb.emit(op.MakeABC(op.Call, a, uint8(len(args)), 0))
	cb.emitRegs(args)
	cb.emit(op.Raw(uint32(cb.bitmapRef(live))))
}

// CallT emits a tail call.
func (cb *CodeBuilder) CallT(a uint8, args ...uint8) {
	cb.emit(op.MakeABC(op.CallT, a, uint8(len(args)), 0))
	cb.emitRegs(args)
}

// Eval emits an evaluation to head normal form; live lists the slots
// holding pointers across it.
func (cb *CodeBuilder) Eval(a uint8, live ...int) {
	cb.emit(op.MakeAD(op.Eval, a, 0))
	cb.emit(op.Raw(uint32(cb.bitmapRef(live))))
}

// Ret1 emits a return of the value in the register.
func (cb *CodeBuilder) Ret1(a uint8) {
	cb.emit(op.MakeAD(op.Ret1, a, 0))
}

// Update emits a thunk update: overwrite the closure in a with an
// indirection to the value in d.
func (cb *CodeBuilder) Update(a, d uint8) {
	cb.emit(op.MakeAD(op.Update, a, uint16(d)))
}

// Stop emits a halt.
func (cb *CodeBuilder) Stop() {
	cb.emit(op.MakeAD(op.Stop, 0, 0))
}

// finish resolves label references.
func (cb *CodeBuilder) finish() {
	for _, f := range cb.jumps {
		target, ok := cb.labels[f.label]
		if !ok {
			cb.b.errorf("loader: %s: undefined label %q", cb.itbl.Name(), f.label)
			continue
		}
		cb.code.Ins[f.at] = op.MakeAJ(f.op, f.a, target-(f.at+1))
	}
	for _, f := range cb.cases {
		target, ok := cb.labels[f.label]
		if !ok {
			cb.b.errorf("loader: %s: undefined label %q", cb.itbl.Name(), f.label)
			continue
		}
		if target < f.after {
			cb.b.errorf("loader: %s: case target %q precedes the jump table", cb.itbl.Name(), f.label)
			continue
		}
		cb.code.Ins[f.at] = op.Raw(uint32(target - f.after))
	}
}

func (cb *CodeBuilder) emitRegs(regs []uint8) {
	for w := 0; w < op.RegWords(len(regs)); w++ {
		lo := w * 4
		hi := lo + 4
		if hi > len(regs) {
			hi = len(regs)
		}
		cb.emit(op.PackRegs(regs[lo:hi]))
	}
}
