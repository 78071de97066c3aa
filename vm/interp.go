package vm

import (
	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/jit"
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// Eval evaluates the given closure to head normal form and reports whether
// evaluation completed. The result is available through Result and the
// reason for an unsuccessful stop through ExitCode.
//
// Evaluation runs the built-in entry code, which forces the closure and
// stops. All user code executes in frames pushed above the entry frame.
func (c *Capability) Eval(root object.Ref) bool {
	t := c.thread
	base := frameHeaderWords
	t.stack[base-3] = 0
	t.stack[base-2] = 0
	t.stack[base-1] = 0
	t.stack[base] = object.Word(root)
	t.base = base
	t.lastResult = 0
	if c.flags.Has(config.DebugInterpreter) {
		c.log.Debug().Uint64("root", uint64(root)).Msg("eval")
	}
	return c.run(c.prog.Misc.Entry.ID(), 0)
}

// run is the dispatch loop. The hot machine state (pc, base, node, the heap
// bump window, and the step budget) lives in locals; it is reconciled with
// the capability and the heap only at slow paths and on exit.
func (c *Capability) run(infoID uint16, pc int) bool {
	t := c.thread
	heap := c.heap
	prog := c.prog
	stack := t.stack

	base := t.base
	node := object.NullRef
	code := prog.Info(infoID).Code()
	ins := code.Ins
	hp, hpLim := heap.Bump()
	steps := c.stepLimit
	var lastResult object.Word

	finish := func(e ExitCode) bool {
		heap.SetBump(hp)
		t.base = base
		t.lastResult = lastResult
		c.exitCode = e
		if c.flags.Has(config.DebugInterpreter) {
			c.log.Debug().Str("exit", e.String()).Msg("eval finished")
		}
		return e == ExitOk
	}

	// switchCode transfers control to the code owned by the given info
	// table id at the given offset.
	switchCode := func(id uint16, off int) {
		infoID = id
		code = prog.Info(id).Code()
		ins = code.Ins
		pc = off
	}

	for {
		steps--
		if steps <= 0 {
			c.abortRecording("step budget exhausted")
			return finish(ExitOutOfSteps)
		}
		if c.state == stateSingleStep {
			if c.stepHook != nil {
				c.stepHook(infoID, pc, base)
			}
			if c.flags.Has(config.DebugInterpreter) {
				c.log.Debug().Uint16("info", infoID).Int("pc", pc).Msg("step")
			}
		}
		if c.recorder != nil && c.recorder.Aborted() {
			c.abortRecording("recorder limit")
		}
		rec := c.recorder

		i := ins[pc]
		switch i.Op() {

		case op.Nop:
			pc++

		case op.Stop:
			c.abortRecording("stop")
			return finish(ExitOk)

		case op.Func:
			// The synchronization point: pending state transitions latch
			// here, and compiled fragments are entered here.
			pcWord := object.PC(infoID, pc)
			if c.state == stateInterp && c.requestedState == stateRecord {
				c.requestedState = stateInterp
				if pcWord == c.pendingAnchor {
					c.recorder = jit.NewRecorder(pcWord, c.log, c.flags)
					c.state = stateRecord
					Stats.RecordingsStarted++
				}
			} else if c.state == stateInterp && !c.jitDisabled {
				if frag, ok := c.fragments[pcWord]; ok {
					fsize := int(code.FrameSize)
					st := jit.State{
						Slots:      stack[base : base+fsize],
						Heap:       heap,
						Hp:         hp,
						HpLim:      hpLim,
						Node:       node,
						LastResult: lastResult,
						Steps:      steps,
					}
					Stats.SwitchInterpToAsm++
					ex := frag.Execute(&st)
					Stats.SideExits++
					hp, hpLim = st.Hp, st.HpLim
					c.traceExitHp, c.traceExitHpLim = st.Hp, st.HpLim
					node = st.Node
					stack[base-1] = object.Word(node)
					lastResult = st.LastResult
					steps = st.Steps
					pc = ex.Offset
					continue
				}
			}
			pc++

		case op.Jmp:
			pc += 1 + i.J()

		case op.Case:
			a := int(i.A())
			n := int(i.D())
			ref := heap.Follow(object.Ref(stack[base+a]))
			tag := heap.Tag(ref)
			if rec != nil {
				rec.CaseTag(i.A(), tag, pc)
			}
			after := pc + 1 + n
			pc = after
			if tag >= 1 && int(tag) <= n {
				if off := int(uint32(ins[pc-n+int(tag)-1])); off != 0 {
					pc = after + off
				}
			}

		case op.IsLt, op.IsGe, op.IsLe, op.IsGt, op.IsEq, op.IsNe:
			x := int64(stack[base+int(i.A())])
			y := int64(stack[base+int(i.D())])
			var taken bool
			switch i.Op() {
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
			if rec != nil {
				rec.Cmp(i.Op(), i.A(), i.D(), taken, pc)
			}
			// A comparison that holds falls through to the following
			// jump; one that fails skips it.
			if taken {
				pc++
			} else {
				pc += 2
			}

		case op.Move:
			stack[base+int(i.A())] = stack[base+int(i.D())]
			if rec != nil {
				rec.Move(i.A(), i.D(), pc)
			}
			pc++

		case op.LoadK:
			v := code.Lits[i.D()]
			stack[base+int(i.A())] = v
			if rec != nil {
				rec.LoadImm(i.A(), v, pc)
			}
			pc++

		case op.LoadField:
			ref := heap.Follow(object.Ref(stack[base+int(i.B())]))
			stack[base+int(i.A())] = heap.Payload(ref, int(i.C()))
			if rec != nil {
				rec.LoadField(i.A(), i.B(), i.C(), pc)
			}
			pc++

		case op.LoadFV:
			stack[base+int(i.A())] = heap.Payload(node, int(i.D()))
			if rec != nil {
				rec.LoadFV(i.A(), i.D(), pc)
			}
			pc++

		case op.LoadSelf:
			stack[base+int(i.A())] = object.Word(node)
			if rec != nil {
				rec.LoadSelf(i.A(), pc)
			}
			pc++

		case op.MovRes:
			stack[base+int(i.A())] = lastResult
			if rec != nil {
				rec.MovRes(i.A(), pc)
			}
			pc++

		case op.Neg:
			stack[base+int(i.A())] = object.Word(-int64(stack[base+int(i.D())]))
			if rec != nil {
				rec.Neg(i.A(), i.D(), pc)
			}
			pc++

		case op.Add, op.Sub, op.Mul, op.Div, op.Rem:
			x := int64(stack[base+int(i.B())])
			y := int64(stack[base+int(i.C())])
			var v int64
			switch i.Op() {
			case op.Add:
				v = x + y
			case op.Sub:
				v = x - y
			case op.Mul:
				v = x * y
			case op.Div, op.Rem:
				if y == 0 {
					c.abortRecording("divide by zero")
					return finish(ExitDivideByZero)
				}
				if i.Op() == op.Div {
					v = x / y
				} else {
					v = x % y
				}
			}
			stack[base+int(i.A())] = object.Word(v)
			if rec != nil {
				rec.Arith(i.Op(), i.A(), i.B(), i.C(), pc)
			}
			pc++

		case op.Alloc1, op.Alloc:
			var regs []uint8
			var width int
			if i.Op() == op.Alloc1 {
				regs = []uint8{i.C()}
				width = 2
			} else {
				n := int(i.C())
				rw := op.RegWords(n)
				width = 1 + rw + 1
				regs = make([]uint8, n)
				for k := 0; k < n; k++ {
					regs[k] = ins[pc+1+k/4].Reg(k % 4)
				}
			}
			infoLit := uint16(code.Lits[i.B()])
			need := 1 + len(regs)
			if !mm.Fits(hp, hpLim, need) {
				bitmapRef := uint16(ins[pc+width-1])
				live := code.LiveMap(bitmapRef)
				var err error
				hp, hpLim, err = c.allocSlow(hp, need, live, base, 0)
				if err != nil {
					c.abortRecording("out of memory")
					return finish(ExitOutOfMemory)
				}
				node = object.Ref(stack[base-1])
			}
			at := hp
			heap.WriteWord(at, object.Word(infoLit))
			for k, r := range regs {
				heap.WriteWord(at+1+k, stack[base+int(r)])
			}
			hp += need
			stack[base+int(i.A())] = object.Word(object.Ref(at))
			if rec != nil {
				rec.Alloc(i.A(), infoLit, regs, pc)
			}
			pc += width

		case op.Eval:
			a := int(i.A())
			ref := heap.Follow(object.Ref(stack[base+a]))
			if ref.IsNull() {
				c.abortRecording("null evaluation")
				return finish(ExitUnimplemented)
			}
			if heap.IsBlackholed(ref) {
				c.abortRecording("blackhole")
				return finish(ExitLoop)
			}
			itbl := heap.Info(ref)
			if itbl.Type().IsHNF() {
				// Shorten the indirection chain while we are here.
				stack[base+a] = object.Word(ref)
				lastResult = object.Word(ref)
				if rec != nil {
					rec.EvalHNF(i.A(), pc)
				}
				pc += 2
				continue
			}
			// Thunk or constant applicative form: push an update frame,
			// blackhole the thunk, and enter its code. The thunk's own
			// frame resumes in the built-in update code, which overwrites
			// the thunk with an indirection to the result.
			c.abortRecording("thunk evaluation")
			tcode := itbl.Code()
			updCode := prog.Misc.Update.Code()
			updBase := base + int(code.FrameSize) + frameHeaderWords
			execBase := updBase + int(updCode.FrameSize) + frameHeaderWords
			if execBase+int(tcode.FrameSize) > len(stack) {
				return finish(ExitStackOverflow)
			}
			stack[updBase-3] = object.PC(infoID, pc+2)
			stack[updBase-2] = object.Word(base)
			stack[updBase-1] = object.Word(ref)
			stack[updBase] = object.Word(ref)
			stack[updBase+1] = 0
			stack[execBase-3] = prog.Misc.UpdateEntry
			stack[execBase-2] = object.Word(updBase)
			stack[execBase-1] = object.Word(ref)
			for k := 0; k < int(tcode.FrameSize); k++ {
				stack[execBase+k] = 0
			}
			heap.Blackhole(ref)
			base = execBase
			node = ref
			switchCode(itbl.ID(), 0)

		case op.Update:
			tgt := object.Ref(stack[base+int(i.A())])
			val := stack[base+int(i.D())]
			if tgt.IsStatic() {
				heap.SetInfo(tgt, prog.Misc.StaticInd.ID())
			} else {
				heap.SetInfo(tgt, prog.Misc.Ind.ID())
			}
			heap.SetPayload(tgt, 0, val)
			pc++

		case op.Ret1:
			lastResult = stack[base+int(i.A())]
			c.abortRecording("return")
			prev := int(stack[base-2])
			if prev == 0 {
				return finish(ExitOk)
			}
			saved := stack[base-3]
			base = prev
			node = object.Ref(stack[base-1])
			switchCode(object.PCInfo(saved), object.PCOffset(saved))

		case op.Call:
			argc := int(i.B())
			rw := op.RegWords(argc)
			width := 1 + rw + 1
			for k := 0; k < argc; k++ {
				c.tmp[k] = stack[base+int(ins[pc+1+k/4].Reg(k%4))]
			}
			c.abortRecording("non-tail call")
			fn, nargs, ok := c.unwrapPap(object.Ref(stack[base+int(i.A())]), argc)
			if !ok {
				return finish(ExitUnimplemented)
			}
			itbl := heap.Info(fn)
			fcode := itbl.Code()
			arity := int(fcode.Arity)
			retPC := object.PC(infoID, pc+width)
			switch {
			case nargs == arity:
				newBase := base + int(code.FrameSize) + frameHeaderWords
				if newBase+int(fcode.FrameSize) > len(stack) {
					return finish(ExitStackOverflow)
				}
				stack[newBase-3] = retPC
				stack[newBase-2] = object.Word(base)
				stack[newBase-1] = object.Word(fn)
				c.bindFrame(newBase, fcode, nargs)
				base = newBase
				node = fn
				switchCode(itbl.ID(), 0)
			case nargs < arity:
				live := code.LiveMap(uint16(ins[pc+width-1]))
				ref, e := c.allocPap(&hp, &hpLim, live, base, fn, nargs)
				if e != ExitOk {
					return finish(e)
				}
				node = object.Ref(stack[base-1])
				lastResult = object.Word(ref)
				pc += width
			default:
				e := c.pushOverApplied(&base, retPC, fn, itbl, nargs, arity)
				if e != ExitOk {
					return finish(e)
				}
				node = fn
				switchCode(itbl.ID(), 0)
			}

		case op.CallT:
			argc := int(i.B())
			var regs [object.MaxFrameSlots]uint8
			for k := 0; k < argc; k++ {
				regs[k] = ins[pc+1+k/4].Reg(k % 4)
				c.tmp[k] = stack[base+int(regs[k])]
			}
			fnRef := heap.Follow(object.Ref(stack[base+int(i.A())]))
			if rec != nil {
				// A tail call back to the anchor closes the loop; any
				// other call leaves the trace.
				direct := !fnRef.IsNull() && heap.Info(fnRef).Type() == object.Fun
				if direct {
					itbl := heap.Info(fnRef)
					fcode := itbl.Code()
					anchor := object.PC(itbl.ID(), 0)
					if anchor == rec.Anchor() && int(fcode.Arity) == argc {
						rec.CloseLoop(i.A(), itbl.ID(), regs[:argc], pc)
						c.finishRecording(fcode)
					} else {
						c.abortRecording("tail call leaves trace")
					}
				} else {
					c.abortRecording("tail call leaves trace")
				}
			}
			fn, nargs, ok := c.unwrapPap(fnRef, argc)
			if !ok {
				return finish(ExitUnimplemented)
			}
			itbl := heap.Info(fn)
			fcode := itbl.Code()
			arity := int(fcode.Arity)
			switch {
			case nargs == arity:
				if c.recorder == nil && c.state == stateInterp && !c.jitDisabled {
					target := object.PC(itbl.ID(), 0)
					if c.counters.Tick(target) {
						if _, installed := c.fragments[target]; !installed {
							c.requestedState = stateRecord
							c.pendingAnchor = target
						}
					}
				}
				if base+int(fcode.FrameSize) > len(stack) {
					return finish(ExitStackOverflow)
				}
				c.bindFrame(base, fcode, nargs)
				stack[base-1] = object.Word(fn)
				node = fn
				switchCode(itbl.ID(), 0)
			case nargs < arity:
				// The current frame is dead: nothing in it is live across
				// a partial-application return, so the collector sees only
				// the staged arguments and the caller frames.
				ref, e := c.allocPap(&hp, &hpLim, 0, base, fn, nargs)
				if e != ExitOk {
					return finish(e)
				}
				lastResult = object.Word(ref)
				prev := int(stack[base-2])
				if prev == 0 {
					return finish(ExitOk)
				}
				saved := stack[base-3]
				base = prev
				node = object.Ref(stack[base-1])
				switchCode(object.PCInfo(saved), object.PCOffset(saved))
			default:
				// Rebuild the current frame as an application continuation
				// holding the surplus arguments; the caller linkage words
				// stay in place.
				k := nargs - arity
				if k > object.MaxApArgs {
					return finish(ExitUnimplemented)
				}
				apCode := prog.Misc.Ap[k].Code()
				fnBase := base + int(apCode.FrameSize) + frameHeaderWords
				if fnBase+int(fcode.FrameSize) > len(stack) {
					return finish(ExitStackOverflow)
				}
				stack[base-1] = 0
				for j := 0; j < k; j++ {
					stack[base+j] = c.tmp[arity+j]
				}
				stack[base+k] = 0
				stack[fnBase-3] = prog.Misc.ApEntry[k]
				stack[fnBase-2] = object.Word(base)
				stack[fnBase-1] = object.Word(fn)
				c.bindFrame(fnBase, fcode, arity)
				base = fnBase
				node = fn
				switchCode(itbl.ID(), 0)
			}

		default:
			c.abortRecording("unimplemented instruction")
			return finish(ExitUnimplemented)
		}
	}
}

// bindFrame copies the staged arguments into the slots of the frame at
// base and clears the remaining slots, so stale words never masquerade as
// live pointers.
func (c *Capability) bindFrame(base int, fcode *object.Code, nargs int) {
	stack := c.thread.stack
	copy(stack[base:base+nargs], c.tmp[:nargs])
	for k := nargs; k < int(fcode.FrameSize); k++ {
		stack[base+k] = 0
	}
}

// unwrapPap resolves the callee of an application. Calling a partial
// application applies the underlying function to the stored arguments
// followed by the staged ones, unwrapping nested partial applications as
// needed. Returns false when the callee is not callable or the combined
// argument list does not fit the staging buffer.
func (c *Capability) unwrapPap(fn object.Ref, argc int) (object.Ref, int, bool) {
	heap := c.heap
	for {
		fn = heap.Follow(fn)
		if fn.IsNull() {
			return fn, argc, false
		}
		switch heap.Info(fn).Type() {
		case object.Fun:
			return fn, argc, true
		case object.Pap:
			n := int(uint16(heap.Payload(fn, 0)))
			if argc+n > len(c.tmp)-1 {
				return fn, argc, false
			}
			copy(c.tmp[n:n+argc], c.tmp[:argc])
			for j := 0; j < n; j++ {
				c.tmp[j] = heap.Payload(fn, 2+j)
			}
			argc += n
			fn = object.Ref(heap.Payload(fn, 1))
		default:
			return fn, argc, false
		}
	}
}

// allocPap allocates a partial application of fn to the staged arguments.
// The slow path roots the staged arguments and the function itself through
// the staging buffer. All stored arguments are described as pointers to
// the collector; functions partially applied to unboxed arguments are not
// supported.
func (c *Capability) allocPap(hp, hpLim *int, live uint64, base int, fn object.Ref, nargs int) (object.Ref, ExitCode) {
	heap := c.heap
	need := 3 + nargs
	if !mm.Fits(*hp, *hpLim, need) {
		c.tmp[nargs] = object.Word(fn)
		var err error
		*hp, *hpLim, err = c.allocSlow(*hp, need, live, base, nargs+1)
		if err != nil {
			return object.NullRef, ExitOutOfMemory
		}
		fn = object.Ref(c.tmp[nargs])
	}
	at := *hp
	mask := object.Word(1)<<uint(nargs) - 1
	heap.WriteWord(at, object.Word(c.prog.Misc.Pap.ID()))
	heap.WriteWord(at+1, mask<<16|object.Word(nargs))
	heap.WriteWord(at+2, object.Word(fn))
	for j := 0; j < nargs; j++ {
		heap.WriteWord(at+3+j, c.tmp[j])
	}
	*hp += need
	return object.Ref(at), ExitOk
}

// pushOverApplied pushes an application continuation holding the surplus
// arguments, then the callee's own frame above it. When the callee
// returns, the continuation applies the result to the surplus.
func (c *Capability) pushOverApplied(base *int, retPC object.Word, fn object.Ref, itbl *object.InfoTable, nargs, arity int) ExitCode {
	stack := c.thread.stack
	prog := c.prog
	k := nargs - arity
	if k > object.MaxApArgs {
		return ExitUnimplemented
	}
	fcode := itbl.Code()
	cur := prog.Info(object.PCInfo(retPC)).Code()
	apCode := prog.Misc.Ap[k].Code()
	apBase := *base + int(cur.FrameSize) + frameHeaderWords
	fnBase := apBase + int(apCode.FrameSize) + frameHeaderWords
	if fnBase+int(fcode.FrameSize) > len(stack) {
		return ExitStackOverflow
	}
	stack[apBase-3] = retPC
	stack[apBase-2] = object.Word(*base)
	stack[apBase-1] = 0
	for j := 0; j < k; j++ {
		stack[apBase+j] = c.tmp[arity+j]
	}
	stack[apBase+k] = 0
	stack[fnBase-3] = prog.Misc.ApEntry[k]
	stack[fnBase-2] = object.Word(apBase)
	stack[fnBase-1] = object.Word(fn)
	c.bindFrame(fnBase, fcode, arity)
	*base = fnBase
	return ExitOk
}
