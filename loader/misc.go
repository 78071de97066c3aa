package loader

import (
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// installMisc registers the built-in info tables and bytecode every linked
// program carries: the canonical shapes the interpreter writes (indirections,
// blackholes, partial applications) and the built-in code for evaluation
// entry, thunk update, and over-application continuations.
func installMisc(prog *object.Program) {
	onePtr := object.Layout{Kind: object.LayoutPayload, Ptrs: 1}

	prog.Misc.Ind = object.NewInfoTable(object.InfoTableParams{
		Type: object.Ind, Size: 1, Layout: onePtr, Name: "IND",
	})
	prog.RegisterInfo(prog.Misc.Ind)

	prog.Misc.StaticInd = object.NewInfoTable(object.InfoTableParams{
		Type: object.StaticInd, Size: 1, Layout: onePtr, Name: "STATIC_IND",
	})
	prog.RegisterInfo(prog.Misc.StaticInd)

	prog.Misc.Blackhole = object.NewInfoTable(object.InfoTableParams{
		Type: object.Blackhole, Size: 1, Name: "BLACKHOLE",
	})
	prog.RegisterInfo(prog.Misc.Blackhole)

	// Partial applications size and scan themselves from their meta word;
	// the table carries no layout of its own.
	prog.Misc.Pap = object.NewInfoTable(object.InfoTableParams{
		Type: object.Pap, Name: "PAP",
	})
	prog.RegisterInfo(prog.Misc.Pap)

	installEntry(prog)
	installUpdate(prog)
	installApConts(prog)
}

// installEntry builds the evaluation entry code: force the closure in slot
// 0, move the result back into slot 0, stop. Every Eval call runs it as the
// bottom frame.
func installEntry(prog *object.Program) {
	code := &object.Code{
		FrameSize: 1,
		Arity:     1,
		Ins: []op.Ins{
			op.MakeAD(op.Func, 0, 1),
			op.MakeAD(op.Eval, 0, 0),
			op.Raw(0), // live: slot 0
			op.MakeAD(op.MovRes, 0, 0),
			op.MakeAD(op.Stop, 0, 0),
		},
		Bitmaps: object.EncodeBitmap([]int{0}),
	}
	prog.Misc.Entry = object.NewInfoTable(object.InfoTableParams{
		Type: object.Fun, Name: "ENTRY", Code: code,
	})
	prog.RegisterInfo(prog.Misc.Entry)
	prog.Misc.EntryEval = 1
}

// installUpdate builds the update-frame code. Slot 0 holds the thunk under
// evaluation; when the thunk's code returns, the frame resumes here,
// overwrites the thunk with an indirection to the result, and propagates
// the result to its own caller.
func installUpdate(prog *object.Program) {
	code := &object.Code{
		FrameSize: 2,
		Ins: []op.Ins{
			op.MakeAD(op.Func, 0, 2),
			op.Raw(0), // live: slot 0 (the thunk)
			op.MakeAD(op.MovRes, 1, 0),
			op.MakeAD(op.Update, 0, 1),
			op.MakeAD(op.Ret1, 1, 0),
		},
		Bitmaps: object.EncodeBitmap([]int{0}),
	}
	prog.Misc.Update = object.NewInfoTable(object.InfoTableParams{
		Type: object.UpdateFrame, Name: "UPDATE", Code: code,
	})
	id := prog.RegisterInfo(prog.Misc.Update)
	prog.Misc.UpdateEntry = object.PC(id, 2)
}

// installApConts builds the over-application continuations. Ap[k] holds k
// surplus arguments in slots 0..k-1; when the partial call returns a
// function, the continuation tail-calls it with the surplus.
func installApConts(prog *object.Program) {
	for k := 1; k <= object.MaxApArgs; k++ {
		live := make([]int, k)
		args := make([]uint8, k)
		for j := 0; j < k; j++ {
			live[j] = j
			args[j] = uint8(j)
		}
		ins := []op.Ins{
			op.MakeAD(op.Func, 0, uint16(k+1)),
			op.Raw(0), // live: slots 0..k-1
			op.MakeAD(op.MovRes, uint8(k), 0),
			op.MakeABC(op.CallT, uint8(k), uint8(k), 0),
		}
		for w := 0; w < op.RegWords(k); w++ {
			lo := w * 4
			hi := lo + 4
			if hi > k {
				hi = k
			}
			ins = append(ins, op.PackRegs(args[lo:hi]))
		}
		code := &object.Code{
			FrameSize: uint8(k + 1),
			Ins:       ins,
			Bitmaps:   object.EncodeBitmap(live),
		}
		itbl := object.NewInfoTable(object.InfoTableParams{
			Type: object.ApCont, Name: apName(k), Code: code,
		})
		id := prog.RegisterInfo(itbl)
		prog.Misc.Ap[k] = itbl
		prog.Misc.ApEntry[k] = object.PC(id, 2)
	}
}

func apName(k int) string {
	return "AP" + string(rune('0'+k))
}
