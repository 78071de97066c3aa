package loader

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

func TestMiscCodesInstalled(t *testing.T) {
	b := NewBuilder()
	prog := b.Program()

	require.NotNil(t, prog.Misc.Ind)
	require.Equal(t, object.Ind, prog.Misc.Ind.Type())
	require.Equal(t, object.StaticInd, prog.Misc.StaticInd.Type())
	require.Equal(t, object.Pap, prog.Misc.Pap.Type())

	entry := prog.Misc.Entry
	require.Equal(t, object.Fun, entry.Type())
	require.Equal(t, op.Func, entry.Code().Ins[0].Op())
	require.Equal(t, op.Eval, entry.Code().Ins[prog.Misc.EntryEval].Op())

	upd := prog.Misc.Update
	require.Equal(t, object.UpdateFrame, upd.Type())
	require.Equal(t, upd.ID(), object.PCInfo(prog.Misc.UpdateEntry))
	off := object.PCOffset(prog.Misc.UpdateEntry)
	require.Equal(t, op.MovRes, upd.Code().Ins[off].Op())
	// The word before every resume point is the frame's pointer bitmap.
	require.Equal(t, uint64(1), upd.Code().LiveMap(uint16(upd.Code().Ins[off-1])))

	for k := 1; k <= object.MaxApArgs; k++ {
		ap := prog.Misc.Ap[k]
		require.Equal(t, object.ApCont, ap.Type())
		require.Equal(t, uint8(k+1), ap.Code().FrameSize)
		off := object.PCOffset(prog.Misc.ApEntry[k])
		require.Equal(t, op.MovRes, ap.Code().Ins[off].Op())
		want := uint64(1)<<uint(k) - 1
		require.Equal(t, want, ap.Code().LiveMap(uint16(ap.Code().Ins[off-1])))
	}
}

func TestBuilderLabels(t *testing.T) {
	b := NewBuilder()
	cb := b.Function("f", 2, 1)
	cb.Cmp(op.IsGe, 0, 1)
	cb.Jmp("done")
	cb.LoadK(0, cb.Int(1))
	cb.Label("done")
	cb.Ret1(0)

	prog, _, err := b.Link()
	require.NoError(t, err)

	code := prog.Info(cb.ID()).Code()
	// Func, IsGe, Jmp, LoadK, Ret1
	require.Equal(t, op.Jmp, code.Ins[2].Op())
	require.Equal(t, 1, code.Ins[2].J(), "jump lands on the return")
}

func TestBuilderLiteralInterning(t *testing.T) {
	b := NewBuilder()
	cb := b.Function("f", 1, 1)
	i1 := cb.Int(42)
	i2 := cb.Int(42)
	i3 := cb.Int(43)
	require.Equal(t, i1, i2)
	require.NotEqual(t, i1, i3)

	w := cb.WordLit(42)
	require.NotEqual(t, i1, w, "literal identity includes the type")
	cb.Ret1(0)
	_, _, err := b.Link()
	require.NoError(t, err)
}

func TestBuilderBitmapDedup(t *testing.T) {
	b := NewBuilder()
	cb := b.Function("f", 3, 1)
	cb.Eval(0, 0, 1)
	cb.MovRes(0)
	cb.Eval(0, 0, 1)
	cb.MovRes(0)
	cb.Eval(0, 2)
	cb.MovRes(0)
	cb.Ret1(0)
	prog, _, err := b.Link()
	require.NoError(t, err)

	code := prog.Info(cb.ID()).Code()
	first := uint16(code.Ins[2])
	second := uint16(code.Ins[5])
	third := uint16(code.Ins[8])
	require.Equal(t, first, second)
	require.NotEqual(t, first, third)
	require.Equal(t, uint64(0b11), code.LiveMap(first))
	require.Equal(t, uint64(0b100), code.LiveMap(third))
}

func TestLinkReportsAllErrors(t *testing.T) {
	b := NewBuilder()

	cb := b.Function("bad", 1, 2) // frame smaller than arity
	cb.Cmp(op.IsGe, 0, 1)         // register out of frame, no jump follows
	cb.Ret1(0)

	cb2 := b.Function("worse", 2, 0)
	cb2.Jmp("nowhere") // undefined label
	cb2.Ret1(0)

	_, _, err := b.Link()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "bad")
	require.Contains(t, msg, "worse")
	require.Contains(t, msg, "nowhere")
	require.Contains(t, msg, "arguments")
}

func TestLinkValidatesStaticPayloads(t *testing.T) {
	b := NewBuilder()
	box := b.Constr("I#", 1, 0, 1)
	b.Static(box) // one word short of the declared size

	_, _, err := b.Link()
	require.Error(t, err)
	require.Contains(t, err.Error(), "payload")

	// The undersized static was padded, so the region stays scannable.
	require.NotPanics(t, func() { b.Heap().Collect(nil) })
}

func TestLinkValidatesStaticPapMeta(t *testing.T) {
	b := NewBuilder()
	pap := b.Program().Misc.Pap.ID()
	fn := object.Word(0)
	// The meta word declares two arguments, the payload holds one.
	b.Static(pap, object.Word(0b11)<<16|2, fn, 7)

	_, _, err := b.Link()
	require.Error(t, err)
	require.Contains(t, err.Error(), "arguments")
}

func TestLinkValidatesCallResumePoint(t *testing.T) {
	b := NewBuilder()
	box := b.Constr("I#", 1, 0, 1)
	callee := b.Function("g", 1, 0)
	callee.Ret1(0)
	gRef := b.Static(callee.ID())

	cb := b.Function("f", 2, 0)
	cb.LoadK(0, cb.ClosureLit(gRef))
	cb.Call(0, nil)
	// An allocation here could collect away the pending result.
	cb.Alloc1(0, cb.InfoLit(box), 1)
	cb.Ret1(0)

	_, _, err := b.Link()
	require.Error(t, err)
	require.Contains(t, err.Error(), "resume point")
}

func TestLinkValidatesComparisonPlacement(t *testing.T) {
	b := NewBuilder()
	cb := b.Function("f", 2, 2)
	cb.Cmp(op.IsLt, 0, 1)
	cb.Ret1(0) // a comparison must be followed by a jump
	_, _, err := b.Link()
	require.Error(t, err)
	require.Contains(t, err.Error(), "not followed by a jump")
}

func TestModuleRoundTrip(t *testing.T) {
	m := &Module{
		Name: "demo",
		Infos: []InfoDef{
			{
				Name: "I#", Type: uint8(object.Constr), Size: 1, Tag: 1,
				NPtrs: 1,
			},
			{
				Name: "main", Type: uint8(object.CAF), Size: 1, Ptrs: 1,
				Code: &CodeDef{
					FrameSize: 1,
					Lits: []LitDef{
						{Type: uint8(object.LitInt), Value: 5},
						{Type: uint8(object.LitInfo), Value: 0},
					},
					Ins: []uint32{
						uint32(op.MakeAD(op.Func, 0, 1)),
						uint32(op.MakeAD(op.LoadK, 0, 0)),
						uint32(op.MakeABC(op.Alloc1, 0, 1, 0)),
						uint32(op.Raw(uint32(object.NoBitmap))),
						uint32(op.MakeAD(op.Ret1, 0, 0)),
					},
				},
			},
		},
		Statics: []StaticDef{
			{Info: 1, Payload: []PayloadWord{{Static: -1}}},
		},
		Root: 0,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteModule(&buf, m))
	decoded, err := ReadModule(&buf)
	require.NoError(t, err)
	require.Equal(t, "demo", decoded.Name)
	require.Len(t, decoded.Infos, 2)

	prog, heap, err := LoadModule(decoded)
	require.NoError(t, err)
	root := prog.Root()
	require.True(t, root.IsStatic())
	require.Equal(t, object.CAF, heap.Type(root))

	// The info literal was translated from the module-local index to the
	// registered id.
	code := heap.Info(root).Code()
	boxID := code.Lits[1]
	require.Equal(t, "I#", prog.Info(uint16(boxID)).Name())
}

func TestLoadModuleRejectsShortStaticPayload(t *testing.T) {
	m := &Module{
		Infos: []InfoDef{
			{
				Name: "Box", Type: uint8(object.Constr), Size: 1, Tag: 1,
				LayoutKind: uint8(object.LayoutPayload), Ptrs: 1,
			},
		},
		Statics: []StaticDef{
			{Info: 0}, // no payload despite the declared size
		},
		Root: -1,
	}
	_, _, err := LoadModule(m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "payload")
}

func TestLoadModuleRejectsBadReferences(t *testing.T) {
	m := &Module{
		Infos: []InfoDef{
			{Name: "f", Type: uint8(object.Fun), Code: &CodeDef{
				FrameSize: 1,
				Lits:      []LitDef{{Type: uint8(object.LitInfo), Value: 99}},
				Ins:       []uint32{uint32(op.MakeAD(op.Func, 0, 1))},
			}},
		},
		Root: -1,
	}
	_, _, err := LoadModule(m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
}
