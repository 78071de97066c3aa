package mm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JackBro/lambdachine/object"
)

type testProgram struct {
	prog   *object.Program
	intBox uint16 // one non-pointer word
	cons   uint16 // two pointer words
	ind    uint16
	sind   uint16
	pap    uint16
}

func newTestProgram(t *testing.T) *testProgram {
	t.Helper()
	prog := object.NewProgram()
	tp := &testProgram{prog: prog}
	tp.intBox = prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{
		Type: object.Constr, Size: 1, Tag: 1,
		Layout: object.Layout{Kind: object.LayoutPayload, NPtrs: 1},
		Name:   "I#",
	}))
	tp.cons = prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{
		Type: object.Constr, Size: 2, Tag: 2,
		Layout: object.Layout{Kind: object.LayoutPayload, Ptrs: 2},
		Name:   "Cons",
	}))
	tp.ind = prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{
		Type: object.Ind, Size: 1,
		Layout: object.Layout{Kind: object.LayoutPayload, Ptrs: 1},
		Name:   "IND",
	}))
	tp.sind = prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{
		Type: object.StaticInd, Size: 1,
		Layout: object.Layout{Kind: object.LayoutPayload, Ptrs: 1},
		Name:   "STATIC_IND",
	}))
	tp.pap = prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{
		Type: object.Pap, Name: "PAP",
	}))
	return tp
}

type sliceRoots struct {
	slots []object.Word
}

func (s *sliceRoots) ScanRoots(fn func(*object.Word)) {
	for i := range s.slots {
		fn(&s.slots[i])
	}
}

func TestFits(t *testing.T) {
	require.True(t, Fits(0, 10, 10))
	require.True(t, Fits(5, 10, 5))
	require.False(t, Fits(5, 10, 6))
	require.False(t, Fits(10, 10, 1))
	require.True(t, Fits(10, 10, 0))
}

func TestNewClosure(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog)

	box, err := h.NewClosure(tp.intBox, 42)
	require.NoError(t, err)
	require.False(t, box.IsNull())
	require.Equal(t, tp.intBox, h.InfoID(box))
	require.Equal(t, object.Constr, h.Type(box))
	require.Equal(t, uint16(1), h.Tag(box))
	require.Equal(t, object.Word(42), h.Payload(box, 0))

	h.SetPayload(box, 0, 43)
	require.Equal(t, object.Word(43), h.Payload(box, 0))
}

func TestBlackhole(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog)

	box, err := h.NewClosure(tp.intBox, 1)
	require.NoError(t, err)
	require.False(t, h.IsBlackholed(box))

	h.Blackhole(box)
	require.True(t, h.IsBlackholed(box))
	require.Equal(t, object.Blackhole, h.Type(box))
	// The underlying table survives the mark, so the payload stays
	// scannable.
	require.Equal(t, tp.intBox, h.InfoID(box))

	h.SetInfo(box, tp.ind)
	require.False(t, h.IsBlackholed(box))
	require.Equal(t, tp.ind, h.InfoID(box))
}

func TestFollow(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog)

	box, err := h.NewClosure(tp.intBox, 9)
	require.NoError(t, err)
	ind1, err := h.NewClosure(tp.ind, object.Word(box))
	require.NoError(t, err)
	ind2, err := h.NewClosure(tp.ind, object.Word(ind1))
	require.NoError(t, err)

	require.Equal(t, box, h.Follow(ind2))
	require.Equal(t, box, h.Follow(ind1))
	require.Equal(t, box, h.Follow(box))
	require.True(t, h.Follow(object.NullRef).IsNull())

	// A blackholed closure terminates the chain.
	h.Blackhole(ind1)
	require.Equal(t, ind1, h.Follow(ind2))
}

func TestCollectPreservesLiveData(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog, WithSize(128))

	// Live: Cons(I# 1, Cons(I# 2, I# 0-as-nil)). Garbage: a pile of boxes.
	nilBox, err := h.NewClosure(tp.intBox, 0)
	require.NoError(t, err)
	box2, err := h.NewClosure(tp.intBox, 2)
	require.NoError(t, err)
	cons2, err := h.NewClosure(tp.cons, object.Word(box2), object.Word(nilBox))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := h.NewClosure(tp.intBox, object.Word(100+i))
		require.NoError(t, err)
	}
	box1, err := h.NewClosure(tp.intBox, 1)
	require.NoError(t, err)
	cons1, err := h.NewClosure(tp.cons, object.Word(box1), object.Word(cons2))
	require.NoError(t, err)

	before, _ := h.Bump()
	roots := &sliceRoots{slots: []object.Word{object.Word(cons1)}}
	h.Collect(roots)
	after, _ := h.Bump()

	require.Equal(t, uint64(1), h.Collections())
	require.Less(t, after, before, "garbage should be reclaimed")

	head := object.Ref(roots.slots[0])
	require.Equal(t, object.Constr, h.Type(head))
	require.Equal(t, uint16(2), h.Tag(head))
	h1 := object.Ref(h.Payload(head, 0))
	require.Equal(t, object.Word(1), h.Payload(h1, 0))
	tail := object.Ref(h.Payload(head, 1))
	h2 := object.Ref(h.Payload(tail, 0))
	require.Equal(t, object.Word(2), h.Payload(h2, 0))
	rest := object.Ref(h.Payload(tail, 1))
	require.Equal(t, object.Word(0), h.Payload(rest, 0))
}

func TestCollectScansStaticPayloads(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog, WithSize(64))

	box, err := h.NewClosure(tp.intBox, 7)
	require.NoError(t, err)
	// An updated constant applicative form: a static indirection into the
	// collected heap.
	caf := h.AllocStatic(tp.sind, object.Word(box))
	require.True(t, caf.IsStatic())

	h.Collect(nil)

	target := object.Ref(h.Payload(caf, 0))
	require.False(t, target.IsStatic())
	require.Equal(t, object.Word(7), h.Payload(target, 0))
	require.Equal(t, target, h.Follow(caf))
}

func TestCollectSizesPartialApplications(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog, WithSize(64))

	fn, err := h.NewClosure(tp.intBox, 1) // stands in for the function
	require.NoError(t, err)
	arg, err := h.NewClosure(tp.intBox, 2)
	require.NoError(t, err)
	// One stored argument, argument mask marks it a pointer.
	meta := object.Word(1)<<16 | 1
	pap, err := h.NewClosure(tp.pap, meta, object.Word(fn), object.Word(arg))
	require.NoError(t, err)

	roots := &sliceRoots{slots: []object.Word{object.Word(pap)}}
	h.Collect(roots)

	moved := object.Ref(roots.slots[0])
	require.Equal(t, meta, h.Payload(moved, 0))
	fn2 := object.Ref(h.Payload(moved, 1))
	arg2 := object.Ref(h.Payload(moved, 2))
	require.Equal(t, object.Word(1), h.Payload(fn2, 0))
	require.Equal(t, object.Word(2), h.Payload(arg2, 0))
}

func TestAllocSlowCollectsAndFails(t *testing.T) {
	tp := newTestProgram(t)
	h := NewHeap(tp.prog, WithSize(16))

	live, err := h.NewClosure(tp.intBox, 1)
	require.NoError(t, err)
	for {
		if _, err := h.NewClosure(tp.intBox, 0); err != nil {
			break
		}
	}
	roots := &sliceRoots{slots: []object.Word{object.Word(live)}}

	hp, _ := h.Bump()
	hp, hpLim, err := h.AllocSlow(roots, hp, 2)
	require.NoError(t, err, "collection should reclaim the garbage boxes")
	require.True(t, Fits(hp, hpLim, 2))

	// Now fill the heap with live data; a further allocation cannot
	// succeed.
	var keep []object.Word
	for {
		r, err := h.NewClosure(tp.intBox, 0)
		if err != nil {
			break
		}
		keep = append(keep, object.Word(r))
	}
	roots = &sliceRoots{slots: append(keep, object.Word(live))}
	hp, _ = h.Bump()
	_, _, err = h.AllocSlow(roots, hp, 2)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
