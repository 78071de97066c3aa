package jit

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/JackBro/lambdachine/config"
	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

func TestHotCountersTick(t *testing.T) {
	hc := NewHotCounters(3)
	pc := object.PC(5, 0)
	require.False(t, hc.Tick(pc))
	require.False(t, hc.Tick(pc))
	require.True(t, hc.Tick(pc), "third arrival reaches the threshold")
	// Triggering resets the counter.
	require.Equal(t, uint16(0), hc.Count(pc))
	require.False(t, hc.Tick(pc))
}

func TestHotCountersReset(t *testing.T) {
	hc := NewHotCounters(10)
	pc := object.PC(1, 0)
	hc.Tick(pc)
	hc.Tick(pc)
	require.Equal(t, uint16(2), hc.Count(pc))
	hc.Reset(pc)
	require.Equal(t, uint16(0), hc.Count(pc))
}

func newTestRecorder(anchor object.Word) *Recorder {
	return NewRecorder(anchor, zerolog.Nop(), 0)
}

func TestRecorderCloseAndFinish(t *testing.T) {
	anchor := object.PC(2, 0)
	rec := newTestRecorder(anchor)
	rec.Cmp(op.IsGe, 0, 1, false, 1)
	rec.LoadImm(2, 1, 3)
	rec.Arith(op.Add, 0, 0, 2, 4)
	rec.CloseLoop(2, 2, []uint8{0, 1}, 6)
	require.True(t, rec.Closed())
	require.False(t, rec.Aborted())

	trace, err := rec.Finish()
	require.NoError(t, err)
	require.Equal(t, anchor, trace.Anchor)
	require.Equal(t, 4, trace.Len())
	require.Equal(t, 1, trace.Guards())
}

func TestRecorderAbort(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	rec.Move(0, 1, 1)
	rec.Abort("non-tail call")
	require.True(t, rec.Aborted())

	// Recording after an abort is ignored.
	rec.Move(1, 0, 2)
	rec.CloseLoop(0, 2, nil, 3)
	require.False(t, rec.Closed())

	_, err := rec.Finish()
	require.Error(t, err)
}

func TestRecorderOpenTrace(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	rec.Move(0, 1, 1)
	_, err := rec.Finish()
	require.ErrorIs(t, err, ErrTraceOpen)
}

func TestRecorderFalseLoop(t *testing.T) {
	// A closed loop with no data-dependent guards would spin forever in
	// compiled code.
	rec := newTestRecorder(object.PC(2, 0))
	rec.LoadImm(1, 42, 1)
	rec.CloseLoop(1, 2, []uint8{0}, 2)
	_, err := rec.Finish()
	require.ErrorIs(t, err, ErrFalseLoop)
}

func TestRecorderLengthLimit(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	for i := 0; i <= config.MaxTraceLength; i++ {
		rec.Move(0, 1, 1)
	}
	require.True(t, rec.Aborted())
}

func TestRecorderAllocBudget(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	for i := 0; i <= config.MaxHeapEntries; i++ {
		rec.Alloc(0, 3, []uint8{1}, 1)
	}
	require.True(t, rec.Aborted())
}

func TestCompileRejectsOpenTrace(t *testing.T) {
	_, err := Compile(nil, 4, zerolog.Nop(), 0)
	require.ErrorIs(t, err, ErrTraceOpen)
}

func TestCompileClosedTrace(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	rec.Cmp(op.IsGe, 0, 1, false, 1)
	rec.LoadImm(2, 1, 3)
	rec.Arith(op.Add, 0, 0, 2, 4)
	rec.CloseLoop(2, 2, []uint8{0, 1}, 6)
	trace, err := rec.Finish()
	require.NoError(t, err)

	frag, err := Compile(trace, 3, zerolog.Nop(), 0)
	require.NoError(t, err)
	require.Equal(t, object.PC(2, 0), frag.Anchor())
	require.NotEqual(t, "", frag.ID().String())
}

func TestCompileRejectsOutOfFrameRegisters(t *testing.T) {
	rec := newTestRecorder(object.PC(2, 0))
	rec.Cmp(op.IsGe, 0, 1, false, 1)
	rec.CloseLoop(2, 2, []uint8{0, 5}, 6)
	trace, err := rec.Finish()
	require.NoError(t, err)

	_, err = Compile(trace, 3, zerolog.Nop(), 0)
	require.Error(t, err)
}

// loopProgram registers a pad table (id 1) and a function table (id 2) and
// returns a heap with a static closure of the function.
func loopProgram(t *testing.T) (*mm.Heap, object.Ref) {
	t.Helper()
	prog := object.NewProgram()
	prog.RegisterInfo(object.NewInfoTable(object.InfoTableParams{Type: object.Constr, Tag: 1, Name: "pad"}))
	fnTable := object.NewInfoTable(object.InfoTableParams{Type: object.Fun, Name: "loop"})
	prog.RegisterInfo(fnTable)
	require.Equal(t, uint16(2), fnTable.ID())
	heap := mm.NewHeap(prog)
	return heap, heap.AllocStatic(2)
}

// recordCountLoop builds the trace of: loop(n, lim) { if n >= lim exit;
// n += 1; loop(n, lim) }. The body reloads the callee closure the way the
// interpreter records a literal load before a tail call.
func recordCountLoop(t *testing.T, fnRef object.Ref) *Trace {
	t.Helper()
	rec := newTestRecorder(object.PC(2, 0))
	rec.Cmp(op.IsGe, 0, 1, false, 1)
	rec.LoadImm(2, 1, 3)
	rec.Arith(op.Add, 0, 0, 2, 4)
	rec.LoadImm(3, object.Word(fnRef), 5)
	rec.CloseLoop(3, 2, []uint8{0, 1}, 6)
	trace, err := rec.Finish()
	require.NoError(t, err)
	return trace
}

func TestFragmentExecuteCountingLoop(t *testing.T) {
	heap, fnRef := loopProgram(t)
	frag, err := Compile(recordCountLoop(t, fnRef), 4, zerolog.Nop(), 0)
	require.NoError(t, err)

	slots := []object.Word{3, 10, 0, object.Word(fnRef)}
	st := &State{
		Slots: slots,
		Heap:  heap,
		Steps: 1000,
	}
	ex := frag.Execute(st)
	require.Equal(t, ExitGuard, ex.Kind)
	require.Equal(t, 1, ex.Offset, "exit resumes at the comparison")
	require.Equal(t, object.Word(10), slots[0])
	require.Equal(t, fnRef, st.Node)
}

func TestFragmentExecuteStepBudget(t *testing.T) {
	heap, fnRef := loopProgram(t)
	frag, err := Compile(recordCountLoop(t, fnRef), 4, zerolog.Nop(), 0)
	require.NoError(t, err)

	st := &State{
		Slots: []object.Word{0, 1 << 40, 0, object.Word(fnRef)},
		Heap:  heap,
		Steps: 10,
	}
	ex := frag.Execute(st)
	require.Equal(t, ExitSteps, ex.Kind)
	require.LessOrEqual(t, st.Steps, int64(0))
}
