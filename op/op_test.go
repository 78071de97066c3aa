package op

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeABC(t *testing.T) {
	ins := MakeABC(Add, 1, 2, 3)
	require.Equal(t, Add, ins.Op())
	require.Equal(t, uint8(1), ins.A())
	require.Equal(t, uint8(2), ins.B())
	require.Equal(t, uint8(3), ins.C())
}

func TestMakeAD(t *testing.T) {
	ins := MakeAD(LoadK, 7, 0x1234)
	require.Equal(t, LoadK, ins.Op())
	require.Equal(t, uint8(7), ins.A())
	require.Equal(t, uint16(0x1234), ins.D())
}

func TestMakeAJ(t *testing.T) {
	for _, j := range []int{0, 1, -1, 100, -100, 0x7fff, -0x8000} {
		ins := MakeAJ(Jmp, 0, j)
		require.Equal(t, Jmp, ins.Op())
		require.Equal(t, j, ins.J(), "offset %d should round trip", j)
	}
}

func TestPackRegs(t *testing.T) {
	w := PackRegs([]uint8{10, 20, 30, 40})
	require.Equal(t, uint8(10), w.Reg(0))
	require.Equal(t, uint8(20), w.Reg(1))
	require.Equal(t, uint8(30), w.Reg(2))
	require.Equal(t, uint8(40), w.Reg(3))

	partial := PackRegs([]uint8{5})
	require.Equal(t, uint8(5), partial.Reg(0))
	require.Equal(t, uint8(0), partial.Reg(1))
}

func TestRegWords(t *testing.T) {
	require.Equal(t, 0, RegWords(0))
	require.Equal(t, 1, RegWords(1))
	require.Equal(t, 1, RegWords(4))
	require.Equal(t, 2, RegWords(5))
	require.Equal(t, 2, RegWords(8))
}

func TestWidth(t *testing.T) {
	code := []Ins{
		MakeAD(Func, 0, 2),
		MakeAD(Move, 0, 1),
		MakeABC(Call, 0, 2, 0),
		PackRegs([]uint8{0, 1}),
		Raw(0), // bitmap ref
		MakeAD(Eval, 0, 0),
		Raw(0), // bitmap ref
		MakeABC(Alloc, 0, 0, 5),
		PackRegs([]uint8{0, 1, 2, 3}),
		PackRegs([]uint8{4}),
		Raw(0), // bitmap ref
		MakeAD(Case, 0, 2),
		Raw(0),
		Raw(0),
		MakeABC(CallT, 0, 3, 0),
		PackRegs([]uint8{0, 1, 2}),
	}
	require.Equal(t, 1, Width(code, 0))
	require.Equal(t, 1, Width(code, 1))
	require.Equal(t, 3, Width(code, 2))
	require.Equal(t, 2, Width(code, 5))
	require.Equal(t, 4, Width(code, 7))
	require.Equal(t, 3, Width(code, 11))
	require.Equal(t, 2, Width(code, 14))
}

func TestGetInfo(t *testing.T) {
	info := GetInfo(CallT)
	require.Equal(t, "CALLT", info.Name)
	require.Equal(t, FmtABC, info.Format)

	require.Equal(t, FmtAJ, GetInfo(Jmp).Format)
	require.Equal(t, FmtAD, GetInfo(IsLt).Format)
	require.Equal(t, "", GetInfo(Invalid).Name)
}
