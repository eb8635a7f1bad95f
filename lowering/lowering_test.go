package lowering

import (
	"testing"

	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

var mDim, nDim, kDim = symbolic.S("M"), symbolic.S("N"), symbolic.S("K")

func gemmProgram(t *testing.T) *kernel.Program {
	t.Helper()
	p := kernel.New("gemm")
	a := p.Input("a", dtypes.Float16, mDim, kDim)
	b := p.Input("b", dtypes.Float16, nDim, kDim)
	c := p.Output("c", dtypes.Float32, mDim, nDim)
	acc := p.Zero(dtypes.Float32, mDim, nDim)
	loop := p.Iterate(kDim, acc)
	updated := p.MMA(p.Read(a), p.Read(b), loop.Carried(0))
	p.Write(loop.End(updated)[0], c)
	return p
}

func gemmConstraints(waveTile int) []constraints.Constraint {
	return []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		constraints.Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 1},
		constraints.Tiling{Dim: kDim, Tile: symbolic.Const(32)},
		constraints.Wave{Dim: mDim, Tile: symbolic.Const(waveTile)},
		constraints.Wave{Dim: nDim, Tile: symbolic.Const(waveTile)},
		constraints.Hardware{GroupWidth: 64, Instruction: constraints.MMAF32_16x16x16_F16},
	}
}

func lowerGemm(t *testing.T, bindings symbolic.Bindings, waveTile int) (*kernel.Program, *Program) {
	t.Helper()
	p := gemmProgram(t)
	geo, err := constraints.Resolve(p, gemmConstraints(waveTile), bindings)
	require.NoError(t, err)
	lowered, err := Lower(p, geo, bindings)
	require.NoError(t, err)
	return p, lowered
}

func opKinds(p *Program) []OpKind {
	kinds := make([]OpKind, 0, len(p.Ops))
	for i := range p.Ops {
		kinds = append(kinds, p.Ops[i].Kind)
	}
	return kinds
}

func TestLowerGemm(t *testing.T) {
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
	_, lowered := lowerGemm(t, bindings, 32)

	// Populate (cooperative copy to shared), barrier, consume, accumulate,
	// trailing barrier for the next iteration's populate, exit, write-back.
	require.Equal(t, []OpKind{
		OpZero,
		OpLoopEnter,
		OpLoad, OpStore, // a -> a.shared
		OpLoad, OpStore, // b -> b.shared
		OpBarrier,
		OpLoad, OpLoad,
		OpMMA,
		OpBarrier,
		OpLoopExit,
		OpStore,
	}, opKinds(lowered))
	require.Equal(t, []int{6, 10}, lowered.Barriers())

	require.Len(t, lowered.Shared, 2)
	require.Equal(t, "a.shared", lowered.Shared[0].Name)
	require.Equal(t, []int{64, 32}, lowered.Shared[0].Dims)
	require.Equal(t, "b.shared", lowered.Shared[1].Name)
	require.Equal(t, uintptr(2*64*32*2), lowered.SharedBytes())

	enter := lowered.Ops[1]
	require.Equal(t, kDim, enter.Dim)
	require.Equal(t, IterationSymbol(kDim), enter.IV)
	require.Equal(t, 32, enter.Step)
	require.Equal(t, 4, enter.TripCount)
	require.Len(t, enter.Init, 1)
	require.Len(t, enter.Carried, 1)

	// Cooperative copy addresses the full workgroup tile of a.
	populate := lowered.Ops[2]
	require.Equal(t, shapes.Global, populate.Access.Space)
	require.Equal(t, "a", populate.Access.Memory)
	require.Equal(t, "64*$wg0", populate.Access.Index[0].String())
	require.Equal(t, "32*$iv_K", populate.Access.Index[1].String())
	require.Equal(t, []int{64, 32}, populate.Access.Extent)
	require.False(t, populate.Access.Masked())
	require.Equal(t, 8, populate.VectorWidth)

	// The consume load addresses the staging buffer by wave offset only.
	consume := lowered.Ops[7]
	require.Equal(t, shapes.Shared, consume.Access.Space)
	require.Equal(t, "a.shared", consume.Access.Memory)
	require.Equal(t, "32*$wave0", consume.Access.Index[0].String())
	require.Equal(t, "0", consume.Access.Index[1].String())
	require.Equal(t, []int{32, 32}, consume.Access.Extent)
	require.False(t, consume.Access.Masked())

	mma := lowered.Ops[9]
	require.Equal(t, constraints.MMAF32_16x16x16_F16, mma.Instruction)
	require.Equal(t, 2, mma.StepsM)
	require.Equal(t, 2, mma.StepsN)
	require.Equal(t, 2, mma.StepsK)
	require.False(t, mma.MaskedMMA)

	exit := lowered.Ops[11]
	require.Equal(t, exit.Finals, []ValueID{mma.Result})

	// Write-back addresses c per wave.
	store := lowered.Ops[12]
	require.Equal(t, "c", store.Access.Memory)
	require.Equal(t, "32*$wave0 + 64*$wg0", store.Access.Index[0].String())
	require.Equal(t, "32*$wave1 + 64*$wg1", store.Access.Index[1].String())
	require.Equal(t, []int{32, 32}, store.Access.Extent)
	require.Equal(t, 4, store.VectorWidth)
	require.Equal(t, exit.Results, store.Args)
}

func TestLowerRaggedIteration(t *testing.T) {
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 100}
	_, lowered := lowerGemm(t, bindings, 32)

	enter := lowered.Ops[1]
	require.Equal(t, 4, enter.TripCount)

	// The K axis of every access to a and b carries a masking bound.
	populate := lowered.Ops[2]
	require.True(t, populate.Access.Masked())
	require.Equal(t, symbolic.Expr{}, populate.Access.Bounds[0])
	require.Equal(t, "-32*$iv_K + 100", populate.Access.Bounds[1].String())

	consume := lowered.Ops[7]
	require.True(t, consume.Access.Masked())
	require.Equal(t, "-32*$iv_K + 100", consume.Access.Bounds[1].String())

	// Aligned output stays unmasked; the accumulate masks its K lanes.
	mma := lowered.Ops[9]
	require.True(t, mma.MaskedMMA)
	store := lowered.Ops[12]
	require.False(t, store.Access.Masked())
}

func TestLowerSymbolicSize(t *testing.T) {
	// K stays unbound until dispatch: the loop carries a symbolic size.
	bindings := symbolic.Bindings{mDim: 128, nDim: 256}
	_, lowered := lowerGemm(t, bindings, 32)

	enter := lowered.Ops[1]
	require.Equal(t, -1, enter.TripCount)
	require.Equal(t, "K", enter.SizeExpr.String())

	consume := lowered.Ops[7]
	require.Equal(t, "-32*$iv_K + K", consume.Access.Bounds[1].String())

	mma := lowered.Ops[9]
	require.True(t, mma.MaskedMMA)
}

func TestLowerDeterminism(t *testing.T) {
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
	p := gemmProgram(t)
	geo, err := constraints.Resolve(p, gemmConstraints(32), bindings)
	require.NoError(t, err)

	first, err := Lower(p, geo, bindings)
	require.NoError(t, err)
	second, err := Lower(p, geo, bindings)
	require.NoError(t, err)
	require.Equal(t, first.Ops, second.Ops)
	require.Equal(t, first.Shared, second.Shared)
	require.Equal(t, first.String(), second.String())
}

func TestLowerMaskedInstruction(t *testing.T) {
	// Wave tile 8 is smaller than the native 16: one masked step per axis.
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
	_, lowered := lowerGemm(t, bindings, 8)

	mma := lowered.Ops[9]
	require.Equal(t, 1, mma.StepsM)
	require.Equal(t, 1, mma.StepsN)
	require.Equal(t, 2, mma.StepsK)
	require.True(t, mma.MaskedMMA)
}

func TestLowerUnalignableInstruction(t *testing.T) {
	p := gemmProgram(t)
	cs := []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(48), Axis: 0},
		constraints.Workgroup{Dim: nDim, Tile: symbolic.Const(48), Axis: 1},
		constraints.Tiling{Dim: kDim, Tile: symbolic.Const(32)},
		constraints.Wave{Dim: mDim, Tile: symbolic.Const(24)},
		constraints.Wave{Dim: nDim, Tile: symbolic.Const(24)},
		constraints.Hardware{GroupWidth: 64, Instruction: constraints.MMAF32_16x16x16_F16},
	}
	bindings := symbolic.Bindings{mDim: 96, nDim: 96, kDim: 128}
	geo, err := constraints.Resolve(p, cs, bindings)
	require.NoError(t, err)

	_, err = Lower(p, geo, bindings)
	require.Error(t, err)
	var shapeErr *constraints.UnsupportedInstructionShapeError
	require.ErrorAs(t, err, &shapeErr)
	require.Equal(t, mDim, shapeErr.Dim)
}

func TestLowerRedundantLoadElimination(t *testing.T) {
	p := kernel.New("double")
	a := p.Input("a", dtypes.Float32, mDim)
	out := p.Output("out", dtypes.Float32, mDim)
	sum := p.Add(p.Read(a), p.Read(a))
	p.Write(sum, out)

	cs := []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		constraints.Hardware{GroupWidth: 64},
	}
	bindings := symbolic.Bindings{mDim: 256}
	geo, err := constraints.Resolve(p, cs, bindings)
	require.NoError(t, err)
	lowered, err := Lower(p, geo, bindings)
	require.NoError(t, err)

	// The second read of a resolves to the same address and reuses the
	// first load's value.
	require.Equal(t, []OpKind{OpLoad, OpBinary, OpStore}, opKinds(lowered))
	binary := lowered.Ops[1]
	require.Equal(t, kernel.BinaryAdd, binary.Binary)
	require.Equal(t, binary.Args[0], binary.Args[1])
	require.Equal(t, 2, lowered.NumValues)
}

func TestLowerStoreInvalidatesLoadCache(t *testing.T) {
	p := kernel.New("copy2")
	a := p.Input("a", dtypes.Float32, mDim)
	x := p.Output("x", dtypes.Float32, mDim)
	y := p.Output("y", dtypes.Float32, mDim)
	p.Write(p.Read(a), x)
	p.Write(p.Read(a), y)

	cs := []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		constraints.Hardware{GroupWidth: 64},
	}
	bindings := symbolic.Bindings{mDim: 256}
	geo, err := constraints.Resolve(p, cs, bindings)
	require.NoError(t, err)
	lowered, err := Lower(p, geo, bindings)
	require.NoError(t, err)
	require.Equal(t, []OpKind{OpLoad, OpStore, OpLoad, OpStore}, opKinds(lowered))
}

func TestValidateRejectsCorruption(t *testing.T) {
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}

	t.Run("barrier on global memory", func(t *testing.T) {
		_, lowered := lowerGemm(t, bindings, 32)
		lowered.Ops[6].Space = shapes.Global
		err := lowered.validate()
		var spaceErr *InvalidAddressSpaceError
		require.ErrorAs(t, err, &spaceErr)
		require.Equal(t, shapes.Global, spaceErr.Space)
	})

	t.Run("access space mismatch", func(t *testing.T) {
		_, lowered := lowerGemm(t, bindings, 32)
		lowered.Ops[2].Access.Space = shapes.Shared
		err := lowered.validate()
		var spaceErr *InvalidAddressSpaceError
		require.ErrorAs(t, err, &spaceErr)
		require.Equal(t, "a", spaceErr.Memory)
	})

	t.Run("free symbol in address", func(t *testing.T) {
		_, lowered := lowerGemm(t, bindings, 32)
		lowered.Ops[2].Access.Index[0] = symbolic.Var(symbolic.S("BLOCK_M"))
		err := lowered.validate()
		var unresolved *symbolic.UnresolvedSymbolError
		require.ErrorAs(t, err, &unresolved)
		require.Equal(t, symbolic.S("BLOCK_M"), unresolved.Symbol)
	})
}

func TestLowerProgramListing(t *testing.T) {
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
	_, lowered := lowerGemm(t, bindings, 32)
	listing := lowered.String()
	require.Contains(t, listing, `lowered "gemm"`)
	require.Contains(t, listing, "loop K")
	require.Contains(t, listing, "barrier shared")
	require.Contains(t, listing, "a.shared")
}
