package constraints

import (
	"testing"

	"github.com/badgerbroch/wave/kernel"
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

func gemmConstraints() []Constraint {
	return []Constraint{
		Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 1},
		Tiling{Dim: kDim, Tile: symbolic.Const(32)},
		Wave{Dim: mDim, Tile: symbolic.Const(32)},
		Wave{Dim: nDim, Tile: symbolic.Const(32)},
		Hardware{GroupWidth: 64, Instruction: MMAF32_16x16x16_F16},
	}
}

func TestResolveGemm(t *testing.T) {
	p := gemmProgram(t)
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}

	geo, err := Resolve(p, gemmConstraints(), bindings)
	require.NoError(t, err)

	grid, err := geo.GridShape(nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, grid)

	mPlan := geo.Plan(mDim)
	require.Equal(t, RoleGrid, mPlan.Role)
	require.Equal(t, 64, mPlan.Tile)
	require.Equal(t, 32, mPlan.WaveTile)
	require.Equal(t, 2, mPlan.Waves)
	require.True(t, mPlan.Aligned)

	kPlan := geo.Plan(kDim)
	require.Equal(t, RoleIterated, kPlan.Role)
	bound, err := kPlan.Count(nil)
	require.NoError(t, err)
	require.Equal(t, 4, bound)
	final, err := kPlan.FinalTile(nil)
	require.NoError(t, err)
	require.Equal(t, 32, final)
	require.True(t, kPlan.Aligned)

	require.Equal(t, []int{2, 2}, geo.WavesPerAxis())
	require.Equal(t, 64*2*2, geo.ThreadsPerWorkgroup())

	// Per-workgroup tile of input a is [BLOCK_M, BLOCK_K].
	tile, err := geo.TileShape(p.Memory("a").Shape, nil)
	require.NoError(t, err)
	require.Equal(t, []int{64, 32}, tile)
}

func TestResolveRaggedIteration(t *testing.T) {
	p := gemmProgram(t)
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 100}

	geo, err := Resolve(p, gemmConstraints(), bindings)
	require.NoError(t, err)

	kPlan := geo.Plan(kDim)
	require.False(t, kPlan.Aligned)
	bound, err := kPlan.Count(nil)
	require.NoError(t, err)
	require.Equal(t, 4, bound)
	final, err := kPlan.FinalTile(nil)
	require.NoError(t, err)
	require.Equal(t, 4, final) // 100 - 32*3
}

func TestResolveSymbolicSizes(t *testing.T) {
	// Dimension sizes left unbound at compile time: the geometry keeps them
	// symbolic and resolves grid shape at dispatch time.
	p := gemmProgram(t)
	geo, err := Resolve(p, gemmConstraints(), symbolic.Bindings{})
	require.NoError(t, err)

	_, err = geo.GridShape(nil)
	var unresolved *symbolic.UnresolvedSymbolError
	require.ErrorAs(t, err, &unresolved)

	grid, err := geo.GridShape(symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128})
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, grid)
}

func TestResolveConflicts(t *testing.T) {
	p := gemmProgram(t)
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}

	t.Run("axis collision", func(t *testing.T) {
		cs := []Constraint{
			Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
			Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 0},
			Tiling{Dim: kDim, Tile: symbolic.Const(32)},
			Hardware{GroupWidth: 64, Instruction: MMAF32_16x16x16_F16},
		}
		_, err := Resolve(p, cs, bindings)
		var conflict *ConflictingConstraintError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, 0, conflict.Axis)
		require.ElementsMatch(t, []symbolic.Symbol{mDim, nDim}, conflict.Dims)
	})

	t.Run("workgroup and tiling on one dimension", func(t *testing.T) {
		cs := append(gemmConstraints(), Tiling{Dim: mDim, Tile: symbolic.Const(16)})
		_, err := Resolve(p, cs, bindings)
		var conflict *ConflictingConstraintError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, []symbolic.Symbol{mDim}, conflict.Dims)
	})

	t.Run("wave without workgroup", func(t *testing.T) {
		cs := []Constraint{
			Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
			Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 1},
			Tiling{Dim: kDim, Tile: symbolic.Const(32)},
			Wave{Dim: kDim, Tile: symbolic.Const(16)},
			Hardware{GroupWidth: 64, Instruction: MMAF32_16x16x16_F16},
		}
		_, err := Resolve(p, cs, bindings)
		var conflict *ConflictingConstraintError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, []symbolic.Symbol{kDim}, conflict.Dims)
	})

	t.Run("grid axis gap", func(t *testing.T) {
		cs := []Constraint{
			Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
			Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 2},
			Tiling{Dim: kDim, Tile: symbolic.Const(32)},
			Hardware{GroupWidth: 64, Instruction: MMAF32_16x16x16_F16},
		}
		_, err := Resolve(p, cs, bindings)
		var conflict *ConflictingConstraintError
		require.ErrorAs(t, err, &conflict)
		require.Equal(t, 1, conflict.Axis)
	})
}

func TestResolveInvalidTiling(t *testing.T) {
	p := gemmProgram(t)
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
	cs := []Constraint{
		Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 1},
		Tiling{Dim: kDim, Tile: symbolic.Const(32)},
		Wave{Dim: mDim, Tile: symbolic.Const(48)}, // 48 does not divide 64
		Hardware{GroupWidth: 64, Instruction: MMAF32_16x16x16_F16},
	}
	_, err := Resolve(p, cs, bindings)
	var invalid *InvalidTilingError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, mDim, invalid.Dim)
	require.Equal(t, 48, invalid.Tile)
	require.Equal(t, 64, invalid.Parent)
}

func TestResolveInstructionChecks(t *testing.T) {
	p := gemmProgram(t)
	bindings := symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}

	t.Run("missing instruction", func(t *testing.T) {
		cs := gemmConstraints()
		cs[5] = Hardware{GroupWidth: 64}
		_, err := Resolve(p, cs, bindings)
		var unsupported *UnsupportedInstructionShapeError
		require.ErrorAs(t, err, &unsupported)
	})

	t.Run("operand dtype mismatch", func(t *testing.T) {
		cs := gemmConstraints()
		cs[5] = Hardware{GroupWidth: 64, Instruction: MMAI32_16x16x16_I8}
		_, err := Resolve(p, cs, bindings)
		var unsupported *UnsupportedInstructionShapeError
		require.ErrorAs(t, err, &unsupported)
	})

	t.Run("group width mismatch", func(t *testing.T) {
		cs := gemmConstraints()
		cs[5] = Hardware{GroupWidth: 32, Instruction: MMAF32_16x16x16_F16}
		_, err := Resolve(p, cs, bindings)
		var unsupported *UnsupportedInstructionShapeError
		require.ErrorAs(t, err, &unsupported)
	})
}

func TestResolveUnresolvedTile(t *testing.T) {
	p := gemmProgram(t)
	blockM := symbolic.S("BLOCK_M")
	cs := gemmConstraints()
	cs[0] = Workgroup{Dim: mDim, Tile: symbolic.Var(blockM), Axis: 0}
	_, err := Resolve(p, cs, symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128})
	var unresolved *symbolic.UnresolvedSymbolError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, blockM, unresolved.Symbol)

	// Binding the tile symbol fixes it.
	geo, err := Resolve(p, cs, symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128, blockM: 64})
	require.NoError(t, err)
	require.Equal(t, 64, geo.Plan(mDim).Tile)
}

func TestMMAInstructionTable(t *testing.T) {
	m, n, k := MMAF32_16x16x16_F16.Shape()
	require.Equal(t, [3]int{16, 16, 16}, [3]int{m, n, k})
	require.Equal(t, dtypes.Float16, MMAF32_16x16x16_F16.OperandDType())
	require.Equal(t, dtypes.Float32, MMAF32_16x16x16_F16.AccumDType())

	m, n, k = MMAI32_32x32x8_I8.Shape()
	require.Equal(t, [3]int{32, 32, 8}, [3]int{m, n, k})
	require.Equal(t, dtypes.Int8, MMAI32_32x32x8_I8.OperandDType())
	require.Equal(t, dtypes.Int32, MMAI32_32x32x8_I8.AccumDType())
	require.Equal(t, 64, MMAI32_32x32x8_I8.GroupWidth())
}
