package shapes

import (
	"testing"

	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	m, n := symbolic.S("M"), symbolic.S("N")

	invalid := Shape{}
	require.False(t, invalid.Ok())

	shape := Make(dtypes.Float16, m, n)
	require.True(t, shape.Ok())
	require.Equal(t, 2, shape.Rank())
	require.Equal(t, "(Float16)[M N]", shape.String())
	require.True(t, shape.HasDim(m))
	require.False(t, shape.HasDim(symbolic.S("K")))
	require.Equal(t, 1, shape.AxisOf(n))
	require.Equal(t, -1, shape.AxisOf(symbolic.S("K")))

	require.True(t, shape.Equal(Make(dtypes.Float16, m, n)))
	require.False(t, shape.Equal(Make(dtypes.Float32, m, n)))
	require.False(t, shape.Equal(Make(dtypes.Float16, n, m)))

	require.Panics(t, func() { Make(dtypes.Float16, m, m) })
	require.Panics(t, func() { Make(dtypes.InvalidDType, m) })
}

func TestShapeConcrete(t *testing.T) {
	m, n := symbolic.S("M"), symbolic.S("N")
	shape := Make(dtypes.Float32, m, n)
	bindings := symbolic.Bindings{m: 4, n: 3}

	dims, err := shape.Concrete(bindings)
	require.NoError(t, err)
	require.Equal(t, []int{4, 3}, dims)

	size, err := shape.Size(bindings)
	require.NoError(t, err)
	require.Equal(t, 12, size)

	mem, err := shape.Memory(bindings)
	require.NoError(t, err)
	require.Equal(t, uintptr(4*12), mem)

	_, err = shape.Concrete(symbolic.Bindings{m: 4})
	var unresolved *symbolic.UnresolvedSymbolError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, n, unresolved.Symbol)
}

func TestAddressSpaceString(t *testing.T) {
	require.Equal(t, "global", Global.String())
	require.Equal(t, "shared", Shared.String())
	require.Equal(t, "register", Register.String())
}
