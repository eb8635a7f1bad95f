package constraints

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// MMAInstruction identifies a native matrix-multiply-accumulate instruction
// shape. The naming follows the convention
// <accum-type>_<M>x<N>x<K>_<operand-type>.
type MMAInstruction int

const (
	// MMAUnset means no instruction was selected; legal only for kernels
	// without accumulate operations.
	MMAUnset MMAInstruction = iota

	// MMAF32_16x16x16_F16 accumulates 16×16×16 float16 tiles into float32.
	MMAF32_16x16x16_F16

	// MMAF32_32x32x8_F16 accumulates 32×32×8 float16 tiles into float32.
	MMAF32_32x32x8_F16

	// MMAF32_16x16x16_BF16 accumulates 16×16×16 bfloat16 tiles into float32.
	MMAF32_16x16x16_BF16

	// MMAI32_16x16x16_I8 accumulates 16×16×16 int8 tiles into int32.
	MMAI32_16x16x16_I8

	// MMAI32_32x32x8_I8 accumulates 32×32×8 int8 tiles into int32.
	MMAI32_32x32x8_I8
)

// String implements fmt.Stringer.
func (i MMAInstruction) String() string {
	switch i {
	case MMAUnset:
		return "unset"
	case MMAF32_16x16x16_F16:
		return "F32_16x16x16_F16"
	case MMAF32_32x32x8_F16:
		return "F32_32x32x8_F16"
	case MMAF32_16x16x16_BF16:
		return "F32_16x16x16_BF16"
	case MMAI32_16x16x16_I8:
		return "I32_16x16x16_I8"
	case MMAI32_32x32x8_I8:
		return "I32_32x32x8_I8"
	}
	return fmt.Sprintf("MMAInstruction(%d)", int(i))
}

// Shape returns the native (M, N, K) tile of the instruction.
func (i MMAInstruction) Shape() (m, n, k int) {
	switch i {
	case MMAF32_16x16x16_F16, MMAF32_16x16x16_BF16, MMAI32_16x16x16_I8:
		return 16, 16, 16
	case MMAF32_32x32x8_F16, MMAI32_32x32x8_I8:
		return 32, 32, 8
	}
	return 0, 0, 0
}

// OperandDType returns the element type of the A/B operands.
func (i MMAInstruction) OperandDType() dtypes.DType {
	switch i {
	case MMAF32_16x16x16_F16, MMAF32_32x32x8_F16:
		return dtypes.Float16
	case MMAF32_16x16x16_BF16:
		return dtypes.BFloat16
	case MMAI32_16x16x16_I8, MMAI32_32x32x8_I8:
		return dtypes.Int8
	}
	return dtypes.InvalidDType
}

// AccumDType returns the element type of the accumulator.
func (i MMAInstruction) AccumDType() dtypes.DType {
	switch i {
	case MMAF32_16x16x16_F16, MMAF32_32x32x8_F16, MMAF32_16x16x16_BF16:
		return dtypes.Float32
	case MMAI32_16x16x16_I8, MMAI32_32x32x8_I8:
		return dtypes.Int32
	}
	return dtypes.InvalidDType
}

// GroupWidth returns the cooperative-group width the instruction requires.
func (i MMAInstruction) GroupWidth() int {
	if i == MMAUnset {
		return 0
	}
	return 64
}
