package runtime

import (
	"encoding/binary"
	"math"

	"github.com/badgerbroch/wave/backends"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("buffer dimensions must be positive, got %v", dims)
		}
		n *= d
	}
	return n
}

// NewBuffer returns a zero-filled buffer of the given element type and
// dimensions. It panics on non-positive dimensions.
func NewBuffer(dtype dtypes.DType, dims ...int) *backends.Buffer {
	n := numElements(dims)
	return &backends.Buffer{
		DType: dtype,
		Dims:  append([]int{}, dims...),
		Data:  make([]byte, n*int(dtype.Memory())),
	}
}

// Float16Buffer packs values into an IEEE 754 half-precision buffer of the
// given dimensions. It panics when len(values) does not match the
// dimensions.
func Float16Buffer(values []float32, dims ...int) *backends.Buffer {
	if n := numElements(dims); n != len(values) {
		exceptions.Panicf("dimensions %v hold %d elements, got %d values", dims, n, len(values))
	}
	buf := NewBuffer(dtypes.Float16, dims...)
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf.Data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return buf
}

// Float32Buffer packs values into a single-precision buffer of the given
// dimensions.
func Float32Buffer(values []float32, dims ...int) *backends.Buffer {
	if n := numElements(dims); n != len(values) {
		exceptions.Panicf("dimensions %v hold %d elements, got %d values", dims, n, len(values))
	}
	buf := NewBuffer(dtypes.Float32, dims...)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf.Data[4*i:], math.Float32bits(v))
	}
	return buf
}

// Float32Values reads a buffer back as float32 values, converting from
// half precision when needed. It panics on other element types.
func Float32Values(buf *backends.Buffer) []float32 {
	n := buf.NumElements()
	out := make([]float32, n)
	switch buf.DType {
	case dtypes.Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf.Data[4*i:]))
		}
	case dtypes.Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf.Data[2*i:])).Float32()
		}
	default:
		exceptions.Panicf("cannot read %s buffer as float32", buf.DType)
	}
	return out
}
