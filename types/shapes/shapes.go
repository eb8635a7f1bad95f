// Package shapes defines Shape and AddressSpace for the kernel compiler.
//
// A Shape pairs an element DType with an ordered sequence of dimension
// symbols; dimensions are symbolic until a substitution mapping makes them
// concrete. DType is the enumeration from github.com/gomlx/gopjrt/dtypes;
// float16 values use the github.com/x448/float16 representation.
package shapes

import (
	"fmt"
	"strings"

	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AddressSpace classifies where a memory object lives.
type AddressSpace int

const (
	// AddressSpaceUnset marks an undeclared address space; shapes attached
	// to register values use it.
	AddressSpaceUnset AddressSpace = iota

	// Global is device-wide memory, visible to every workgroup.
	Global

	// Shared is on-chip workgroup-local memory.
	Shared

	// Register is per-lane private storage.
	Register
)

// String implements fmt.Stringer.
func (a AddressSpace) String() string {
	switch a {
	case AddressSpaceUnset:
		return "unset"
	case Global:
		return "global"
	case Shared:
		return "shared"
	case Register:
		return "register"
	}
	return fmt.Sprintf("AddressSpace(%d)", int(a))
}

// Shape of a memory object or register value: an element type plus an ordered
// sequence of dimension symbols.
//
// Use Make to create one. Shapes are value types and are never mutated.
type Shape struct {
	DType dtypes.DType
	Dims  []symbolic.Symbol
}

// Make returns a Shape with the given element type and dimension symbols.
// It panics (with a stack trace) on an invalid dtype or a repeated dimension
// symbol, which are programming errors in the kernel definition.
func Make(dtype dtypes.DType, dims ...symbolic.Symbol) Shape {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("shapes.Make: invalid DType")
	}
	seen := make(map[symbolic.Symbol]bool, len(dims))
	for _, dim := range dims {
		if dim == "" {
			exceptions.Panicf("shapes.Make: empty dimension symbol")
		}
		if seen[dim] {
			exceptions.Panicf("shapes.Make: dimension symbol %q repeated", dim)
		}
		seen[dim] = true
	}
	return Shape{DType: dtype, Dims: append([]symbolic.Symbol(nil), dims...)}
}

// Ok reports whether this is a valid shape: the zero value Shape{} is not.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dims) }

// HasDim reports whether the dimension symbol appears in the shape.
func (s Shape) HasDim(dim symbolic.Symbol) bool {
	for _, d := range s.Dims {
		if d == dim {
			return true
		}
	}
	return false
}

// AxisOf returns the axis of the dimension symbol, or -1 if absent.
func (s Shape) AxisOf(dim symbolic.Symbol) int {
	for axis, d := range s.Dims {
		if d == dim {
			return axis
		}
	}
	return -1
}

// Equal reports whether both shapes have the same dtype and the same
// dimension symbols in the same order.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || len(s.Dims) != len(other.Dims) {
		return false
	}
	for i, d := range s.Dims {
		if other.Dims[i] != d {
			return false
		}
	}
	return true
}

// Concrete resolves every dimension symbol with the given bindings and
// returns the concrete dimension sizes.
func (s Shape) Concrete(bindings symbolic.Bindings) ([]int, error) {
	dims := make([]int, len(s.Dims))
	for i, d := range s.Dims {
		size, err := bindings.Value(d)
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving dimension %d of shape %s", i, s)
		}
		dims[i] = size
	}
	return dims, nil
}

// Size returns the number of elements under the given bindings.
func (s Shape) Size(bindings symbolic.Bindings) (int, error) {
	dims, err := s.Concrete(bindings)
	if err != nil {
		return 0, err
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	return size, nil
}

// Memory returns the number of bytes needed to store the shape under the
// given bindings.
func (s Shape) Memory(bindings symbolic.Bindings) (uintptr, error) {
	size, err := s.Size(bindings)
	if err != nil {
		return 0, err
	}
	return s.DType.Memory() * uintptr(size), nil
}

// String implements fmt.Stringer, e.g. "(Float16)[M K]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid)"
	}
	names := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		names[i] = string(d)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(names, " "))
}
