// Package lowering transforms a symbolic kernel program plus its resolved
// Geometry into a fully address-resolved, barrier-inserted, instruction-
// selected lowered program, ready for external code generation.
//
// The pipeline stages run in a fixed order: address resolution, iteration
// structuring, barrier insertion, accumulate-instruction selection and
// validation. Lowering is a pure function of its inputs: re-running it with
// identical inputs produces a structurally identical Program, which the
// compilation cache relies on.
package lowering

import (
	"fmt"
	"strings"

	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/gopjrt/dtypes"
)

// ValueID identifies a register value of the lowered program.
type ValueID int32

// InvalidValueID marks the absence of a value.
const InvalidValueID = ValueID(-1)

// Builtin index symbols. They stand for hardware-provided indices and are
// the only symbols, besides dispatch-bound dimension sizes, allowed to remain
// unresolved in a lowered program.
const builtinPrefix = "$"

// GridSymbol returns the symbol of the workgroup index along a grid axis.
func GridSymbol(axis int) symbolic.Symbol {
	return symbolic.S(fmt.Sprintf("$wg%d", axis))
}

// WaveSymbol returns the symbol of the wave index along a grid axis.
func WaveSymbol(axis int) symbolic.Symbol {
	return symbolic.S(fmt.Sprintf("$wave%d", axis))
}

// IterationSymbol returns the induction-variable symbol of the loop over dim.
func IterationSymbol(dim symbolic.Symbol) symbolic.Symbol {
	return symbolic.S("$iv_" + string(dim))
}

// IsBuiltin reports whether the symbol is a hardware-provided index symbol.
func IsBuiltin(s symbolic.Symbol) bool {
	return strings.HasPrefix(string(s), builtinPrefix)
}

// OpKind enumerates lowered operations.
type OpKind int

const (
	// OpZero initializes a register value to zero.
	OpZero OpKind = iota

	// OpLoad reads a tile from memory into a register value.
	OpLoad

	// OpStore writes a register value to a tile of memory.
	OpStore

	// OpMMA is a selected matrix-multiply-accumulate instruction sequence.
	OpMMA

	// OpBinary is element-wise register arithmetic.
	OpBinary

	// OpBarrier synchronizes the workgroup on an address space.
	OpBarrier

	// OpLoopEnter opens the sequential iteration over a tiling dimension.
	OpLoopEnter

	// OpLoopExit closes the iteration, publishing the final carried values.
	OpLoopExit
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpZero:
		return "zero"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpMMA:
		return "mma"
	case OpBinary:
		return "binary"
	case OpBarrier:
		return "barrier"
	case OpLoopEnter:
		return "loop_enter"
	case OpLoopExit:
		return "loop_exit"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Access is the resolved addressing of one load or store: the tile origin as
// affine expressions over builtin index symbols, the tile extent, and the
// per-axis masking bounds.
type Access struct {
	// Memory names the target buffer: a declared memory object or a
	// synthesized shared staging buffer.
	Memory string
	Space  shapes.AddressSpace

	// Index holds, per axis, the element offset of the accessed tile's
	// origin, as an affine expression over grid, wave and iteration symbols.
	Index []symbolic.Expr

	// Extent holds, per axis, the number of elements accessed. A -1 extent
	// means the full (dispatch-bound) dimension.
	Extent []int

	// Bounds holds, per axis, the exclusive upper bound lanes must mask
	// against, or a zero Expr when the axis is aligned and needs no mask.
	Bounds []symbolic.Expr
}

// Masked reports whether any axis carries a masking bound.
func (a *Access) Masked() bool {
	for _, b := range a.Bounds {
		if !b.Equal(symbolic.Expr{}) {
			return true
		}
	}
	return false
}

func (a *Access) String() string {
	idx := make([]string, len(a.Index))
	for i, e := range a.Index {
		idx[i] = e.String()
	}
	s := fmt.Sprintf("%s@%s[%s]", a.Memory, a.Space, strings.Join(idx, ", "))
	if a.Masked() {
		s += " masked"
	}
	return s
}

// Op is one lowered operation.
type Op struct {
	Kind   OpKind
	Result ValueID
	Args   []ValueID

	// Access of OpLoad/OpStore.
	Access *Access
	// DType of the result or stored value.
	DType dtypes.DType
	// VectorWidth is the widest per-lane access, in elements, for
	// OpLoad/OpStore.
	VectorWidth int

	// Loop fields (OpLoopEnter/OpLoopExit).
	Dim  symbolic.Symbol
	IV   symbolic.Symbol
	Step int
	// TripCount is the concrete iteration bound, or -1 when the dimension
	// size is bound at dispatch time.
	TripCount int
	SizeExpr  symbolic.Expr
	// Init are the values entering the carried slots; Carried the in-loop
	// values of those slots.
	Init    []ValueID
	Carried []ValueID
	// Finals are the end-of-body values of the carried slots; Results their
	// after-loop values.
	Finals  []ValueID
	Results []ValueID

	// MMA fields.
	Instruction            constraints.MMAInstruction
	StepsM, StepsN, StepsK int
	MaskedMMA              bool

	// Binary arithmetic selector.
	Binary kernel.BinaryKind

	// Space of an OpBarrier.
	Space shapes.AddressSpace
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	switch op.Kind {
	case OpZero:
		return fmt.Sprintf("v%d = zero %s", op.Result, op.DType)
	case OpLoad:
		return fmt.Sprintf("v%d = load %s x%d", op.Result, op.Access, op.VectorWidth)
	case OpStore:
		return fmt.Sprintf("store v%d -> %s x%d", op.Args[0], op.Access, op.VectorWidth)
	case OpMMA:
		masked := ""
		if op.MaskedMMA {
			masked = " masked"
		}
		return fmt.Sprintf("v%d = mma[%s %dx%dx%d steps]%s(v%d, v%d, v%d)",
			op.Result, op.Instruction, op.StepsM, op.StepsN, op.StepsK, masked, op.Args[0], op.Args[1], op.Args[2])
	case OpBinary:
		return fmt.Sprintf("v%d = %s(v%d, v%d)", op.Result, op.Binary, op.Args[0], op.Args[1])
	case OpBarrier:
		return fmt.Sprintf("barrier %s", op.Space)
	case OpLoopEnter:
		return fmt.Sprintf("loop %s: %s step %d (trip=%d) carried=%v", op.Dim, op.IV, op.Step, op.TripCount, op.Carried)
	case OpLoopExit:
		return fmt.Sprintf("end loop %s: finals=%v results=%v", op.Dim, op.Finals, op.Results)
	}
	return op.Kind.String()
}

// SharedBuffer is a workgroup-local staging buffer synthesized (or declared)
// for the lowered program.
type SharedBuffer struct {
	Name  string
	DType dtypes.DType
	// Dims are the concrete tile dimensions; -1 for dispatch-bound broadcast
	// extents.
	Dims []int
}

// Bytes returns the buffer size, or 0 when an extent is dispatch-bound.
func (b SharedBuffer) Bytes() uintptr {
	size := 1
	for _, d := range b.Dims {
		if d < 0 {
			return 0
		}
		size *= d
	}
	return b.DType.Memory() * uintptr(size)
}

// Program is the lowered program: an ordered operation sequence with resolved
// addressing, explicit iteration and synchronization. Immutable once
// produced.
type Program struct {
	Kernel    string
	Ops       []Op
	Shared    []SharedBuffer
	Signature []kernel.ArgSpec
	Geometry  *constraints.Geometry
	NumValues int
}

// SharedBytes returns the workgroup shared-memory footprint, in bytes.
func (p *Program) SharedBytes() uintptr {
	var total uintptr
	for _, b := range p.Shared {
		total += b.Bytes()
	}
	return total
}

// Barriers returns the indices of the barrier operations, in program order.
func (p *Program) Barriers() []int {
	var out []int
	for i := range p.Ops {
		if p.Ops[i].Kind == OpBarrier {
			out = append(out, i)
		}
	}
	return out
}

// String returns the full listing, one op per line.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "lowered %q: %d ops, %d shared buffers (%d bytes)\n",
		p.Kernel, len(p.Ops), len(p.Shared), p.SharedBytes())
	for i := range p.Ops {
		fmt.Fprintf(&sb, "\t%3d\t%s\n", i, p.Ops[i].String())
	}
	return sb.String()
}
