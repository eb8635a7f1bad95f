package kernel

import (
	"fmt"
	"strings"

	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// OpID indexes an operation (and its result value) in the program arena.
type OpID int32

// InvalidOpID marks the absence of an operation.
const InvalidOpID = OpID(-1)

// OpKind enumerates the fixed operation vocabulary.
type OpKind int

const (
	// OpZero materializes a zero-initialized register value, typically an
	// accumulator.
	OpZero OpKind = iota

	// OpRead loads a memory object tile into a register value.
	OpRead

	// OpWrite stores a register value into a memory object tile.
	OpWrite

	// OpMMA is the matrix-multiply-accumulate: lhs [m,k] × rhs [n,k]
	// accumulated into [m,n].
	OpMMA

	// OpBinary is element-wise register arithmetic.
	OpBinary

	// OpIterate opens the structured iteration construct over a tiling
	// dimension, with loop-carried values.
	OpIterate

	// OpCarried is the in-loop view of one loop-carried value.
	OpCarried

	// OpEndIterate closes the iteration, yielding the final carried values.
	OpEndIterate

	// OpLoopResult is the after-loop view of one carried value.
	OpLoopResult
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpZero:
		return "zero"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpMMA:
		return "mma"
	case OpBinary:
		return "binary"
	case OpIterate:
		return "iterate"
	case OpCarried:
		return "carried"
	case OpEndIterate:
		return "end_iterate"
	case OpLoopResult:
		return "loop_result"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// BinaryKind selects the element-wise operation of an OpBinary.
type BinaryKind int

const (
	BinaryAdd BinaryKind = iota
	BinaryMul
)

// String implements fmt.Stringer.
func (b BinaryKind) String() string {
	if b == BinaryAdd {
		return "add"
	}
	return "mul"
}

// Op is one operation in the program arena. Operands are OpIDs into the same
// arena. At most one result value is produced per op, identified by the op's
// own ID.
type Op struct {
	ID     OpID
	Kind   OpKind
	Inputs []OpID

	// Memory is the target of OpRead/OpWrite.
	Memory *MemoryObject

	// Shape of the result register value; invalid for ops with no result.
	Shape shapes.Shape

	// Binary selects the arithmetic of an OpBinary.
	Binary BinaryKind

	// Dim is the iterated dimension of an OpIterate.
	Dim symbolic.Symbol

	// Loop links OpCarried/OpEndIterate/OpLoopResult back to their OpIterate.
	Loop OpID

	// Index is the carried-value slot of OpCarried/OpLoopResult.
	Index int
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	inputs := make([]string, len(op.Inputs))
	for i, in := range op.Inputs {
		inputs[i] = fmt.Sprintf("#%d", in)
	}
	desc := op.Kind.String()
	switch op.Kind {
	case OpRead, OpWrite:
		desc = fmt.Sprintf("%s %s", op.Kind, op.Memory.Name)
	case OpBinary:
		desc = fmt.Sprintf("binary[%s]", op.Binary)
	case OpIterate:
		desc = fmt.Sprintf("iterate %s", op.Dim)
	case OpCarried, OpLoopResult:
		desc = fmt.Sprintf("%s[%d] of #%d", op.Kind, op.Index, op.Loop)
	}
	if len(inputs) > 0 {
		desc += "(" + strings.Join(inputs, ", ") + ")"
	}
	if op.Shape.Ok() {
		desc += " -> " + op.Shape.String()
	}
	return desc
}

// Value is a handle to the result of an operation: a typed, shape-tagged
// register value. Values never alias memory objects.
type Value struct {
	p  *Program
	id OpID
}

// ID returns the arena index of the op producing this value.
func (v *Value) ID() OpID { return v.id }

// Shape returns the value's shape (element type plus dimension symbols).
func (v *Value) Shape() shapes.Shape { return v.p.ops[v.id].Shape }

// DType returns the value's element type.
func (v *Value) DType() dtypes.DType { return v.Shape().DType }

func (p *Program) newOp(op *Op) *Value {
	op.ID = OpID(len(p.ops))
	p.ops = append(p.ops, op)
	if op.Shape.Ok() {
		p.noteDims(op.Shape.Dims)
	}
	return &Value{p: p, id: op.ID}
}

func (p *Program) checkValue(v *Value, context string) {
	if v == nil {
		exceptions.Panicf("kernel %q: nil value passed to %s", p.name, context)
	}
	if v.p != p {
		exceptions.Panicf("kernel %q: value from a different program passed to %s", p.name, context)
	}
}

// Zero creates a zero-initialized register value, typically used as the
// initial accumulator of an iteration.
func (p *Program) Zero(dtype dtypes.DType, dims ...symbolic.Symbol) *Value {
	return p.newOp(&Op{Kind: OpZero, Shape: shapes.Make(dtype, dims...), Loop: InvalidOpID})
}

// Read loads the memory object's tile (as carved out by the distribution
// constraints) into a new register value with the memory's shape.
//
// Register-private memory objects cannot be read: register values are the
// only per-lane storage.
func (p *Program) Read(m *MemoryObject) *Value {
	if m == nil || p.byName[m.Name] != m {
		exceptions.Panicf("kernel %q: Read of a memory object not declared on this program", p.name)
	}
	if m.Space == shapes.Register {
		exceptions.Panicf("kernel %q: cannot Read register-private memory object %q", p.name, m.Name)
	}
	return p.newOp(&Op{Kind: OpRead, Memory: m, Shape: m.Shape, Loop: InvalidOpID})
}

// Write stores a register value into the memory object's tile. The value's
// shape must match the memory object's shape exactly.
func (p *Program) Write(v *Value, m *MemoryObject) {
	p.checkValue(v, "Write")
	if m == nil || p.byName[m.Name] != m {
		exceptions.Panicf("kernel %q: Write to a memory object not declared on this program", p.name)
	}
	if m.Space == shapes.Register {
		exceptions.Panicf("kernel %q: cannot Write register-private memory object %q", p.name, m.Name)
	}
	if !v.Shape().Equal(m.Shape) {
		exceptions.Panicf("kernel %q: Write shape mismatch: value is %s, memory object %q is %s",
			p.name, v.Shape(), m.Name, m.Shape)
	}
	p.newOp(&Op{Kind: OpWrite, Inputs: []OpID{v.id}, Memory: m, Loop: InvalidOpID})
}

// MMA is the matrix-multiply-accumulate primitive: lhs has shape [m, k], rhs
// has shape [n, k] and acc has shape [m, n]; the result is acc + lhs·rhsᵀ
// with acc's shape and element type.
func (p *Program) MMA(lhs, rhs, acc *Value) *Value {
	p.checkValue(lhs, "MMA")
	p.checkValue(rhs, "MMA")
	p.checkValue(acc, "MMA")
	lhsShape, rhsShape, accShape := lhs.Shape(), rhs.Shape(), acc.Shape()
	if lhsShape.Rank() != 2 || rhsShape.Rank() != 2 || accShape.Rank() != 2 {
		exceptions.Panicf("kernel %q: MMA operands must be rank-2, got %s × %s -> %s",
			p.name, lhsShape, rhsShape, accShape)
	}
	if lhsShape.DType != rhsShape.DType {
		exceptions.Panicf("kernel %q: MMA operand dtypes differ: %s vs %s", p.name, lhsShape.DType, rhsShape.DType)
	}
	m, kDim := lhsShape.Dims[0], lhsShape.Dims[1]
	n := rhsShape.Dims[0]
	if rhsShape.Dims[1] != kDim {
		exceptions.Panicf("kernel %q: MMA reduction dimension mismatch: lhs %s vs rhs %s", p.name, lhsShape, rhsShape)
	}
	if accShape.Dims[0] != m || accShape.Dims[1] != n {
		exceptions.Panicf("kernel %q: MMA accumulator shape %s does not match %s × %s", p.name, accShape, lhsShape, rhsShape)
	}
	return p.newOp(&Op{Kind: OpMMA, Inputs: []OpID{lhs.id, rhs.id, acc.id}, Shape: accShape, Loop: InvalidOpID})
}

// Add is element-wise register addition; both operands must share a shape.
func (p *Program) Add(x, y *Value) *Value { return p.binary(BinaryAdd, x, y) }

// Mul is element-wise register multiplication; both operands must share a
// shape.
func (p *Program) Mul(x, y *Value) *Value { return p.binary(BinaryMul, x, y) }

func (p *Program) binary(kind BinaryKind, x, y *Value) *Value {
	p.checkValue(x, "binary")
	p.checkValue(y, "binary")
	if !x.Shape().Equal(y.Shape()) {
		exceptions.Panicf("kernel %q: binary[%s] shape mismatch: %s vs %s", p.name, kind, x.Shape(), y.Shape())
	}
	return p.newOp(&Op{Kind: OpBinary, Binary: kind, Inputs: []OpID{x.id, y.id}, Shape: x.Shape(), Loop: InvalidOpID})
}

// Loop is the builder handle for an open iteration. Obtain one with
// Program.Iterate, emit the body ops, then call End.
type Loop struct {
	p       *Program
	enter   OpID
	carried []*Value
	closed  bool
}

// Iterate opens the structured iteration construct over dim, which must be
// covered by a TilingConstraint at resolution time. The given values are the
// loop-carried initial values (e.g. a zeroed accumulator); their in-loop
// counterparts are available through Loop.Carried.
//
// Iterations do not nest: there is exactly one structured loop construct and
// no general control flow.
func (p *Program) Iterate(dim symbolic.Symbol, initial ...*Value) *Loop {
	if p.loop != nil {
		exceptions.Panicf("kernel %q: nested Iterate is not supported", p.name)
	}
	if len(initial) == 0 {
		exceptions.Panicf("kernel %q: Iterate over %s needs at least one loop-carried value", p.name, dim)
	}
	inputs := make([]OpID, len(initial))
	for i, v := range initial {
		p.checkValue(v, "Iterate")
		inputs[i] = v.id
	}
	p.noteDims([]symbolic.Symbol{dim})
	enter := p.newOp(&Op{Kind: OpIterate, Dim: dim, Inputs: inputs, Loop: InvalidOpID})
	loop := &Loop{p: p, enter: enter.id}
	for i, v := range initial {
		carried := p.newOp(&Op{Kind: OpCarried, Loop: enter.id, Index: i, Shape: v.Shape()})
		loop.carried = append(loop.carried, carried)
	}
	p.loop = loop
	return loop
}

// Carried returns the in-loop value of the i-th loop-carried slot.
func (l *Loop) Carried(i int) *Value {
	if i < 0 || i >= len(l.carried) {
		exceptions.Panicf("kernel %q: Carried(%d) out of range, loop has %d carried values", l.p.name, i, len(l.carried))
	}
	return l.carried[i]
}

// End closes the loop. finals are the end-of-iteration values for each
// carried slot, in order; the returned values are the carried values after
// the final iteration, usable outside the loop.
func (l *Loop) End(finals ...*Value) []*Value {
	p := l.p
	if l.closed {
		exceptions.Panicf("kernel %q: loop already ended", p.name)
	}
	if p.loop != l {
		exceptions.Panicf("kernel %q: End called on a loop that is not open", p.name)
	}
	if len(finals) != len(l.carried) {
		exceptions.Panicf("kernel %q: loop carries %d values but End got %d", p.name, len(l.carried), len(finals))
	}
	inputs := make([]OpID, len(finals))
	for i, v := range finals {
		p.checkValue(v, "End")
		if !v.Shape().Equal(l.carried[i].Shape()) {
			exceptions.Panicf("kernel %q: carried value %d changes shape across iterations: %s -> %s",
				p.name, i, l.carried[i].Shape(), v.Shape())
		}
		inputs[i] = v.id
	}
	p.newOp(&Op{Kind: OpEndIterate, Loop: l.enter, Inputs: inputs})
	results := make([]*Value, len(finals))
	for i, v := range finals {
		results[i] = p.newOp(&Op{Kind: OpLoopResult, Loop: l.enter, Index: i, Shape: v.Shape()})
	}
	l.closed = true
	p.loop = nil
	return results
}
