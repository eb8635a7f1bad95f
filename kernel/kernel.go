// Package kernel defines the symbolic kernel program: memory object
// declarations, register values and the ordered arena of operations that the
// constraint resolver and the lowering pipeline consume.
//
// A Program is built through its method-based builder API, which is expected
// to be driven by an external authoring layer; this package does not parse
// any source text. Following the convention of the builder APIs in this
// module, misuse of the builder (shape mismatches, writes to register-private
// memory, nested iteration) panics with a stack trace via
// github.com/gomlx/exceptions; structural errors detected later, at
// resolution or lowering time, are returned as errors instead.
//
// The operation vocabulary is fixed and small: Zero, Read, Write, MMA,
// Binary (element-wise register arithmetic) and the single structured
// iteration construct (Iterate/EndIterate with loop-carried values). Ops are
// held in an ordered arena and reference operands by OpID, so the program is
// a flat sequence with one structured back-edge rather than a pointer graph.
package kernel

import (
	"fmt"

	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// MemoryObject is a named logical buffer with symbolic dimensions, an address
// space and an element type. It is immutable once declared and owned by the
// Program that declared it.
type MemoryObject struct {
	Name  string
	Shape shapes.Shape
	Space shapes.AddressSpace

	// Argument is true for memory objects that are part of the kernel's
	// signature (declared with Input or Output).
	Argument bool
}

// String implements fmt.Stringer.
func (m *MemoryObject) String() string {
	return fmt.Sprintf("%s: %s @%s", m.Name, m.Shape, m.Space)
}

// ArgSpec describes one slot of a kernel's argument signature.
type ArgSpec struct {
	Name  string
	Shape shapes.Shape
	Space shapes.AddressSpace
}

// Program is a symbolic kernel program under construction or finished.
//
// It owns its memory objects and operation arena. Programs are not safe for
// concurrent mutation; once building is complete they are read-only and safe
// to share.
type Program struct {
	name     string
	memories []*MemoryObject
	byName   map[string]*MemoryObject
	ops      []*Op

	// dims in first-use order; kept deterministic for fingerprinting.
	dims     []symbolic.Symbol
	dimsSeen map[symbolic.Symbol]bool

	// current open loop, if any.
	loop *Loop
}

// New creates an empty Program with the given name.
func New(name string) *Program {
	return &Program{
		name:     name,
		byName:   make(map[string]*MemoryObject),
		dimsSeen: make(map[symbolic.Symbol]bool),
	}
}

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Memories returns the declared memory objects in declaration order.
// The returned slice must not be modified.
func (p *Program) Memories() []*MemoryObject { return p.memories }

// Memory returns the memory object with the given name, or nil.
func (p *Program) Memory(name string) *MemoryObject { return p.byName[name] }

// Ops returns the operation arena in program order.
// The returned slice must not be modified.
func (p *Program) Ops() []*Op { return p.ops }

// Dims returns every dimension symbol referenced by the program's memory
// objects and register values, in first-use order.
func (p *Program) Dims() []symbolic.Symbol { return p.dims }

// Signature returns the kernel's argument signature: the Input/Output memory
// objects in declaration order.
func (p *Program) Signature() []ArgSpec {
	var sig []ArgSpec
	for _, m := range p.memories {
		if !m.Argument {
			continue
		}
		sig = append(sig, ArgSpec{Name: m.Name, Shape: m.Shape, Space: m.Space})
	}
	return sig
}

// Accumulates returns the MMA operations of the program, in program order.
func (p *Program) Accumulates() []*Op {
	var out []*Op
	for _, op := range p.ops {
		if op.Kind == OpMMA {
			out = append(out, op)
		}
	}
	return out
}

func (p *Program) noteDims(dims []symbolic.Symbol) {
	for _, d := range dims {
		if !p.dimsSeen[d] {
			p.dimsSeen[d] = true
			p.dims = append(p.dims, d)
		}
	}
}

func (p *Program) declare(name string, dtype dtypes.DType, space shapes.AddressSpace, argument bool, dims ...symbolic.Symbol) *MemoryObject {
	if name == "" {
		exceptions.Panicf("kernel %q: memory object must be named", p.name)
	}
	if _, found := p.byName[name]; found {
		exceptions.Panicf("kernel %q: memory object %q declared twice", p.name, name)
	}
	if space != shapes.Global && space != shapes.Shared && space != shapes.Register {
		exceptions.Panicf("kernel %q: memory object %q has no address space", p.name, name)
	}
	if argument && space != shapes.Global {
		exceptions.Panicf("kernel %q: argument %q must live in global memory, got %s", p.name, name, space)
	}
	m := &MemoryObject{
		Name:     name,
		Shape:    shapes.Make(dtype, dims...),
		Space:    space,
		Argument: argument,
	}
	p.memories = append(p.memories, m)
	p.byName[name] = m
	p.noteDims(dims)
	return m
}

// Input declares a global memory object read by the kernel and adds it to the
// argument signature.
func (p *Program) Input(name string, dtype dtypes.DType, dims ...symbolic.Symbol) *MemoryObject {
	return p.declare(name, dtype, shapes.Global, true, dims...)
}

// Output declares a global memory object written by the kernel and adds it to
// the argument signature.
func (p *Program) Output(name string, dtype dtypes.DType, dims ...symbolic.Symbol) *MemoryObject {
	return p.declare(name, dtype, shapes.Global, true, dims...)
}

// DeclareMemory declares a non-argument memory object in an arbitrary address
// space, e.g. an explicitly managed shared-memory staging buffer.
func (p *Program) DeclareMemory(name string, dtype dtypes.DType, space shapes.AddressSpace, dims ...symbolic.Symbol) *MemoryObject {
	return p.declare(name, dtype, space, false, dims...)
}

// String returns a listing of the program, one op per line.
func (p *Program) String() string {
	out := fmt.Sprintf("Program %q: %d memory objects, %d ops\n", p.name, len(p.memories), len(p.ops))
	for _, m := range p.memories {
		out += fmt.Sprintf("\t%s\n", m)
	}
	for _, op := range p.ops {
		out += fmt.Sprintf("\t#%d\t%s\n", op.ID, op)
	}
	return out
}
