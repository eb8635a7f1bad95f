package lowering

import (
	"fmt"

	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
)

// InvalidAddressSpaceError reports an operation targeting a buffer through an
// incompatible address-space assumption.
type InvalidAddressSpaceError struct {
	Op     string
	Memory string
	Space  shapes.AddressSpace
	Reason string
}

// Error implements the error interface.
func (e *InvalidAddressSpaceError) Error() string {
	if e.Memory != "" {
		return fmt.Sprintf("invalid address space for %s on buffer %q (%s): %s", e.Op, e.Memory, e.Space, e.Reason)
	}
	return fmt.Sprintf("invalid address space for %s (%s): %s", e.Op, e.Space, e.Reason)
}

// validate is the final pipeline stage: it audits address-space consistency
// of every access and barrier, and verifies that no expression escaped with a
// symbol other than the builtin index symbols and dispatch-bound dimension
// sizes.
func (p *Program) validate() error {
	space := make(map[string]shapes.AddressSpace, len(p.Signature)+len(p.Shared))
	dims := make(map[symbolic.Symbol]bool)
	for _, arg := range p.Signature {
		space[arg.Name] = arg.Space
		for _, d := range arg.Shape.Dims {
			dims[d] = true
		}
	}
	for i := range p.Geometry.Dims {
		dims[p.Geometry.Dims[i].Dim] = true
	}
	for _, b := range p.Shared {
		space[b.Name] = shapes.Shared
	}

	checkExpr := func(e symbolic.Expr) error {
		for _, s := range e.Symbols() {
			if IsBuiltin(s) || dims[s] {
				continue
			}
			return &symbolic.UnresolvedSymbolError{Symbol: s, Expr: e.String()}
		}
		return nil
	}

	for i := range p.Ops {
		op := &p.Ops[i]
		switch op.Kind {
		case OpLoad, OpStore:
			declared, known := space[op.Access.Memory]
			if !known {
				// Non-argument memory objects keep their declared space.
				declared = op.Access.Space
			}
			if declared != op.Access.Space {
				return &InvalidAddressSpaceError{
					Op:     op.Kind.String(),
					Memory: op.Access.Memory,
					Space:  op.Access.Space,
					Reason: fmt.Sprintf("buffer is declared in %s space", declared),
				}
			}
			if op.Access.Space == shapes.Register {
				return &InvalidAddressSpaceError{
					Op:     op.Kind.String(),
					Memory: op.Access.Memory,
					Space:  op.Access.Space,
					Reason: "register-private storage cannot be addressed by memory operations",
				}
			}
			for _, e := range op.Access.Index {
				if err := checkExpr(e); err != nil {
					return err
				}
			}
			for _, e := range op.Access.Bounds {
				if err := checkExpr(e); err != nil {
					return err
				}
			}
		case OpBarrier:
			if op.Space != shapes.Shared {
				return &InvalidAddressSpaceError{
					Op:     op.Kind.String(),
					Space:  op.Space,
					Reason: "barriers synchronize shared memory only",
				}
			}
		case OpLoopEnter:
			if err := checkExpr(op.SizeExpr); err != nil {
				return err
			}
		}
	}
	return nil
}
