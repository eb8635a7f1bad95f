package constraints

import (
	"fmt"
	"strings"

	"github.com/badgerbroch/wave/types/symbolic"
)

// ConflictingConstraintError reports two constraints claiming the same
// dimension or grid axis incompatibly.
type ConflictingConstraintError struct {
	// Dims are the offending dimensions (one for a per-dimension conflict,
	// two for an axis collision).
	Dims []symbolic.Symbol
	// Axis is the contested grid axis, or -1 when the conflict is not about
	// an axis.
	Axis   int
	Reason string
}

// Error implements the error interface.
func (e *ConflictingConstraintError) Error() string {
	names := make([]string, len(e.Dims))
	for i, d := range e.Dims {
		names[i] = string(d)
	}
	msg := fmt.Sprintf("conflicting constraints on dimension(s) %s: %s", strings.Join(names, ", "), e.Reason)
	if e.Axis >= 0 {
		msg = fmt.Sprintf("conflicting constraints on grid axis %d (dimensions %s): %s",
			e.Axis, strings.Join(names, ", "), e.Reason)
	}
	return msg
}

// InvalidTilingError reports a tile size that does not evenly divide its
// parent tile or dimension where exact division is required, or a
// non-positive tile.
type InvalidTilingError struct {
	Dim    symbolic.Symbol
	Tile   int
	Parent int
	Reason string
}

// Error implements the error interface.
func (e *InvalidTilingError) Error() string {
	return fmt.Sprintf("invalid tiling on dimension %s (tile=%d, parent=%d): %s", e.Dim, e.Tile, e.Parent, e.Reason)
}

// UnsupportedInstructionShapeError reports an accumulate operation whose
// operands cannot be serviced by the declared hardware instruction shape.
type UnsupportedInstructionShapeError struct {
	Instruction MMAInstruction
	// Dim is the offending dimension, when the problem is dimension-local.
	Dim    symbolic.Symbol
	Reason string
}

// Error implements the error interface.
func (e *UnsupportedInstructionShapeError) Error() string {
	if e.Dim != "" {
		return fmt.Sprintf("unsupported instruction shape %s on dimension %s: %s", e.Instruction, e.Dim, e.Reason)
	}
	return fmt.Sprintf("unsupported instruction shape %s: %s", e.Instruction, e.Reason)
}
