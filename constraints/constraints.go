// Package constraints defines the declarative constraint vocabulary that
// drives distribution of a kernel over the parallel grid, and the resolver
// that turns a constraint set into a concrete execution Geometry.
//
// The vocabulary is closed: Workgroup, Tiling, Wave and Hardware. Every
// dimension referenced by a kernel program is covered by exactly one
// distribution constraint (Workgroup or Tiling) or is implicitly broadcast;
// the resolver never guesses, ambiguity is an error.
package constraints

import (
	"fmt"

	"github.com/badgerbroch/wave/types/symbolic"
)

// Constraint is the closed variant type of the declarative constraint set.
type Constraint interface {
	constraint()
	fmt.Stringer
}

// Workgroup binds a dimension to a physical grid axis: the dimension is
// split into tiles of Tile elements and each workgroup along Axis owns one
// tile. A dimension carries at most one Workgroup constraint, and each grid
// axis is claimed by at most one dimension.
type Workgroup struct {
	Dim  symbolic.Symbol
	Tile symbolic.Expr
	Axis int
}

func (Workgroup) constraint() {}

// String implements fmt.Stringer.
func (c Workgroup) String() string {
	return fmt.Sprintf("Workgroup(%s, tile=%s, axis=%d)", c.Dim, c.Tile, c.Axis)
}

// Tiling marks a dimension as a sequential iteration axis (typically a
// reduction): the kernel's Iterate construct walks it in steps of Tile
// elements. Ragged final tiles are legal and masked at lowering time.
type Tiling struct {
	Dim  symbolic.Symbol
	Tile symbolic.Expr
}

func (Tiling) constraint() {}

// String implements fmt.Stringer.
func (c Tiling) String() string {
	return fmt.Sprintf("Tiling(%s, tile=%s)", c.Dim, c.Tile)
}

// Wave subdivides a workgroup-bound dimension across the cooperating waves of
// the workgroup, each wave owning a Tile-element slice of the workgroup tile.
// The wave tile must evenly divide the workgroup tile.
type Wave struct {
	Dim  symbolic.Symbol
	Tile symbolic.Expr
}

func (Wave) constraint() {}

// String implements fmt.Stringer.
func (c Wave) String() string {
	return fmt.Sprintf("Wave(%s, tile=%s)", c.Dim, c.Tile)
}

// Hardware fixes the cooperative-group width (lanes per wave) and the native
// matrix-multiply-accumulate instruction every MMA op is mapped to.
// MaxLoadBits bounds the widest per-lane memory access; 0 means the default
// of 128 bits.
type Hardware struct {
	GroupWidth  int
	Instruction MMAInstruction
	MaxLoadBits int
}

func (Hardware) constraint() {}

// String implements fmt.Stringer.
func (c Hardware) String() string {
	return fmt.Sprintf("Hardware(group_width=%d, instruction=%s)", c.GroupWidth, c.Instruction)
}

// DefaultMaxLoadBits is the widest per-lane access assumed when a Hardware
// constraint does not specify one.
const DefaultMaxLoadBits = 128
