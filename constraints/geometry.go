package constraints

import (
	"fmt"
	"strings"

	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/pkg/errors"
)

// DimRole classifies how a dimension is distributed.
type DimRole int

const (
	// RoleGrid dimensions are split across workgroups along a grid axis.
	RoleGrid DimRole = iota

	// RoleIterated dimensions are walked sequentially by the iteration
	// construct.
	RoleIterated

	// RoleBroadcast dimensions are neither distributed nor iterated; every
	// workgroup sees the whole extent.
	RoleBroadcast
)

// String implements fmt.Stringer.
func (r DimRole) String() string {
	switch r {
	case RoleGrid:
		return "grid"
	case RoleIterated:
		return "iterated"
	case RoleBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("DimRole(%d)", int(r))
}

// DimPlan is the resolved distribution of one dimension.
//
// Size is the dimension size after compile-time substitution; it may remain
// symbolic when the size is to be bound at dispatch time, in which case the
// *At methods need the dispatch bindings.
type DimPlan struct {
	Dim  symbolic.Symbol
	Role DimRole

	// Size of the dimension; constant when bound at compile time.
	Size symbolic.Expr

	// Tile is the per-workgroup (grid) or per-step (iterated) tile size.
	// Zero for broadcast dimensions.
	Tile int

	// Axis is the grid axis for RoleGrid dimensions, -1 otherwise.
	Axis int

	// WaveTile subdivides a grid tile across waves; 0 when the dimension has
	// no Wave constraint. Waves is Tile/WaveTile, or 1.
	WaveTile int
	Waves    int

	// Aligned is true when Size is concrete and every covering tile divides
	// evenly, so no remainder masking is needed.
	Aligned bool
}

// SizeAt resolves the dimension size under the (possibly dispatch-time)
// bindings.
func (p *DimPlan) SizeAt(bindings symbolic.Bindings) (int, error) {
	return p.Size.Eval(bindings)
}

// Count returns the number of tiles covering the dimension:
// ⌈size/tile⌉ workgroups for a grid dimension, the iteration bound for an
// iterated dimension, and 1 for broadcast.
func (p *DimPlan) Count(bindings symbolic.Bindings) (int, error) {
	if p.Role == RoleBroadcast {
		return 1, nil
	}
	size, err := p.SizeAt(bindings)
	if err != nil {
		return 0, err
	}
	return symbolic.CeilDiv(size, p.Tile), nil
}

// FinalTile returns the effective size of the last tile:
// size - tile×(count-1). Equal to Tile when the dimension is aligned.
func (p *DimPlan) FinalTile(bindings symbolic.Bindings) (int, error) {
	if p.Role == RoleBroadcast {
		return p.SizeAt(bindings)
	}
	size, err := p.SizeAt(bindings)
	if err != nil {
		return 0, err
	}
	count := symbolic.CeilDiv(size, p.Tile)
	return size - p.Tile*(count-1), nil
}

// Geometry is the resolver's output: the concrete parallel-execution shape of
// one compiled kernel. It is never mutated after resolution.
type Geometry struct {
	// Dims holds one plan per program dimension, in program order.
	Dims []DimPlan

	// GridAxes maps grid axis -> dimension bound to it.
	GridAxes []symbolic.Symbol

	GroupWidth  int
	Instruction MMAInstruction
	MaxLoadBits int
}

// Plan returns the plan for a dimension, or nil if the dimension is unknown.
func (g *Geometry) Plan(dim symbolic.Symbol) *DimPlan {
	for i := range g.Dims {
		if g.Dims[i].Dim == dim {
			return &g.Dims[i]
		}
	}
	return nil
}

// GridRank returns the number of grid axes.
func (g *Geometry) GridRank() int { return len(g.GridAxes) }

// GridShape computes the per-axis workgroup counts under the given bindings.
func (g *Geometry) GridShape(bindings symbolic.Bindings) ([]int, error) {
	grid := make([]int, len(g.GridAxes))
	for axis, dim := range g.GridAxes {
		plan := g.Plan(dim)
		count, err := plan.Count(bindings)
		if err != nil {
			return nil, errors.WithMessagef(err, "computing grid size for axis %d (dimension %s)", axis, dim)
		}
		grid[axis] = count
	}
	return grid, nil
}

// WavesPerAxis returns the number of waves along each grid axis.
func (g *Geometry) WavesPerAxis() []int {
	waves := make([]int, len(g.GridAxes))
	for axis, dim := range g.GridAxes {
		waves[axis] = g.Plan(dim).Waves
	}
	return waves
}

// ThreadsPerWorkgroup returns the lane count of one workgroup: the group
// width times the total number of waves.
func (g *Geometry) ThreadsPerWorkgroup() int {
	threads := g.GroupWidth
	for _, w := range g.WavesPerAxis() {
		threads *= w
	}
	return threads
}

// TileShape returns the constrained per-workgroup tile dimensions of a shape:
// grid and iterated dimensions contribute their tile size, broadcast
// dimensions their full extent.
func (g *Geometry) TileShape(shape shapes.Shape, bindings symbolic.Bindings) ([]int, error) {
	dims := make([]int, shape.Rank())
	for i, dim := range shape.Dims {
		plan := g.Plan(dim)
		if plan == nil {
			return nil, errors.Errorf("shape %s uses dimension %s unknown to the geometry", shape, dim)
		}
		if plan.Role == RoleBroadcast {
			size, err := plan.SizeAt(bindings)
			if err != nil {
				return nil, err
			}
			dims[i] = size
			continue
		}
		dims[i] = plan.Tile
	}
	return dims, nil
}

// String implements fmt.Stringer with a one-line summary per dimension.
func (g *Geometry) String() string {
	parts := make([]string, 0, len(g.Dims)+1)
	parts = append(parts, fmt.Sprintf("Geometry{group_width=%d, instruction=%s}", g.GroupWidth, g.Instruction))
	for i := range g.Dims {
		p := &g.Dims[i]
		switch p.Role {
		case RoleGrid:
			parts = append(parts, fmt.Sprintf("  %s: grid axis %d, tile=%d, wave_tile=%d, waves=%d",
				p.Dim, p.Axis, p.Tile, p.WaveTile, p.Waves))
		case RoleIterated:
			parts = append(parts, fmt.Sprintf("  %s: iterated, tile=%d", p.Dim, p.Tile))
		default:
			parts = append(parts, fmt.Sprintf("  %s: broadcast", p.Dim))
		}
	}
	return strings.Join(parts, "\n")
}
