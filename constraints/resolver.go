package constraints

import (
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/pkg/errors"
)

// Resolve turns the declarative constraint set into a concrete Geometry for
// the given program, under the compile-time substitution mapping.
//
// The resolution rules, in order:
//  1. Partition dimensions into grid-distributed (Workgroup), iterated
//     (Tiling) and broadcast (neither). Both kinds on one dimension is a
//     conflict.
//  2. Assign each Workgroup constraint to its grid axis; collisions and axis
//     gaps are conflicts.
//  3. Verify every Wave tile evenly divides its workgroup tile.
//  4. Fold the Hardware constraint in, checking the instruction against every
//     accumulate operation's element types and the group width.
//  5. Iterated dimensions get bound ⌈size/tile⌉ with a legal ragged final
//     tile, masked later at lowering time.
//
// Resolve is pure: it does not mutate the program or the constraints, and
// identical inputs produce identical geometries.
func Resolve(p *kernel.Program, cs []Constraint, bindings symbolic.Bindings) (*Geometry, error) {
	known := make(map[symbolic.Symbol]bool)
	for _, dim := range p.Dims() {
		known[dim] = true
	}

	workgroups := make(map[symbolic.Symbol]Workgroup)
	tilings := make(map[symbolic.Symbol]Tiling)
	waves := make(map[symbolic.Symbol]Wave)
	var hardware *Hardware
	for _, c := range cs {
		switch c := c.(type) {
		case Workgroup:
			if !known[c.Dim] {
				return nil, errors.Errorf("constraint %s references dimension %s not used by kernel %q", c, c.Dim, p.Name())
			}
			if prev, dup := workgroups[c.Dim]; dup {
				return nil, &ConflictingConstraintError{
					Dims: []symbolic.Symbol{c.Dim}, Axis: -1,
					Reason: "two workgroup constraints on the same dimension (" + prev.String() + " and " + c.String() + ")",
				}
			}
			workgroups[c.Dim] = c
		case Tiling:
			if !known[c.Dim] {
				return nil, errors.Errorf("constraint %s references dimension %s not used by kernel %q", c, c.Dim, p.Name())
			}
			if _, dup := tilings[c.Dim]; dup {
				return nil, &ConflictingConstraintError{
					Dims: []symbolic.Symbol{c.Dim}, Axis: -1,
					Reason: "two tiling constraints on the same dimension",
				}
			}
			tilings[c.Dim] = c
		case Wave:
			if !known[c.Dim] {
				return nil, errors.Errorf("constraint %s references dimension %s not used by kernel %q", c, c.Dim, p.Name())
			}
			if _, dup := waves[c.Dim]; dup {
				return nil, &ConflictingConstraintError{
					Dims: []symbolic.Symbol{c.Dim}, Axis: -1,
					Reason: "two wave constraints on the same dimension",
				}
			}
			waves[c.Dim] = c
		case Hardware:
			if hardware != nil {
				return nil, &ConflictingConstraintError{Axis: -1, Reason: "more than one hardware constraint"}
			}
			hw := c
			hardware = &hw
		default:
			return nil, errors.Errorf("unknown constraint type %T", c)
		}
	}
	if hardware == nil {
		return nil, errors.Errorf("kernel %q: constraint set has no hardware constraint", p.Name())
	}
	if hardware.GroupWidth <= 0 {
		return nil, errors.Errorf("kernel %q: hardware group width must be positive, got %d", p.Name(), hardware.GroupWidth)
	}
	maxLoadBits := hardware.MaxLoadBits
	if maxLoadBits == 0 {
		maxLoadBits = DefaultMaxLoadBits
	}

	geo := &Geometry{
		GroupWidth:  hardware.GroupWidth,
		Instruction: hardware.Instruction,
		MaxLoadBits: maxLoadBits,
	}

	axisOwner := make(map[int]symbolic.Symbol)
	maxAxis := -1
	for _, dim := range p.Dims() {
		wg, isGrid := workgroups[dim]
		tiling, isIterated := tilings[dim]
		wave, hasWave := waves[dim]

		if isGrid && isIterated {
			return nil, &ConflictingConstraintError{
				Dims: []symbolic.Symbol{dim}, Axis: -1,
				Reason: "dimension carries both a workgroup and a tiling constraint",
			}
		}
		if hasWave && !isGrid {
			return nil, &ConflictingConstraintError{
				Dims: []symbolic.Symbol{dim}, Axis: -1,
				Reason: "wave constraint requires a workgroup constraint on the same dimension",
			}
		}

		plan := DimPlan{
			Dim:   dim,
			Size:  symbolic.Var(dim).Substitute(bindings),
			Axis:  -1,
			Waves: 1,
		}
		switch {
		case isGrid:
			plan.Role = RoleGrid
			tile, err := wg.Tile.Eval(bindings)
			if err != nil {
				return nil, errors.WithMessagef(err, "workgroup tile size for dimension %s", dim)
			}
			if tile <= 0 {
				return nil, &InvalidTilingError{Dim: dim, Tile: tile, Reason: "workgroup tile size must be positive"}
			}
			if wg.Axis < 0 {
				return nil, errors.Errorf("workgroup constraint on %s has negative grid axis %d", dim, wg.Axis)
			}
			if owner, claimed := axisOwner[wg.Axis]; claimed {
				return nil, &ConflictingConstraintError{
					Dims: []symbolic.Symbol{owner, dim}, Axis: wg.Axis,
					Reason: "both dimensions are bound to the same grid axis",
				}
			}
			axisOwner[wg.Axis] = dim
			if wg.Axis > maxAxis {
				maxAxis = wg.Axis
			}
			plan.Tile = tile
			plan.Axis = wg.Axis
			if hasWave {
				waveTile, err := wave.Tile.Eval(bindings)
				if err != nil {
					return nil, errors.WithMessagef(err, "wave tile size for dimension %s", dim)
				}
				if waveTile <= 0 {
					return nil, &InvalidTilingError{Dim: dim, Tile: waveTile, Parent: tile, Reason: "wave tile size must be positive"}
				}
				if tile%waveTile != 0 {
					return nil, &InvalidTilingError{
						Dim: dim, Tile: waveTile, Parent: tile,
						Reason: "wave tile must evenly divide the workgroup tile",
					}
				}
				plan.WaveTile = waveTile
				plan.Waves = tile / waveTile
			}
		case isIterated:
			plan.Role = RoleIterated
			tile, err := tiling.Tile.Eval(bindings)
			if err != nil {
				return nil, errors.WithMessagef(err, "tiling tile size for dimension %s", dim)
			}
			if tile <= 0 {
				return nil, &InvalidTilingError{Dim: dim, Tile: tile, Reason: "tiling tile size must be positive"}
			}
			plan.Tile = tile
		default:
			plan.Role = RoleBroadcast
		}

		if size, concrete := plan.Size.IsConst(); concrete {
			if size < 0 {
				return nil, errors.Errorf("dimension %s has negative size %d", dim, size)
			}
			plan.Aligned = plan.Role == RoleBroadcast || size%plan.Tile == 0
		}
		geo.Dims = append(geo.Dims, plan)
	}

	// Grid axes must be contiguous starting at 0.
	geo.GridAxes = make([]symbolic.Symbol, maxAxis+1)
	for axis := 0; axis <= maxAxis; axis++ {
		dim, ok := axisOwner[axis]
		if !ok {
			return nil, &ConflictingConstraintError{
				Axis:   axis,
				Reason: "no dimension bound to this grid axis while higher axes are in use",
			}
		}
		geo.GridAxes[axis] = dim
	}

	if err := checkAccumulates(p, geo); err != nil {
		return nil, err
	}
	return geo, nil
}

// checkAccumulates verifies the hardware instruction against every MMA
// operation of the program: element types of operands and accumulator, and
// the cooperative-group width required by the instruction.
func checkAccumulates(p *kernel.Program, geo *Geometry) error {
	accums := p.Accumulates()
	if len(accums) == 0 {
		return nil
	}
	instruction := geo.Instruction
	if instruction == MMAUnset {
		return &UnsupportedInstructionShapeError{
			Instruction: instruction,
			Reason:      "kernel has accumulate operations but the hardware constraint declares no instruction",
		}
	}
	if geo.GroupWidth != instruction.GroupWidth() {
		return &UnsupportedInstructionShapeError{
			Instruction: instruction,
			Reason: errors.Errorf("instruction requires group width %d, hardware constraint declares %d",
				instruction.GroupWidth(), geo.GroupWidth).Error(),
		}
	}
	ops := p.Ops()
	for _, mma := range accums {
		lhs := ops[mma.Inputs[0]]
		if lhs.Shape.DType != instruction.OperandDType() {
			return &UnsupportedInstructionShapeError{
				Instruction: instruction,
				Reason: errors.Errorf("operand element type %s does not match instruction operand type %s",
					lhs.Shape.DType, instruction.OperandDType()).Error(),
			}
		}
		if mma.Shape.DType != instruction.AccumDType() {
			return &UnsupportedInstructionShapeError{
				Instruction: instruction,
				Reason: errors.Errorf("accumulator element type %s does not match instruction accumulator type %s",
					mma.Shape.DType, instruction.AccumDType()).Error(),
			}
		}
	}
	return nil
}
