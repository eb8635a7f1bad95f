package lowering

import (
	"fmt"

	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/shapes"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Lower transforms the symbolic program and its resolved geometry into a
// lowered Program under the compile-time substitution mapping.
//
// Dimension-size symbols may remain unbound (to be supplied at dispatch
// time); every other symbol reaches the lowered program only as one of the
// builtin grid/wave/iteration index symbols.
func Lower(kp *kernel.Program, geo *constraints.Geometry, bindings symbolic.Bindings) (*Program, error) {
	l := &lowerer{
		kp:       kp,
		geo:      geo,
		bindings: bindings,
		out: &Program{
			Kernel:    kp.Name(),
			Signature: kp.Signature(),
			Geometry:  geo,
		},
		valueOf:   make(map[kernel.OpID]ValueID),
		staged:    make(map[string]string),
		loadCache: make(map[string]ValueID),
	}
	if err := l.run(); err != nil {
		return nil, err
	}
	if err := l.out.validate(); err != nil {
		return nil, err
	}
	l.out.NumValues = int(l.nextValue)
	return l.out, nil
}

type lowerer struct {
	kp       *kernel.Program
	geo      *constraints.Geometry
	bindings symbolic.Bindings
	out      *Program

	valueOf   map[kernel.OpID]ValueID
	nextValue ValueID

	// staged maps a global memory name to its shared staging buffer while a
	// loop body is being lowered.
	staged map[string]string

	// loop currently open, if any.
	loop *openLoop

	// sharedDirty tracks shared buffers written since the last barrier;
	// sharedRead tracks shared buffers read inside the current loop body.
	sharedDirty map[string]bool
	sharedRead  bool

	loadCache map[string]ValueID
}

type openLoop struct {
	enter   kernel.OpID
	dim     symbolic.Symbol
	opIndex int // index of the OpLoopEnter in out.Ops
	carried []ValueID
}

func (l *lowerer) newValue() ValueID {
	id := l.nextValue
	l.nextValue++
	return id
}

func (l *lowerer) emit(op Op) int {
	l.out.Ops = append(l.out.Ops, op)
	return len(l.out.Ops) - 1
}

func (l *lowerer) plan(dim symbolic.Symbol) (*constraints.DimPlan, error) {
	p := l.geo.Plan(dim)
	if p == nil {
		return nil, errors.Errorf("dimension %s has no plan in the resolved geometry", dim)
	}
	return p, nil
}

func (l *lowerer) run() error {
	ops := l.kp.Ops()
	for i := 0; i < len(ops); i++ {
		op := ops[i]
		switch op.Kind {
		case kernel.OpZero:
			id := l.newValue()
			l.valueOf[op.ID] = id
			l.emit(Op{Kind: OpZero, Result: id, DType: op.Shape.DType})

		case kernel.OpRead:
			id, err := l.lowerRead(op)
			if err != nil {
				return err
			}
			l.valueOf[op.ID] = id

		case kernel.OpWrite:
			if err := l.lowerWrite(op); err != nil {
				return err
			}

		case kernel.OpMMA:
			id, err := l.lowerMMA(op)
			if err != nil {
				return err
			}
			l.valueOf[op.ID] = id

		case kernel.OpBinary:
			id := l.newValue()
			l.valueOf[op.ID] = id
			l.emit(Op{
				Kind:   OpBinary,
				Result: id,
				Args:   []ValueID{l.valueOf[op.Inputs[0]], l.valueOf[op.Inputs[1]]},
				Binary: op.Binary,
				DType:  op.Shape.DType,
			})

		case kernel.OpIterate:
			if err := l.lowerLoopEnter(op, ops[i+1:]); err != nil {
				return err
			}

		case kernel.OpCarried:
			l.valueOf[op.ID] = l.loop.carried[op.Index]

		case kernel.OpEndIterate:
			if err := l.lowerLoopExit(op); err != nil {
				return err
			}

		case kernel.OpLoopResult:
			// Mapped by lowerLoopExit.
		}
	}
	return nil
}

// maxElemsPerLane bounds per-lane vector width by the hardware's widest load.
func (l *lowerer) maxElemsPerLane(dtype dtypes.DType) int {
	width := l.geo.MaxLoadBits / (int(dtype.Memory()) * 8)
	if width < 1 {
		width = 1
	}
	return width
}

// accessFor builds the resolved addressing of a memory access.
//
// For global memory the tile origin combines the grid-axis offset, the wave
// offset (when perLane) and the iteration offset. Shared staging buffers drop
// the grid and iteration terms: they hold the current workgroup tile only.
func (l *lowerer) accessFor(shape shapes.Shape, space shapes.AddressSpace, name string, perLane bool) (*Access, error) {
	access := &Access{
		Memory: name,
		Space:  space,
		Index:  make([]symbolic.Expr, shape.Rank()),
		Extent: make([]int, shape.Rank()),
		Bounds: make([]symbolic.Expr, shape.Rank()),
	}
	for i, dim := range shape.Dims {
		plan, err := l.plan(dim)
		if err != nil {
			return nil, err
		}
		// origin is the full global-coordinate offset of the accessed tile;
		// index is the addressing offset inside the target buffer, which for
		// shared staging drops the grid and iteration terms.
		var origin, index symbolic.Expr
		extent := -1
		switch plan.Role {
		case constraints.RoleGrid:
			extent = plan.Tile
			origin = symbolic.Scaled(GridSymbol(plan.Axis), plan.Tile)
			if space == shapes.Global {
				index = origin
			}
			if perLane && plan.WaveTile > 0 {
				wave := symbolic.Scaled(WaveSymbol(plan.Axis), plan.WaveTile)
				origin = origin.Add(wave)
				index = index.Add(wave)
				extent = plan.WaveTile
			}
		case constraints.RoleIterated:
			extent = plan.Tile
			if l.loop != nil && l.loop.dim == dim {
				origin = symbolic.Scaled(IterationSymbol(dim), plan.Tile)
				if space == shapes.Global {
					index = origin
				}
			} else {
				// Iterated dimension accessed outside its loop: the whole
				// extent is addressed at once.
				if size, ok := plan.Size.IsConst(); ok {
					extent = size
				} else {
					extent = -1
				}
			}
		case constraints.RoleBroadcast:
			if size, ok := plan.Size.IsConst(); ok {
				extent = size
			}
		}
		access.Index[i] = index
		access.Extent[i] = extent
		if !plan.Aligned {
			// Remaining valid elements from the tile origin; lanes past the
			// bound are masked out.
			access.Bounds[i] = plan.Size.Sub(origin)
		}
	}
	return access, nil
}

func (l *lowerer) barrierIfDirty() {
	if len(l.sharedDirty) == 0 {
		return
	}
	l.emit(Op{Kind: OpBarrier, Space: shapes.Shared})
	l.sharedDirty = nil
	l.loadCache = make(map[string]ValueID)
}

func (l *lowerer) markDirty(name string) {
	if l.sharedDirty == nil {
		l.sharedDirty = make(map[string]bool)
	}
	l.sharedDirty[name] = true
	l.loadCache = make(map[string]ValueID)
}

func cacheKey(a *Access) string {
	key := a.Memory + "@" + a.Space.String()
	for _, e := range a.Index {
		key += "|" + e.String()
	}
	return key
}

func (l *lowerer) lowerRead(op *kernel.Op) (ValueID, error) {
	mem := op.Memory
	space := mem.Space
	name := mem.Name
	if staging, ok := l.staged[mem.Name]; ok && l.loop != nil {
		// Consume phase: read the workgroup tile staged in shared memory.
		space = shapes.Shared
		name = staging
	}
	if space == shapes.Shared {
		l.barrierIfDirty()
	}

	access, err := l.accessFor(mem.Shape, space, name, true)
	if err != nil {
		return InvalidValueID, err
	}
	key := cacheKey(access)
	if id, ok := l.loadCache[key]; ok {
		// Redundant load: same buffer, same resolved address.
		return id, nil
	}
	id := l.newValue()
	l.emit(Op{
		Kind:        OpLoad,
		Result:      id,
		Access:      access,
		DType:       mem.Shape.DType,
		VectorWidth: l.maxElemsPerLane(mem.Shape.DType),
	})
	l.loadCache[key] = id
	if space == shapes.Shared && l.loop != nil {
		l.sharedRead = true
	}
	return id, nil
}

func (l *lowerer) lowerWrite(op *kernel.Op) error {
	mem := op.Memory
	access, err := l.accessFor(mem.Shape, mem.Space, mem.Name, true)
	if err != nil {
		return err
	}
	if mem.Space == shapes.Shared {
		l.markDirty(mem.Name)
	} else {
		l.loadCache = make(map[string]ValueID)
	}
	l.emit(Op{
		Kind:        OpStore,
		Args:        []ValueID{l.valueOf[op.Inputs[0]]},
		Access:      access,
		DType:       mem.Shape.DType,
		VectorWidth: l.maxElemsPerLane(mem.Shape.DType),
	})
	return nil
}

// waveTileOf returns the per-wave extent of a dimension as seen by one MMA:
// the wave tile of a grid dimension (falling back to the workgroup tile), the
// step tile of an iterated dimension, or the full broadcast extent.
func (l *lowerer) waveTileOf(dim symbolic.Symbol) (int, error) {
	plan, err := l.plan(dim)
	if err != nil {
		return 0, err
	}
	switch plan.Role {
	case constraints.RoleGrid:
		if plan.WaveTile > 0 {
			return plan.WaveTile, nil
		}
		return plan.Tile, nil
	case constraints.RoleIterated:
		return plan.Tile, nil
	default:
		size, ok := plan.Size.IsConst()
		if !ok {
			return 0, &constraints.UnsupportedInstructionShapeError{
				Instruction: l.geo.Instruction,
				Dim:         dim,
				Reason:      "accumulate dimension size must be known at compile time",
			}
		}
		return size, nil
	}
}

func mmaSteps(instruction constraints.MMAInstruction, dim symbolic.Symbol, tile, native int) (steps int, masked bool, err error) {
	switch {
	case tile%native == 0:
		return tile / native, false, nil
	case native%tile == 0:
		// Smaller than the instruction: pad logically, mask the dead lanes.
		return 1, true, nil
	default:
		return 0, false, &constraints.UnsupportedInstructionShapeError{
			Instruction: instruction,
			Dim:         dim,
			Reason: fmt.Sprintf("tile size %d is not alignable to the native size %d even with masking",
				tile, native),
		}
	}
}

func (l *lowerer) lowerMMA(op *kernel.Op) (ValueID, error) {
	ops := l.kp.Ops()
	lhs := ops[op.Inputs[0]]
	instruction := l.geo.Instruction
	nativeM, nativeN, nativeK := instruction.Shape()

	mDim, kDim := lhs.Shape.Dims[0], lhs.Shape.Dims[1]
	nDim := op.Shape.Dims[1]
	tileM, err := l.waveTileOf(mDim)
	if err != nil {
		return InvalidValueID, err
	}
	tileN, err := l.waveTileOf(nDim)
	if err != nil {
		return InvalidValueID, err
	}
	tileK, err := l.waveTileOf(kDim)
	if err != nil {
		return InvalidValueID, err
	}

	stepsM, maskedM, err := mmaSteps(instruction, mDim, tileM, nativeM)
	if err != nil {
		return InvalidValueID, err
	}
	stepsN, maskedN, err := mmaSteps(instruction, nDim, tileN, nativeN)
	if err != nil {
		return InvalidValueID, err
	}
	stepsK, maskedK, err := mmaSteps(instruction, kDim, tileK, nativeK)
	if err != nil {
		return InvalidValueID, err
	}

	kPlan, err := l.plan(kDim)
	if err != nil {
		return InvalidValueID, err
	}
	id := l.newValue()
	l.emit(Op{
		Kind:        OpMMA,
		Result:      id,
		Args:        []ValueID{l.valueOf[op.Inputs[0]], l.valueOf[op.Inputs[1]], l.valueOf[op.Inputs[2]]},
		DType:       op.Shape.DType,
		Instruction: instruction,
		StepsM:      stepsM,
		StepsN:      stepsN,
		StepsK:      stepsK,
		MaskedMMA:   maskedM || maskedN || maskedK || !kPlan.Aligned,
	})
	return id, nil
}

// lowerLoopEnter opens the loop and emits the populate phase: every global
// memory read in the body is staged through a synthesized shared buffer,
// loaded cooperatively by the whole workgroup once per iteration.
func (l *lowerer) lowerLoopEnter(op *kernel.Op, rest []*kernel.Op) error {
	if l.loop != nil {
		return errors.Errorf("kernel %q: nested loops are not supported", l.kp.Name())
	}
	plan, err := l.plan(op.Dim)
	if err != nil {
		return err
	}
	if plan.Role != constraints.RoleIterated {
		return errors.Errorf("kernel %q iterates over %s which has no tiling constraint", l.kp.Name(), op.Dim)
	}

	tripCount := -1
	if size, ok := plan.Size.IsConst(); ok {
		tripCount = symbolic.CeilDiv(size, plan.Tile)
	}

	enter := Op{
		Kind:      OpLoopEnter,
		Dim:       op.Dim,
		IV:        IterationSymbol(op.Dim),
		Step:      plan.Tile,
		TripCount: tripCount,
		SizeExpr:  plan.Size,
	}
	for _, in := range op.Inputs {
		enter.Init = append(enter.Init, l.valueOf[in])
	}
	carried := make([]ValueID, len(op.Inputs))
	for i := range carried {
		carried[i] = l.newValue()
	}
	enter.Carried = carried
	opIndex := l.emit(enter)
	l.loop = &openLoop{enter: op.ID, dim: op.Dim, opIndex: opIndex, carried: carried}
	l.loadCache = make(map[string]ValueID)
	l.sharedRead = false

	// Stage every global memory read by the body through shared memory.
	for _, body := range rest {
		if body.Kind == kernel.OpEndIterate {
			break
		}
		if body.Kind != kernel.OpRead || body.Memory.Space != shapes.Global {
			continue
		}
		mem := body.Memory
		if _, done := l.staged[mem.Name]; done {
			continue
		}
		dims, err := l.geo.TileShape(mem.Shape, l.bindings)
		if err != nil {
			return err
		}
		staging := mem.Name + ".shared"
		l.out.Shared = append(l.out.Shared, SharedBuffer{Name: staging, DType: mem.Shape.DType, Dims: dims})
		l.staged[mem.Name] = staging

		// Cooperative copy: the workgroup loads its full tile and stores it
		// into the staging buffer.
		globalAccess, err := l.accessFor(mem.Shape, shapes.Global, mem.Name, false)
		if err != nil {
			return err
		}
		tmp := l.newValue()
		l.emit(Op{
			Kind:        OpLoad,
			Result:      tmp,
			Access:      globalAccess,
			DType:       mem.Shape.DType,
			VectorWidth: l.maxElemsPerLane(mem.Shape.DType),
		})
		sharedAccess, err := l.accessFor(mem.Shape, shapes.Shared, staging, false)
		if err != nil {
			return err
		}
		l.emit(Op{
			Kind:        OpStore,
			Args:        []ValueID{tmp},
			Access:      sharedAccess,
			DType:       mem.Shape.DType,
			VectorWidth: l.maxElemsPerLane(mem.Shape.DType),
		})
		l.markDirty(staging)
	}
	return nil
}

func (l *lowerer) lowerLoopExit(op *kernel.Op) error {
	loop := l.loop
	if loop == nil || loop.enter != op.Loop {
		return errors.Errorf("kernel %q: loop exit without a matching open loop", l.kp.Name())
	}
	// Write-after-read hazard: the next iteration's populate phase reuses
	// the shared buffers this iteration just read.
	if l.sharedRead {
		l.emit(Op{Kind: OpBarrier, Space: shapes.Shared})
		l.sharedDirty = nil
	}

	exit := Op{Kind: OpLoopExit, Dim: loop.dim}
	for _, in := range op.Inputs {
		exit.Finals = append(exit.Finals, l.valueOf[in])
	}
	results := make([]ValueID, len(op.Inputs))
	for i := range results {
		results[i] = l.newValue()
	}
	exit.Results = results
	l.emit(exit)

	// Map the after-loop result values.
	ops := l.kp.Ops()
	for _, candidate := range ops {
		if candidate.Kind == kernel.OpLoopResult && candidate.Loop == loop.enter {
			l.valueOf[candidate.ID] = results[candidate.Index]
		}
	}

	l.loop = nil
	l.staged = make(map[string]string)
	l.sharedDirty = nil
	l.loadCache = make(map[string]ValueID)
	return nil
}
