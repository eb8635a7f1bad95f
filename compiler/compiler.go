// Package compiler drives the full pipeline from a symbolic kernel program
// to an executable artifact: constraint resolution, lowering, backend code
// generation and caching.
//
// Compilation is keyed by a fingerprint of (program, constraints, bindings,
// backend). The Cache guarantees single-flight semantics per key: concurrent
// requests for the same kernel block on one compilation, and a failed
// compilation is not poisoned into the cache.
package compiler

import (
	"github.com/badgerbroch/wave/backends"
	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/lowering"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Executable pairs a compiled artifact with the geometry and signature the
// dispatcher needs to launch it.
type Executable struct {
	Fingerprint string
	Kernel      string
	Signature   []kernel.ArgSpec
	Geometry    *constraints.Geometry
	Lowered     *lowering.Program
	Artifact    backends.Artifact
}

// Compile runs the full pipeline once, uncached. Builder panics escaping the
// pipeline are converted to errors.
func Compile(kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings, backend backends.Backend) (*Executable, error) {
	var exec *Executable
	var compileErr error
	if err := exceptions.TryCatch[error](func() {
		exec, compileErr = compile(kp, cs, bindings, backend)
	}); err != nil {
		return nil, err
	}
	if compileErr != nil {
		return nil, compileErr
	}
	return exec, nil
}

func compile(kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings, backend backends.Backend) (*Executable, error) {
	if kp == nil {
		return nil, errors.New("nil kernel program")
	}
	if backend == nil {
		return nil, errors.New("nil backend")
	}
	geo, err := constraints.Resolve(kp, cs, bindings)
	if err != nil {
		return nil, err
	}
	lowered, err := lowering.Lower(kp, geo, bindings)
	if err != nil {
		return nil, err
	}
	artifact, err := backend.Compile(lowered)
	if err != nil {
		return nil, err
	}
	return &Executable{
		Fingerprint: Fingerprint(kp, cs, bindings, backend.Name()),
		Kernel:      kp.Name(),
		Signature:   kp.Signature(),
		Geometry:    geo,
		Lowered:     lowered,
		Artifact:    artifact,
	}, nil
}
