// Package runtime dispatches compiled kernels.
//
// The Dispatcher resolves a kernel invocation through the compilation cache,
// validates the argument buffers against the kernel signature, derives the
// launch geometry for the dispatch-time dimension sizes and hands execution
// to the backend artifact. Signature validation is strict: a mismatched
// argument never reaches the backend.
package runtime

import (
	"context"

	"github.com/badgerbroch/wave/backends"
	"github.com/badgerbroch/wave/compiler"
	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/symbolic"
	"k8s.io/klog/v2"
)

// Dispatcher compiles (with caching) and launches kernels on one backend.
type Dispatcher struct {
	cache *compiler.Cache
}

// New returns a Dispatcher on the default backend, with the persistent
// artifact store configured from the environment.
func New() (*Dispatcher, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	cache, err := compiler.NewCacheFromEnv(backend)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{cache: cache}, nil
}

// NewDispatcher returns a Dispatcher on the given backend with an in-memory
// cache only.
func NewDispatcher(backend backends.Backend) *Dispatcher {
	return &Dispatcher{cache: compiler.NewCache(backend, nil)}
}

// NewDispatcherWithCache returns a Dispatcher over an existing cache.
func NewDispatcherWithCache(cache *compiler.Cache) *Dispatcher {
	return &Dispatcher{cache: cache}
}

// Cache returns the dispatcher's compilation cache.
func (d *Dispatcher) Cache() *compiler.Cache { return d.cache }

// Dispatch compiles the kernel for the given constraints and bindings, then
// launches it once over args. Dimension sizes left unbound at compile time
// are inferred from the argument buffers.
func (d *Dispatcher) Dispatch(ctx context.Context, kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings, args []*backends.Buffer) error {
	exec, err := d.cache.Compile(kp, cs, bindings)
	if err != nil {
		return err
	}
	return Launch(ctx, exec, bindings, args)
}

// Launch validates args against the executable's signature and runs it once.
func Launch(ctx context.Context, exec *compiler.Executable, bindings symbolic.Bindings, args []*backends.Buffer) error {
	effective, err := bindArguments(exec, bindings, args)
	if err != nil {
		return err
	}
	launch, err := launchConfig(exec, effective)
	if err != nil {
		return err
	}
	klog.V(2).Infof("dispatching kernel %q: grid=%v threads=%d shared=%dB",
		exec.Kernel, launch.Grid, launch.Threads, launch.SharedBytes)
	return exec.Artifact.Execute(ctx, launch, args)
}

// bindArguments checks every buffer against the signature and returns the
// bindings extended with the dimension sizes the buffers imply. The same
// symbol appearing in several arguments must agree everywhere.
func bindArguments(exec *compiler.Executable, bindings symbolic.Bindings, args []*backends.Buffer) (symbolic.Bindings, error) {
	if len(args) != len(exec.Signature) {
		return nil, &SignatureMismatchError{
			Kernel:   exec.Kernel,
			Expected: len(exec.Signature),
			Actual:   len(args),
			Reason:   "argument count",
		}
	}
	effective := bindings.Merge(nil)
	for i, arg := range args {
		spec := exec.Signature[i]
		if arg == nil {
			return nil, &SignatureMismatchError{Kernel: exec.Kernel, Argument: spec.Name, Reason: "nil buffer"}
		}
		if arg.DType != spec.Shape.DType {
			return nil, &SignatureMismatchError{
				Kernel:   exec.Kernel,
				Argument: spec.Name,
				Expected: spec.Shape.DType,
				Actual:   arg.DType,
				Reason:   "element type",
			}
		}
		if len(arg.Dims) != spec.Shape.Rank() {
			return nil, &SignatureMismatchError{
				Kernel:   exec.Kernel,
				Argument: spec.Name,
				Expected: spec.Shape.Rank(),
				Actual:   len(arg.Dims),
				Reason:   "rank",
			}
		}
		for axis, dim := range spec.Shape.Dims {
			size := arg.Dims[axis]
			if size <= 0 {
				return nil, &SignatureMismatchError{
					Kernel:   exec.Kernel,
					Argument: spec.Name,
					Actual:   size,
					Reason:   "dimension " + string(dim) + " must be positive",
				}
			}
			if bound, ok := effective[dim]; ok {
				if bound != size {
					return nil, &SignatureMismatchError{
						Kernel:   exec.Kernel,
						Argument: spec.Name,
						Expected: bound,
						Actual:   size,
						Reason:   "dimension " + string(dim),
					}
				}
				continue
			}
			effective[dim] = size
		}
		if len(arg.Data) != arg.Bytes() {
			return nil, &SignatureMismatchError{
				Kernel:   exec.Kernel,
				Argument: spec.Name,
				Expected: arg.Bytes(),
				Actual:   len(arg.Data),
				Reason:   "buffer size in bytes",
			}
		}
	}
	return effective, nil
}

// launchConfig derives the dispatch geometry from the resolved geometry and
// the effective bindings.
func launchConfig(exec *compiler.Executable, bindings symbolic.Bindings) (backends.LaunchConfig, error) {
	grid, err := exec.Geometry.GridShape(bindings)
	if err != nil {
		return backends.LaunchConfig{}, err
	}
	return backends.LaunchConfig{
		Grid:         grid,
		WavesPerAxis: exec.Geometry.WavesPerAxis(),
		Threads:      exec.Geometry.ThreadsPerWorkgroup(),
		SharedBytes:  exec.Lowered.SharedBytes(),
	}, nil
}
