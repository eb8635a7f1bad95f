// Package dryrun is the reference backend: it accepts any valid lowered
// program, produces an artifact that validates its dispatch arguments and
// records launches without touching accelerator hardware.
//
// It serves tests and offline inspection of the compilation pipeline. Import
// it for side effects to make it available through the registry:
//
//	import _ "github.com/badgerbroch/wave/backends/dryrun"
package dryrun

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/badgerbroch/wave/backends"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/lowering"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the registered name of this backend.
const BackendName = "dryrun"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements backends.Backend without generating device code.
type Backend struct {
	config    string
	finalized bool
}

// New returns a dry-run backend. The config string is accepted and ignored.
func New(config string) (*Backend, error) {
	return &Backend{config: config}, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "dry-run target: validates dispatches and records launches without device execution"
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() { b.finalized = true }

// Compile implements backends.Backend.
func (b *Backend) Compile(program *lowering.Program) (backends.Artifact, error) {
	if b.finalized {
		return nil, errors.Errorf("backend %q already finalized", BackendName)
	}
	if program == nil {
		return nil, &backends.BackendFailure{
			Backend: BackendName,
			Stage:   "compile",
			Err:     errors.New("nil lowered program"),
		}
	}
	art := &artifact{
		id: uuid.NewString(),
		payload: payload{
			Kernel:      program.Kernel,
			Listing:     program.String(),
			Signature:   program.Signature,
			GridRank:    program.Geometry.GridRank(),
			SharedBytes: program.SharedBytes(),
			NumOps:      len(program.Ops),
		},
	}
	klog.V(1).Infof("dryrun: compiled kernel %q (%d ops, %d shared bytes) as artifact %s",
		program.Kernel, art.payload.NumOps, art.payload.SharedBytes, art.id)
	return art, nil
}

// Load implements backends.Backend.
func (b *Backend) Load(data []byte) (backends.Artifact, error) {
	if b.finalized {
		return nil, errors.Errorf("backend %q already finalized", BackendName)
	}
	var p payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, &backends.BackendFailure{
			Backend: BackendName,
			Stage:   "load",
			Err:     errors.Wrap(err, "decoding artifact"),
		}
	}
	return &artifact{id: uuid.NewString(), payload: p}, nil
}

// payload is the serializable state of an artifact.
type payload struct {
	Kernel      string
	Listing     string
	Signature   []kernel.ArgSpec
	GridRank    int
	SharedBytes uintptr
	NumOps      int
}

type artifact struct {
	id      string
	payload payload

	mu       sync.Mutex
	launches []backends.LaunchConfig
}

// ID implements backends.Artifact.
func (a *artifact) ID() string { return a.id }

// Backend implements backends.Artifact.
func (a *artifact) Backend() string { return BackendName }

// Listing returns the lowered-program listing captured at compile time.
func (a *artifact) Listing() string { return a.payload.Listing }

// Launches returns a copy of the launch configurations executed so far.
func (a *artifact) Launches() []backends.LaunchConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]backends.LaunchConfig, len(a.launches))
	copy(out, a.launches)
	return out
}

// Serialize implements backends.Artifact.
func (a *artifact) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&a.payload); err != nil {
		return nil, errors.Wrap(err, "encoding artifact")
	}
	return buf.Bytes(), nil
}

// Execute implements backends.Artifact: it validates the launch geometry and
// the argument buffers against the compiled signature and records the launch.
func (a *artifact) Execute(ctx context.Context, launch backends.LaunchConfig, args []*backends.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(launch.Grid) != a.payload.GridRank {
		return backends.Failuref(BackendName, "execute",
			"kernel %q expects a rank-%d grid, dispatch has rank %d",
			a.payload.Kernel, a.payload.GridRank, len(launch.Grid))
	}
	if launch.Threads <= 0 {
		return backends.Failuref(BackendName, "execute",
			"kernel %q dispatched with %d threads per workgroup", a.payload.Kernel, launch.Threads)
	}
	if len(args) != len(a.payload.Signature) {
		return backends.Failuref(BackendName, "execute",
			"kernel %q expects %d arguments, got %d",
			a.payload.Kernel, len(a.payload.Signature), len(args))
	}
	for i, arg := range args {
		spec := a.payload.Signature[i]
		if arg == nil {
			return backends.Failuref(BackendName, "execute", "argument %q is nil", spec.Name)
		}
		if arg.DType != spec.Shape.DType {
			return backends.Failuref(BackendName, "execute",
				"argument %q has element type %s, kernel expects %s",
				spec.Name, arg.DType, spec.Shape.DType)
		}
		if len(arg.Dims) != spec.Shape.Rank() {
			return backends.Failuref(BackendName, "execute",
				"argument %q has rank %d, kernel expects rank %d",
				spec.Name, len(arg.Dims), spec.Shape.Rank())
		}
		if len(arg.Data) != arg.Bytes() {
			return backends.Failuref(BackendName, "execute",
				"argument %q holds %d bytes for dimensions %v, needs %d",
				spec.Name, len(arg.Data), arg.Dims, arg.Bytes())
		}
	}
	a.mu.Lock()
	a.launches = append(a.launches, launch)
	a.mu.Unlock()
	klog.V(2).Infof("dryrun: executed kernel %q over grid %v", a.payload.Kernel, launch.Grid)
	return nil
}
