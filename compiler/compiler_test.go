package compiler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/badgerbroch/wave/backends"
	"github.com/badgerbroch/wave/backends/dryrun"
	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/lowering"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var mDim, nDim, kDim = symbolic.S("M"), symbolic.S("N"), symbolic.S("K")

func gemmProgram(t *testing.T) *kernel.Program {
	t.Helper()
	p := kernel.New("gemm")
	a := p.Input("a", dtypes.Float16, mDim, kDim)
	b := p.Input("b", dtypes.Float16, nDim, kDim)
	c := p.Output("c", dtypes.Float32, mDim, nDim)
	acc := p.Zero(dtypes.Float32, mDim, nDim)
	loop := p.Iterate(kDim, acc)
	updated := p.MMA(p.Read(a), p.Read(b), loop.Carried(0))
	p.Write(loop.End(updated)[0], c)
	return p
}

func gemmConstraints() []constraints.Constraint {
	return []constraints.Constraint{
		constraints.Workgroup{Dim: mDim, Tile: symbolic.Const(64), Axis: 0},
		constraints.Workgroup{Dim: nDim, Tile: symbolic.Const(64), Axis: 1},
		constraints.Tiling{Dim: kDim, Tile: symbolic.Const(32)},
		constraints.Wave{Dim: mDim, Tile: symbolic.Const(32)},
		constraints.Wave{Dim: nDim, Tile: symbolic.Const(32)},
		constraints.Hardware{GroupWidth: 64, Instruction: constraints.MMAF32_16x16x16_F16},
	}
}

func gemmBindings() symbolic.Bindings {
	return symbolic.Bindings{mDim: 128, nDim: 256, kDim: 128}
}

func dryrunBackend(t *testing.T) backends.Backend {
	t.Helper()
	b, err := backends.NewWithConfig(dryrun.BackendName)
	require.NoError(t, err)
	return b
}

func TestCompilePipeline(t *testing.T) {
	exec, err := Compile(gemmProgram(t), gemmConstraints(), gemmBindings(), dryrunBackend(t))
	require.NoError(t, err)
	require.Equal(t, "gemm", exec.Kernel)
	require.NotNil(t, exec.Artifact)
	require.Len(t, exec.Signature, 3)
	require.Equal(t, 2, exec.Geometry.GridRank())
	require.NotEmpty(t, exec.Lowered.Barriers())
	require.Len(t, exec.Fingerprint, 64)
}

func TestCompileResolutionError(t *testing.T) {
	// Missing the Hardware constraint.
	cs := gemmConstraints()[:5]
	_, err := Compile(gemmProgram(t), cs, gemmBindings(), dryrunBackend(t))
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint(gemmProgram(t), gemmConstraints(), gemmBindings(), "dryrun")
	require.Equal(t, base, Fingerprint(gemmProgram(t), gemmConstraints(), gemmBindings(), "dryrun"))

	// Constraint order is irrelevant.
	reordered := gemmConstraints()
	reordered[0], reordered[5] = reordered[5], reordered[0]
	require.Equal(t, base, Fingerprint(gemmProgram(t), reordered, gemmBindings(), "dryrun"))

	// Everything else is not.
	require.NotEqual(t, base, Fingerprint(gemmProgram(t), gemmConstraints(), gemmBindings(), "gpu"))
	require.NotEqual(t, base,
		Fingerprint(gemmProgram(t), gemmConstraints(), symbolic.Bindings{mDim: 128, nDim: 256, kDim: 100}, "dryrun"))
	cs := gemmConstraints()
	cs[2] = constraints.Tiling{Dim: kDim, Tile: symbolic.Const(16)}
	require.NotEqual(t, base, Fingerprint(gemmProgram(t), cs, gemmBindings(), "dryrun"))
}

// countingBackend wraps a real backend to observe and optionally fail
// compilations.
type countingBackend struct {
	backends.Backend
	compiles atomic.Int32
	failNext atomic.Bool
}

func (b *countingBackend) Compile(program *lowering.Program) (backends.Artifact, error) {
	b.compiles.Add(1)
	if b.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("induced compile failure")
	}
	return b.Backend.Compile(program)
}

func TestCacheSingleFlight(t *testing.T) {
	backend := &countingBackend{Backend: dryrunBackend(t)}
	cache := NewCache(backend, nil)

	const waiters = 16
	execs := make([]*Executable, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := cache.Compile(gemmProgram(t), gemmConstraints(), gemmBindings())
			require.NoError(t, err)
			execs[i] = exec
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), backend.compiles.Load())
	for i := 1; i < waiters; i++ {
		require.Same(t, execs[0], execs[i])
	}
	require.Equal(t, 1, cache.Len())

	// Distinct bindings are a distinct compilation.
	_, err := cache.Compile(gemmProgram(t), gemmConstraints(), symbolic.Bindings{mDim: 64, nDim: 64, kDim: 64})
	require.NoError(t, err)
	require.Equal(t, int32(2), backend.compiles.Load())
	require.Equal(t, 2, cache.Len())
}

func TestCacheFailureIsNotCached(t *testing.T) {
	backend := &countingBackend{Backend: dryrunBackend(t)}
	cache := NewCache(backend, nil)

	backend.failNext.Store(true)
	_, err := cache.Compile(gemmProgram(t), gemmConstraints(), gemmBindings())
	require.ErrorContains(t, err, "induced compile failure")
	require.Equal(t, 0, cache.Len())

	// The retry compiles again and succeeds.
	exec, err := cache.Compile(gemmProgram(t), gemmConstraints(), gemmBindings())
	require.NoError(t, err)
	require.NotNil(t, exec)
	require.Equal(t, int32(2), backend.compiles.Load())
	require.Equal(t, 1, cache.Len())
}

func TestPrecompile(t *testing.T) {
	backend := &countingBackend{Backend: dryrunBackend(t)}
	cache := NewCache(backend, nil)

	good := Request{Kernel: gemmProgram(t), Constraints: gemmConstraints(), Bindings: gemmBindings()}
	other := Request{Kernel: gemmProgram(t), Constraints: gemmConstraints(),
		Bindings: symbolic.Bindings{mDim: 64, nDim: 64, kDim: 64}}
	// Missing Hardware constraint: resolution fails.
	bad := Request{Kernel: gemmProgram(t), Constraints: gemmConstraints()[:5], Bindings: gemmBindings()}

	execs, errs := cache.Precompile([]Request{good, other, good, bad}, 2)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NoError(t, errs[2])
	require.Error(t, errs[3])
	require.Same(t, execs[0], execs[2])
	require.Nil(t, execs[3])
	require.Equal(t, int32(2), backend.compiles.Load())
	require.Equal(t, 2, cache.Len())
}

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), "dryrun")
	require.NoError(t, err)

	_, found, err := store.Load("deadbeef")
	require.NoError(t, err)
	require.False(t, found)

	payload := []byte("artifact bytes")
	require.NoError(t, store.Save("deadbeef", payload))
	data, found, err := store.Load("deadbeef")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, data)

	// Another backend's store rejects the entry.
	other := &DiskStore{dir: store.dir, backend: "gpu"}
	_, found, err = other.Load("deadbeef")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCachePersistence(t *testing.T) {
	dir := t.TempDir()
	backend := &countingBackend{Backend: dryrunBackend(t)}
	store, err := NewDiskStore(dir, backend.Name())
	require.NoError(t, err)

	first := NewCache(backend, store)
	exec, err := first.Compile(gemmProgram(t), gemmConstraints(), gemmBindings())
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.compiles.Load())

	// A fresh cache over the same directory loads the persisted artifact
	// instead of recompiling.
	second := NewCache(backend, store)
	reloaded, err := second.Compile(gemmProgram(t), gemmConstraints(), gemmBindings())
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.compiles.Load())
	require.Equal(t, exec.Fingerprint, reloaded.Fingerprint)
	require.NotEqual(t, exec.Artifact.ID(), reloaded.Artifact.ID())
	require.NoError(t, reloaded.Artifact.Execute(context.Background(), backends.LaunchConfig{
		Grid:    []int{2, 4},
		Threads: 256,
	}, []*backends.Buffer{
		{DType: dtypes.Float16, Dims: []int{128, 128}, Data: make([]byte, 128*128*2)},
		{DType: dtypes.Float16, Dims: []int{256, 128}, Data: make([]byte, 256*128*2)},
		{DType: dtypes.Float32, Dims: []int{128, 256}, Data: make([]byte, 128*256*4)},
	}))
}
