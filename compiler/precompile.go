package compiler

import (
	"sync"

	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/internal/workerpool"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/symbolic"
	"k8s.io/klog/v2"
)

// Request is one compilation of a Precompile batch.
type Request struct {
	Kernel      *kernel.Program
	Constraints []constraints.Constraint
	Bindings    symbolic.Bindings
}

// Precompile warms the cache with a batch of compilations, running at most
// parallelism of them concurrently (-1 for unlimited, 0 for one per CPU).
// It returns the per-request results, aligned with requests; single-flight
// deduplication applies, so repeated requests cost one compilation.
func (c *Cache) Precompile(requests []Request, parallelism int) ([]*Executable, []error) {
	execs := make([]*Executable, len(requests))
	errs := make([]error, len(requests))
	pool := workerpool.New(parallelism)
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		i, req := i, req
		pool.Go(func() {
			defer wg.Done()
			execs[i], errs[i] = c.Compile(req.Kernel, req.Constraints, req.Bindings)
		})
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		klog.V(1).Infof("precompiled %d kernels, %d failed", len(requests), failed)
	}
	return execs, errs
}
