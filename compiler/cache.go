package compiler

import (
	"github.com/badgerbroch/wave/backends"
	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/lowering"
	"github.com/badgerbroch/wave/types/symbolic"
	"github.com/badgerbroch/wave/types/xsync"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Cache memoizes compiled executables by fingerprint.
//
// Concurrent Compile calls with the same fingerprint coalesce into one
// compilation; the losers block until the winner publishes its result. A
// failed compilation is reported to every waiter of that flight but leaves
// no cache entry, so the next request retries.
type Cache struct {
	backend backends.Backend
	store   Store
	entries xsync.SyncMap[string, *cacheEntry]
}

type cacheResult struct {
	exec *Executable
	err  error
}

type cacheEntry struct {
	latch *xsync.LatchWithValue[cacheResult]
}

// NewCache returns a Cache compiling through backend. A nil store disables
// cross-process persistence.
func NewCache(backend backends.Backend, store Store) *Cache {
	return &Cache{backend: backend, store: store}
}

// NewCacheFromEnv returns a Cache whose persistent store is configured by
// the WAVE_CACHE_DIR environment variable.
func NewCacheFromEnv(backend backends.Backend) (*Cache, error) {
	store, err := DiskStoreFromEnv(backend.Name())
	if err != nil {
		return nil, err
	}
	if store == nil {
		return NewCache(backend, nil), nil
	}
	return NewCache(backend, store), nil
}

// Backend returns the cache's compilation target.
func (c *Cache) Backend() backends.Backend { return c.backend }

// Len returns the number of cached executables, not counting in-flight
// compilations.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_ string, entry *cacheEntry) bool {
		if entry.latch.Test() {
			n++
		}
		return true
	})
	return n
}

// Compile returns the executable for the given compilation, compiling it at
// most once per fingerprint.
func (c *Cache) Compile(kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings) (*Executable, error) {
	fingerprint := Fingerprint(kp, cs, bindings, c.backend.Name())
	entry := &cacheEntry{latch: xsync.NewLatchWithValue[cacheResult]()}
	actual, loaded := c.entries.LoadOrStore(fingerprint, entry)
	if loaded {
		// Either already compiled or in flight; Wait returns immediately in
		// the former case.
		result := actual.latch.Wait()
		return result.exec, result.err
	}

	exec, err := c.compileOne(fingerprint, kp, cs, bindings)
	if err != nil {
		// Drop the entry so a later request retries the compilation.
		c.entries.CompareAndDelete(fingerprint, entry)
	}
	entry.latch.Trigger(cacheResult{exec: exec, err: err})
	return exec, err
}

// compileOne runs one flight: persistent-store lookup first, then the full
// pipeline, publishing the serialized artifact on success.
func (c *Cache) compileOne(fingerprint string, kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings) (*Executable, error) {
	if c.store != nil {
		if exec, ok := c.loadPersisted(fingerprint, kp, cs, bindings); ok {
			return exec, nil
		}
	}
	exec, err := Compile(kp, cs, bindings, c.backend)
	if err != nil {
		klog.V(1).Infof("compilation of kernel %q failed: %v", kp.Name(), err)
		return nil, err
	}
	if c.store != nil {
		if data, err := exec.Artifact.Serialize(); err != nil {
			klog.Warningf("kernel %q: artifact not persisted: %v", kp.Name(), err)
		} else if err := c.store.Save(fingerprint, data); err != nil {
			klog.Warningf("kernel %q: artifact not persisted: %v", kp.Name(), err)
		} else {
			klog.V(1).Infof("kernel %q: persisted %s artifact as %s",
				kp.Name(), humanize.Bytes(uint64(len(data))), fingerprint[:12])
		}
	}
	return exec, nil
}

// loadPersisted rebuilds an Executable around a persisted artifact. The
// geometry and lowered program are recomputed; only backend code generation
// is skipped.
func (c *Cache) loadPersisted(fingerprint string, kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings) (*Executable, bool) {
	data, found, err := c.store.Load(fingerprint)
	if err != nil {
		klog.Warningf("kernel %q: persistent cache lookup failed: %v", kp.Name(), err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	artifact, err := c.backend.Load(data)
	if err != nil {
		klog.Warningf("kernel %q: persisted artifact rejected by backend %q: %v",
			kp.Name(), c.backend.Name(), err)
		return nil, false
	}
	geo, err := constraints.Resolve(kp, cs, bindings)
	if err != nil {
		return nil, false
	}
	lowered, err := lowering.Lower(kp, geo, bindings)
	if err != nil {
		return nil, false
	}
	klog.V(1).Infof("kernel %q: reusing persisted %s artifact %s",
		kp.Name(), humanize.Bytes(uint64(len(data))), fingerprint[:12])
	return &Executable{
		Fingerprint: fingerprint,
		Kernel:      kp.Name(),
		Signature:   kp.Signature(),
		Geometry:    geo,
		Lowered:     lowered,
		Artifact:    artifact,
	}, true
}
