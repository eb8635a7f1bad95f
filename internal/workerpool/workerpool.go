// Package workerpool bounds the parallelism of batch compilations.
package workerpool

import (
	"runtime"
	"sync"
)

// Pool limits how many tasks run concurrently. A parallelism of -1 removes
// the limit.
type Pool struct {
	parallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the given parallelism; 0 or less than -1 defaults
// to runtime.NumCPU().
func New(parallelism int) *Pool {
	if parallelism == 0 || parallelism < -1 {
		parallelism = runtime.NumCPU()
	}
	p := &Pool{parallelism: parallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// Parallelism returns the pool's concurrency limit, -1 meaning unlimited.
func (p *Pool) Parallelism() int { return p.parallelism }

func (p *Pool) lockedIsFull() bool {
	if p.parallelism < 0 {
		return false
	}
	return p.numRunning >= p.parallelism
}

// Go runs task in its own goroutine, blocking first until the pool has a
// free slot. Pair it with an external sync.WaitGroup to wait for completion.
func (p *Pool) Go(task func()) {
	if p.parallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
}

// TryGo runs task in its own goroutine if a slot is free, returning whether
// it started.
func (p *Pool) TryGo(task func()) bool {
	if p.parallelism < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Signal()
			p.mu.Unlock()
		}()
		task()
	}()
	return true
}
