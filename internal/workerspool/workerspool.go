// Package workerspool bounds how many goroutines an in-process device uses to execute
// ready actions. Actions are only handed to the pool once their dependencies signaled,
// so workers never sleep on each other.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits concurrent task goroutines to a fixed parallelism.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a pool running at most maxParallelism tasks at once. Zero or negative
// means runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the configured limit.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// NumRunning returns how many tasks currently hold a worker.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRunning
}

// WaitToStart blocks until a worker is available, then runs task in its own goroutine
// and returns. It does not wait for the task to finish.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// TryStart runs task in its own goroutine if a worker is available and reports whether
// it did.
func (p *Pool) TryStart(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numRunning >= p.maxParallelism {
		return false
	}
	p.lockedStart(task)
	return true
}

func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
