// Package eventpool implements the fixed-capacity pool of completion slots that backs
// the events of an execution environment.
//
// A Slot is a one-shot latch plus the first error recorded by whoever signaled it.
// Slots are leased with Pool.Create, signaled exactly once by the device side, and
// recycled with Pool.Destroy. The pool never grows: when every slot is live, Create
// fails with runtimes.ErrPoolExhausted.
//
// The pool is not safe for concurrent Create/Destroy; environments own one pool each
// and drive it from the host thread. Signal and the wait side are safe to use from
// device goroutines, but not concurrently with Destroy of the same slot: environments
// only destroy slots once the device is idle.
package eventpool

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/devq/devq/runtimes"
)

// Slot is one completion slot. The zero value is not usable; slots come from a Pool.
type Slot struct {
	index int
	live  bool

	mu       sync.Mutex
	done     chan struct{}
	err      error
	signaled bool
}

// Signal marks the slot complete, recording err (which may be nil). Signaling twice is
// a no-op that keeps the first recorded error.
func (s *Slot) Signal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		return
	}
	s.err = err
	s.signaled = true
	close(s.done)
}

// Done returns the channel closed when the slot signals.
func (s *Slot) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Signaled reports whether the slot already signaled.
func (s *Slot) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

// Wait blocks until the slot signals and returns the recorded error.
func (s *Slot) Wait() error {
	<-s.Done()
	return s.Err()
}

// Err returns the recorded error. Only meaningful after the slot signaled.
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitAll blocks until every slot signaled. There is no timeout.
func WaitAll(slots ...*Slot) {
	for _, s := range slots {
		<-s.Done()
	}
}

// Pool is a fixed-capacity arena of slots.
type Pool struct {
	slots []Slot
	free  []int // LIFO stack of free slot indexes
}

// New returns a pool with the given fixed capacity.
func New(capacity int) *Pool {
	if capacity <= 0 {
		exceptions.Panicf("eventpool.New: capacity must be positive, got %d", capacity)
	}
	p := &Pool{
		slots: make([]Slot, capacity),
		free:  make([]int, capacity),
	}
	for i := range p.slots {
		p.slots[i].index = i
		p.slots[i].done = make(chan struct{})
		p.free[capacity-1-i] = i
	}
	return p
}

// Capacity returns the fixed number of slots.
func (p *Pool) Capacity() int { return len(p.slots) }

// Live returns the number of slots currently leased out.
func (p *Pool) Live() int { return len(p.slots) - len(p.free) }

// Create leases a free slot. It fails with runtimes.ErrPoolExhausted when all slots are
// live; the pool never grows.
func (p *Pool) Create() (*Slot, error) {
	if len(p.free) == 0 {
		return nil, errors.Wrapf(runtimes.ErrPoolExhausted, "all %d slots live", len(p.slots))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	s := &p.slots[idx]
	s.live = true
	return s, nil
}

// Destroy returns a slot to the pool, resetting it for the next lease.
func (p *Pool) Destroy(s *Slot) {
	if s.index < 0 || s.index >= len(p.slots) || s != &p.slots[s.index] {
		exceptions.Panicf("eventpool.Destroy: slot does not belong to this pool")
	}
	if !s.live {
		exceptions.Panicf("eventpool.Destroy: slot %d destroyed twice", s.index)
	}
	s.mu.Lock()
	s.done = make(chan struct{})
	s.err = nil
	s.signaled = false
	s.mu.Unlock()
	s.live = false
	p.free = append(p.free, s.index)
}
