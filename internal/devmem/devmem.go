// Package devmem implements the device memory manager shared by the in-process devq
// runtimes: a budgeted arena of aligned slab allocations with two-phase free.
//
// Deallocation stages a region on a pending-free list; the backing bytes stay valid so
// actions enqueued before the deallocation can still execute against them. The list is
// drained only at environment teardown, after the device is idle.
package devmem

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/devq/devq/runtimes"
)

// Align is the worst-case alignment every allocation is sized for.
const Align = 64

// AlignedSize rounds n up to the next multiple of Align.
func AlignedSize(n int64) int64 {
	return (n + Align - 1) &^ (Align - 1)
}

// Region is one device buffer. Its backing slab is Align-sized; Size is the byte size
// the caller asked for.
type Region struct {
	mgr    *Manager
	data   []byte
	size   int64
	staged bool
}

// Size returns the requested byte size.
func (r *Region) Size() int64 { return r.size }

// Staged reports whether the region sits on the pending-free list.
func (r *Region) Staged() bool { return r.staged }

// Bytes returns the usable byte window of the region. It stays valid while the region
// is merely staged; it panics once the region was released at teardown.
func (r *Region) Bytes() []byte {
	if r.data == nil {
		exceptions.Panicf("devmem: region of %d bytes used after release", r.size)
	}
	return r.data[:r.size]
}

// Stats is a snapshot of the manager's accounting.
type Stats struct {
	Capacity     int64
	Used         int64 // aligned bytes backing live and staged regions
	Live         int   // regions allocated and not yet staged
	PendingCount int
	PendingBytes int64 // aligned bytes held by staged regions
}

// Manager owns the device memory budget of one environment.
//
// Alloc and StageFree are driven from the host thread; device goroutines only touch
// region bytes. Stats may be read concurrently.
type Manager struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	live     int
	pending  []*Region
}

// New returns a manager with the given byte capacity.
func New(capacity int64) *Manager {
	if capacity <= 0 {
		exceptions.Panicf("devmem.New: capacity must be positive, got %d", capacity)
	}
	return &Manager{capacity: capacity}
}

// Alloc allocates a region of byteSize bytes, sized for worst-case alignment. It fails
// with runtimes.ErrOutOfDeviceMemory when the budget is exceeded.
func (m *Manager) Alloc(byteSize int64) (*Region, error) {
	if byteSize <= 0 {
		return nil, errors.Errorf("devmem: allocation size must be positive, got %d", byteSize)
	}
	aligned := AlignedSize(byteSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+aligned > m.capacity {
		return nil, errors.Wrapf(runtimes.ErrOutOfDeviceMemory,
			"requested %s, %s of %s in use",
			humanize.IBytes(uint64(byteSize)), humanize.IBytes(uint64(m.used)),
			humanize.IBytes(uint64(m.capacity)))
	}
	m.used += aligned
	m.live++
	return &Region{mgr: m, data: make([]byte, aligned), size: byteSize}, nil
}

// StageFree moves r to the pending-free list. The backing bytes stay valid until
// DrainPending. Staging a region twice, or a region of another manager, is an error.
func (m *Manager) StageFree(r *Region) error {
	if r == nil || r.mgr != m {
		return errors.Errorf("devmem: region does not belong to this device")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.staged {
		return errors.Errorf("devmem: region of %d bytes deallocated twice", r.size)
	}
	if r.data == nil {
		return errors.Errorf("devmem: region of %d bytes deallocated after release", r.size)
	}
	r.staged = true
	m.live--
	m.pending = append(m.pending, r)
	return nil
}

// DrainPending releases every staged region and returns how many were released. Called
// at environment teardown, after the device went idle.
func (m *Manager) DrainPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	for _, r := range m.pending {
		m.used -= int64(len(r.data))
		r.data = nil
	}
	m.pending = nil
	return n
}

// Stats returns a snapshot of the accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pendingBytes int64
	for _, r := range m.pending {
		pendingBytes += int64(len(r.data))
	}
	return Stats{
		Capacity:     m.capacity,
		Used:         m.used,
		Live:         m.live,
		PendingCount: len(m.pending),
		PendingBytes: pendingBytes,
	}
}
