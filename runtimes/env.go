package runtimes

import "fmt"

// EventKind says which kind of action an Event tracks. Used for labeling and metrics;
// it has no effect on scheduling.
type EventKind int

const (
	KindRead EventKind = iota
	KindWrite
	KindKernel
	KindBarrier

	// KindTransfer is a device-to-device copy; only batched runtimes emit it.
	KindTransfer
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindKernel:
		return "kernel"
	case KindBarrier:
		return "barrier"
	case KindTransfer:
		return "transfer"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is an opaque completion handle returned by every enqueue call. It signals only
// after the action and all its dependencies completed on the device.
//
// Events come from a fixed-capacity pool owned by their Env and are only valid with the
// Env that created them. They are destroyed together with the Env.
type Event interface {
	Kind() EventKind

	// Label is a short human-readable tag ("write", kernel entry name, ...) used in
	// logs; not necessarily unique.
	Label() string
}

// Memory is a device buffer allocated by an Env. Only meaningful to the Env that
// allocated it.
type Memory interface {
	// Size returns the usable byte size requested at allocation.
	Size() int64
}

// Kernel is a compiled device function bound to the Env that created it.
//
// Arguments are positional device buffers. Dependencies added with AddDependency apply
// to the next EnqueueKernel of this kernel only: the launch consumes the list.
type Kernel interface {
	// Name returns the entry point name the kernel was created from.
	Name() string

	// SetArg binds a device buffer to argument position index. There is no bound
	// checking against the kernel's true arity; a bad index surfaces as a driver
	// error at launch.
	SetArg(index int, mem Memory) error

	// AddDependency appends ev to the dependency list consumed by the next launch.
	AddDependency(ev Event) error

	// Finalize releases the compiled function and its owning module. The kernel must
	// not be used afterwards.
	Finalize() error
}

// Dim3 is a 3-dimensional work size (global or local).
type Dim3 struct {
	X, Y, Z int
}

// Dim is shorthand for Dim3{x, y, z}.
func Dim(x, y, z int) Dim3 { return Dim3{X: x, Y: y, Z: z} }

// Total returns X*Y*Z, the number of work items.
func (d Dim3) Total() int { return d.X * d.Y * d.Z }

// Mul returns the component-wise product of d and o.
func (d Dim3) Mul(o Dim3) Dim3 { return Dim3{X: d.X * o.X, Y: d.Y * o.Y, Z: d.Z * o.Z} }

// String implements fmt.Stringer.
func (d Dim3) String() string { return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z) }

// Env is an execution environment: an asynchronous action stream against one device.
//
// Enqueue calls append the action and return immediately with an Event; actual device
// execution is asynchronous and overlapped. Program order alone implies no ordering
// between actions: pass the returned Events as dependencies where ordering matters.
// Dependencies must belong to this Env, or the enqueue fails with ErrCrossEnvEvent.
//
// An Env is single-threaded on the host side: its methods, its Kernels and its Memory
// handles must not be used from multiple goroutines without external locking. The
// device side runs concurrently regardless.
//
// Host slices handed to EnqueueRead/EnqueueWrite are used at execution time, not at
// enqueue time: the caller must keep them alive and unmutated until the returned Event
// signaled.
//
// The first failure on the device is recorded and poisons the environment: every
// subsequent Flush, Finish or Wait returns it. There are no retries.
type Env interface {
	// Device returns the device this environment executes on.
	Device() DeviceNum

	// AllocateMemory allocates a device buffer of byteSize bytes, sized for worst-case
	// alignment. Fails with ErrOutOfDeviceMemory if the device refuses.
	AllocateMemory(byteSize int64) (Memory, error)

	// DeallocateMemory stages mem on a pending-free list. The backing storage stays
	// valid until the environment is finalized, so earlier enqueued actions may still
	// touch it. Staging the same buffer twice is a caller error.
	DeallocateMemory(mem Memory) error

	// EnqueueRead copies the device buffer src into the host slice dst after deps
	// completed. len(dst) must not exceed src.Size().
	EnqueueRead(src Memory, dst []byte, deps []Event) (Event, error)

	// EnqueueWrite copies the host slice src into the device buffer dst after deps
	// completed. len(src) must not exceed dst.Size().
	EnqueueWrite(dst Memory, src []byte, deps []Event) (Event, error)

	// CreateKernelFromBinary compiles entry from a binary module image. Fails with
	// ErrInvalidBinary if the image does not parse and ErrKernelNotFound if the module
	// has no such entry point.
	CreateKernelFromBinary(image []byte, entry string) (Kernel, error)

	// EnqueueKernel launches k over global work items (local is the workgroup shape),
	// depending on the kernel's consumed dependency list.
	EnqueueKernel(k Kernel, global, local Dim3) (Event, error)

	// EnqueueBarrier enqueues an action that completes only after deps completed.
	// With no deps it orders against every action enqueued and not yet submitted on
	// this environment.
	EnqueueBarrier(deps []Event) (Event, error)

	// Flush closes the active stream, submits it, blocks until the device reports the
	// submission complete and reopens a fresh stream.
	Flush() error

	// Finish submits pending actions and blocks until the device is idle, without the
	// close/reopen cycle of Flush.
	Finish() error

	// Wait blocks until all events signaled. There is no timeout.
	Wait(events ...Event) error

	// Finalize implicitly Finishes, returns pooled events, drains the pending-free
	// list and closes the environment. Further use fails with ErrEnvClosed.
	Finalize() error
}
