//go:build opencl && cgo

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=300

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"

import (
	"runtime"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/runtimes"
)

// Env is an OpenCL execution environment: one in-order command queue on one device.
// The queue executes in enqueue order, which is more ordering than the contract
// requires; explicit event dependencies remain the only ordering callers may rely on.
//
// Events wrap cl_events and stay alive until Finalize; their number is capped by the
// runtime's event capacity. Deallocated buffers join a pending-free list whose cl_mem
// objects are released only at Finalize.
type Env struct {
	rt     *Runtime
	device runtimes.DeviceNum
	id     string

	ctx   C.cl_context
	queue C.cl_command_queue

	closed bool

	events  []*Event  // every event handed out, released at Finalize
	mems    []*Memory // every allocation, released at Finalize
	kernels []*Kernel // every kernel created, released at Finalize
	freed   int       // buffers staged on the pending-free list

	// pin holds the host slices of in-flight reads and writes; OpenCL touches them
	// after the enqueue call returned.
	pin runtime.Pinner

	firstErr error
}

// Compile-time check:
var _ runtimes.Env = (*Env)(nil)

func newEnv(rt *Runtime, device runtimes.DeviceNum, ctx C.cl_context, queue C.cl_command_queue) *Env {
	e := &Env{
		rt:     rt,
		device: device,
		id:     uuid.NewString()[:8],
		ctx:    ctx,
		queue:  queue,
	}
	klog.V(1).Infof("opencl: env %s opened on device %d (%s, events=%d)",
		e.id, device, rt.deviceNames[device], rt.eventCapacity)
	return e
}

// Device implements runtimes.Env.
func (e *Env) Device() runtimes.DeviceNum { return e.device }

// recordErr keeps the first failure; it poisons the environment. The host side of an
// Env is single-threaded and OpenCL never calls back into Go here, so no locking.
func (e *Env) recordErr(err error) {
	if e.firstErr == nil {
		e.firstErr = err
		klog.V(1).Infof("opencl: env %s poisoned: %v", e.id, err)
	}
}

func (e *Env) errOrNil() error { return e.firstErr }

// scanEvents records the first device-side failure among the environment's events.
// OpenCL reports failures as a negative execution status on the event.
func (e *Env) scanEvents() {
	if e.firstErr != nil {
		return
	}
	for _, ev := range e.events {
		var status C.cl_int
		if C.clGetEventInfo(ev.ev, C.CL_EVENT_COMMAND_EXECUTION_STATUS,
			C.size_t(unsafe.Sizeof(status)), unsafe.Pointer(&status), nil) != C.CL_SUCCESS {
			continue
		}
		if status < 0 {
			e.recordErr(&runtimes.DriverError{
				Runtime: Name,
				Op:      ev.label,
				Err:     clError(status, "device execution"),
			})
			return
		}
	}
}

// reserveEvent enforces the fixed event budget before an enqueue that produces one.
func (e *Env) reserveEvent(label string) error {
	if len(e.events) >= e.rt.eventCapacity {
		return errors.Wrapf(runtimes.ErrPoolExhausted, "%s (capacity %d)", label, e.rt.eventCapacity)
	}
	return nil
}

// track wraps a fresh cl_event; the environment owns it until Finalize.
func (e *Env) track(kind runtimes.EventKind, label string, ev C.cl_event) *Event {
	event := &Event{env: e, kind: kind, label: label, ev: ev}
	e.events = append(e.events, event)
	klog.V(2).Infof("opencl: env %s enqueued %s %q (%d events live)", e.id, kind, label, len(e.events))
	return event
}

// waitList resolves dependency events to a C wait list, rejecting foreign events.
func (e *Env) waitList(deps []runtimes.Event) ([]C.cl_event, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	list := make([]C.cl_event, len(deps))
	for i, dep := range deps {
		ev, ok := dep.(*Event)
		if !ok || ev.env != e {
			return nil, errors.Wrapf(runtimes.ErrCrossEnvEvent, "dependency %d (%v)", i, dep)
		}
		list[i] = ev.ev
	}
	return list, nil
}

func listArgs(list []C.cl_event) (C.cl_uint, *C.cl_event) {
	if len(list) == 0 {
		return 0, nil
	}
	return C.cl_uint(len(list)), &list[0]
}

// AllocateMemory implements runtimes.Env.
func (e *Env) AllocateMemory(byteSize int64) (runtimes.Memory, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "allocating memory")
	}
	if byteSize <= 0 {
		return nil, errors.Errorf("opencl: allocation of %d bytes", byteSize)
	}
	var code C.cl_int
	mem := C.clCreateBuffer(e.ctx, C.CL_MEM_READ_WRITE, C.size_t(byteSize), nil, &code)
	switch code {
	case C.CL_SUCCESS:
	case C.CL_MEM_OBJECT_ALLOCATION_FAILURE, C.CL_OUT_OF_RESOURCES, C.CL_OUT_OF_HOST_MEMORY,
		C.CL_INVALID_BUFFER_SIZE:
		return nil, errors.Wrapf(runtimes.ErrOutOfDeviceMemory, "allocating %d bytes (%s)",
			byteSize, clStatus(code))
	default:
		return nil, clError(code, "clCreateBuffer")
	}
	m := &Memory{env: e, mem: mem, size: byteSize}
	e.mems = append(e.mems, m)
	return m, nil
}

// DeallocateMemory implements runtimes.Env. The cl_mem joins the pending-free list and
// is released only at Finalize, so earlier enqueued actions may still touch it.
func (e *Env) DeallocateMemory(mem runtimes.Memory) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "deallocating memory")
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != e {
		return errors.Errorf("opencl: memory does not belong to this environment")
	}
	if m.freed {
		return errors.Errorf("opencl: buffer of %d bytes already deallocated", m.size)
	}
	m.freed = true
	e.freed++
	return nil
}

// EnqueueRead implements runtimes.Env: a non-blocking clEnqueueReadBuffer. dst is
// pinned until the environment is finalized.
func (e *Env) EnqueueRead(src runtimes.Memory, dst []byte, deps []runtimes.Event) (runtimes.Event, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "read")
	}
	m, ok := src.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("opencl: source memory does not belong to this environment")
	}
	if int64(len(dst)) > m.size {
		return nil, errors.Errorf("opencl: read of %d bytes exceeds buffer of %d", len(dst), m.size)
	}
	if err := e.reserveEvent("read"); err != nil {
		return nil, err
	}
	list, err := e.waitList(deps)
	if err != nil {
		return nil, err
	}
	n, ptr := listArgs(list)
	var ev C.cl_event
	var code C.cl_int
	if len(dst) == 0 {
		// A zero-size transfer is a marker completing after its dependencies.
		code = C.clEnqueueMarkerWithWaitList(e.queue, n, ptr, &ev)
	} else {
		e.pin.Pin(&dst[0])
		code = C.clEnqueueReadBuffer(e.queue, m.mem, C.CL_FALSE, 0, C.size_t(len(dst)),
			unsafe.Pointer(&dst[0]), n, ptr, &ev)
	}
	if code != C.CL_SUCCESS {
		return nil, clError(code, "clEnqueueReadBuffer")
	}
	return e.track(runtimes.KindRead, "read", ev), nil
}

// EnqueueWrite implements runtimes.Env: a non-blocking clEnqueueWriteBuffer. src is
// pinned until the environment is finalized.
func (e *Env) EnqueueWrite(dst runtimes.Memory, src []byte, deps []runtimes.Event) (runtimes.Event, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "write")
	}
	m, ok := dst.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("opencl: destination memory does not belong to this environment")
	}
	if int64(len(src)) > m.size {
		return nil, errors.Errorf("opencl: write of %d bytes exceeds buffer of %d", len(src), m.size)
	}
	if err := e.reserveEvent("write"); err != nil {
		return nil, err
	}
	list, err := e.waitList(deps)
	if err != nil {
		return nil, err
	}
	n, ptr := listArgs(list)
	var ev C.cl_event
	var code C.cl_int
	if len(src) == 0 {
		code = C.clEnqueueMarkerWithWaitList(e.queue, n, ptr, &ev)
	} else {
		e.pin.Pin(&src[0])
		code = C.clEnqueueWriteBuffer(e.queue, m.mem, C.CL_FALSE, 0, C.size_t(len(src)),
			unsafe.Pointer(&src[0]), n, ptr, &ev)
	}
	if code != C.CL_SUCCESS {
		return nil, clError(code, "clEnqueueWriteBuffer")
	}
	return e.track(runtimes.KindWrite, "write", ev), nil
}

// EnqueueBarrier implements runtimes.Env. With no deps the barrier orders against
// everything already enqueued on the queue.
func (e *Env) EnqueueBarrier(deps []runtimes.Event) (runtimes.Event, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "barrier")
	}
	if err := e.reserveEvent("barrier"); err != nil {
		return nil, err
	}
	list, err := e.waitList(deps)
	if err != nil {
		return nil, err
	}
	n, ptr := listArgs(list)
	var ev C.cl_event
	if code := C.clEnqueueBarrierWithWaitList(e.queue, n, ptr, &ev); code != C.CL_SUCCESS {
		return nil, clError(code, "clEnqueueBarrierWithWaitList")
	}
	return e.track(runtimes.KindBarrier, "barrier", ev), nil
}

// Flush implements runtimes.Env: submit everything and block until the device drained
// it. An in-order queue has no command list to close and reopen, so Flush and Finish
// coincide here.
func (e *Env) Flush() error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "flush")
	}
	return e.drain()
}

// Finish implements runtimes.Env.
func (e *Env) Finish() error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "finish")
	}
	return e.drain()
}

func (e *Env) drain() error {
	if code := C.clFinish(e.queue); code != C.CL_SUCCESS {
		e.recordErr(clError(code, "clFinish"))
	}
	e.scanEvents()
	return e.errOrNil()
}

// Wait implements runtimes.Env. Waiting flushes the queue first, so an event can never
// be waited on before its action was handed to the device.
func (e *Env) Wait(events ...runtimes.Event) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "wait")
	}
	list, err := e.waitList(events)
	if err != nil {
		return err
	}
	if code := C.clFlush(e.queue); code != C.CL_SUCCESS {
		e.recordErr(clError(code, "clFlush"))
	}
	var waitCode C.cl_int = C.CL_SUCCESS
	if n, ptr := listArgs(list); n > 0 {
		waitCode = C.clWaitForEvents(n, ptr)
	}
	e.scanEvents()
	if waitCode != C.CL_SUCCESS && waitCode != C.CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST {
		e.recordErr(clError(waitCode, "clWaitForEvents"))
	}
	return e.errOrNil()
}

// Finalize implements runtimes.Env: drain the queue, release every kernel, event and
// buffer (pending-free or not), unpin host slices and close the environment.
// Idempotent.
func (e *Env) Finalize() error {
	if e.closed {
		return nil
	}
	err := e.drain()
	for _, k := range e.kernels {
		_ = k.Finalize()
	}
	for _, ev := range e.events {
		C.clReleaseEvent(ev.ev)
	}
	for _, m := range e.mems {
		C.clReleaseMemObject(m.mem)
	}
	C.clReleaseCommandQueue(e.queue)
	C.clReleaseContext(e.ctx)
	e.pin.Unpin()
	e.closed = true
	klog.V(1).Infof("opencl: env %s closed (%d event(s), %d buffer(s), %d staged free(s))",
		e.id, len(e.events), len(e.mems), e.freed)
	e.events, e.mems, e.kernels = nil, nil, nil
	return err
}
