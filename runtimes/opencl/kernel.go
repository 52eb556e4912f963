//go:build opencl && cgo

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=300

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"

import (
	"bytes"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/devq/devq/runtimes"
)

// Event wraps one cl_event. It stays alive until its environment is finalized.
type Event struct {
	env   *Env
	kind  runtimes.EventKind
	label string
	ev    C.cl_event
}

var _ runtimes.Event = (*Event)(nil)

// Kind implements runtimes.Event.
func (ev *Event) Kind() runtimes.EventKind { return ev.kind }

// Label implements runtimes.Event.
func (ev *Event) Label() string { return ev.label }

// Memory wraps one cl_mem buffer.
type Memory struct {
	env   *Env
	mem   C.cl_mem
	size  int64
	freed bool // staged on the pending-free list
}

var _ runtimes.Memory = (*Memory)(nil)

// Size implements runtimes.Memory.
func (m *Memory) Size() int64 { return m.size }

// Kernel wraps a built cl_program and its cl_kernel, bound to one environment.
//
// deps is the one-shot dependency list consumed by the next launch.
type Kernel struct {
	env       *Env
	name      string
	program   C.cl_program
	kernel    C.cl_kernel
	deps      []*Event
	finalized bool
}

var _ runtimes.Kernel = (*Kernel)(nil)

// spirvMagic is the little-endian SPIR-V module magic 0x07230203.
var spirvMagic = []byte{0x03, 0x02, 0x23, 0x07}

// CreateKernelFromBinary implements runtimes.Env. SPIR-V images load through
// clCreateProgramWithIL; anything else builds as OpenCL C source.
func (e *Env) CreateKernelFromBinary(image []byte, entry string) (runtimes.Kernel, error) {
	if e.closed {
		return nil, errors.WithMessagef(runtimes.ErrEnvClosed, "creating kernel %q", entry)
	}
	if len(image) == 0 {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "empty image for kernel %q", entry)
	}
	var code C.cl_int
	var program C.cl_program
	if bytes.HasPrefix(image, spirvMagic) {
		program = C.clCreateProgramWithIL(e.ctx, unsafe.Pointer(&image[0]), C.size_t(len(image)), &code)
	} else {
		src := C.CString(string(image))
		defer C.free(unsafe.Pointer(src))
		length := C.size_t(len(image))
		program = C.clCreateProgramWithSource(e.ctx, 1, &src, &length, &code)
	}
	if code != C.CL_SUCCESS {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "loading module for %q: %s",
			entry, clStatus(code))
	}
	dev := e.rt.devices[e.device]
	if code := C.clBuildProgram(program, 1, &dev, nil, nil, nil); code != C.CL_SUCCESS {
		log := buildLog(program, dev)
		C.clReleaseProgram(program)
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "building module for %q: %s\n%s",
			entry, clStatus(code), log)
	}
	centry := C.CString(entry)
	defer C.free(unsafe.Pointer(centry))
	kernel := C.clCreateKernel(program, centry, &code)
	if code == C.CL_INVALID_KERNEL_NAME {
		C.clReleaseProgram(program)
		return nil, errors.Wrapf(runtimes.ErrKernelNotFound, "entry %q", entry)
	}
	if code != C.CL_SUCCESS {
		C.clReleaseProgram(program)
		return nil, clError(code, "clCreateKernel")
	}
	k := &Kernel{env: e, name: entry, program: program, kernel: kernel}
	e.kernels = append(e.kernels, k)
	return k, nil
}

func buildLog(program C.cl_program, dev C.cl_device_id) string {
	var n C.size_t
	if C.clGetProgramBuildInfo(program, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &n) != C.CL_SUCCESS || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if C.clGetProgramBuildInfo(program, dev, C.CL_PROGRAM_BUILD_LOG, n, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return string(bytes.TrimRight(buf, "\x00"))
}

// Name implements runtimes.Kernel.
func (k *Kernel) Name() string { return k.name }

// SetArg implements runtimes.Kernel: arguments bind eagerly with clSetKernelArg, so
// unlike the in-process runtimes a bad index surfaces here, not at launch.
func (k *Kernel) SetArg(index int, mem runtimes.Memory) error {
	if k.finalized {
		return errors.Errorf("opencl: kernel %q already finalized", k.name)
	}
	if index < 0 {
		return errors.Errorf("opencl: kernel %q argument index %d", k.name, index)
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != k.env {
		return errors.Errorf("opencl: kernel %q argument %d does not belong to this environment",
			k.name, index)
	}
	if code := C.clSetKernelArg(k.kernel, C.cl_uint(index),
		C.size_t(unsafe.Sizeof(m.mem)), unsafe.Pointer(&m.mem)); code != C.CL_SUCCESS {
		return clError(code, "clSetKernelArg")
	}
	return nil
}

// AddDependency implements runtimes.Kernel.
func (k *Kernel) AddDependency(ev runtimes.Event) error {
	if k.finalized {
		return errors.Errorf("opencl: kernel %q already finalized", k.name)
	}
	event, ok := ev.(*Event)
	if !ok || event.env != k.env {
		return errors.Wrapf(runtimes.ErrCrossEnvEvent, "kernel %q dependency", k.name)
	}
	k.deps = append(k.deps, event)
	return nil
}

// takeDeps consumes the one-shot dependency list.
func (k *Kernel) takeDeps() []*Event {
	deps := k.deps
	k.deps = nil
	return deps
}

// Finalize implements runtimes.Kernel. Idempotent; the environment finalizes any
// kernel not finalized by its owner.
func (k *Kernel) Finalize() error {
	if k.finalized {
		return nil
	}
	k.finalized = true
	k.deps = nil
	C.clReleaseKernel(k.kernel)
	C.clReleaseProgram(k.program)
	return nil
}

// EnqueueKernel implements runtimes.Env. global is the full NDRange and must be a
// multiple of local in every dimension, per OpenCL rules. The launch consumes the
// kernel's dependency list.
func (e *Env) EnqueueKernel(kernel runtimes.Kernel, global, local runtimes.Dim3) (runtimes.Event, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "kernel launch")
	}
	k, ok := kernel.(*Kernel)
	if !ok || k.env != e {
		return nil, errors.Errorf("opencl: kernel does not belong to this environment")
	}
	if k.finalized {
		return nil, errors.Errorf("opencl: kernel %q already finalized", k.name)
	}
	if global.Total() <= 0 || local.Total() <= 0 {
		return nil, errors.Errorf("opencl: kernel %q launched with empty work size %s/%s",
			k.name, global, local)
	}
	if err := e.reserveEvent(k.name); err != nil {
		return nil, err
	}
	deps := k.takeDeps()
	list := make([]C.cl_event, len(deps))
	for i, dep := range deps {
		list[i] = dep.ev
	}
	gws := [3]C.size_t{C.size_t(global.X), C.size_t(global.Y), C.size_t(global.Z)}
	lws := [3]C.size_t{C.size_t(local.X), C.size_t(local.Y), C.size_t(local.Z)}
	n, ptr := listArgs(list)
	var ev C.cl_event
	if code := C.clEnqueueNDRangeKernel(e.queue, k.kernel, 3, nil, &gws[0], &lws[0],
		n, ptr, &ev); code != C.CL_SUCCESS {
		return nil, clError(code, k.name)
	}
	return e.track(runtimes.KindKernel, k.name, ev), nil
}
