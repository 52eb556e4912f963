//go:build opencl && cgo

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=300
#cgo darwin LDFLAGS: -framework OpenCL
#cgo !darwin LDFLAGS: -lOpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/runtimes"
)

// Name of the runtime in the registry, to be used in DEVQ_RUNTIME.
const Name = "opencl"

// DefaultEventCapacity is the fixed size of an environment's event table unless the
// "events=" option overrides it. The table never grows.
const DefaultEventCapacity = 600

func init() {
	runtimes.Register(Name, New)
}

// Runtime is one OpenCL platform with its devices.
type Runtime struct {
	platform      C.cl_platform_id
	platformName  string
	devices       []C.cl_device_id
	deviceNames   []string
	eventCapacity int
	finalized     bool
}

// Compile-time check:
var _ runtimes.Runtime = (*Runtime)(nil)

// New builds an opencl runtime from a runtime options string. Options: "platform=N"
// selects the OpenCL platform (default 0), "type=gpu|cpu|all" filters devices (default
// all), "events=N" overrides the per-environment event capacity.
func New(config string) (runtimes.Runtime, error) {
	opts, err := runtimes.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	platformIdx, err := opts.Int("platform", 0)
	if err != nil {
		return nil, err
	}
	events, err := opts.Int("events", DefaultEventCapacity)
	if err != nil {
		return nil, err
	}
	if events <= 0 {
		return nil, errors.Errorf("opencl: event capacity must be positive, got %d", events)
	}
	devType := C.cl_device_type(C.CL_DEVICE_TYPE_ALL)
	switch opts["type"] {
	case "", "all":
	case "gpu":
		devType = C.CL_DEVICE_TYPE_GPU
	case "cpu":
		devType = C.CL_DEVICE_TYPE_CPU
	default:
		return nil, errors.Errorf("opencl: unknown device type %q (want gpu, cpu or all)", opts["type"])
	}

	var count C.cl_uint
	if code := C.clGetPlatformIDs(0, nil, &count); code != C.CL_SUCCESS {
		return nil, clError(code, "clGetPlatformIDs")
	}
	if count == 0 {
		return nil, errors.Errorf("opencl: no platforms available")
	}
	platforms := make([]C.cl_platform_id, count)
	if code := C.clGetPlatformIDs(count, &platforms[0], nil); code != C.CL_SUCCESS {
		return nil, clError(code, "clGetPlatformIDs")
	}
	if platformIdx < 0 || platformIdx >= len(platforms) {
		return nil, errors.Errorf("opencl: platform %d out of range, found %d", platformIdx, len(platforms))
	}
	platform := platforms[platformIdx]
	name := platformInfo(platform, C.CL_PLATFORM_NAME)

	var devCount C.cl_uint
	if code := C.clGetDeviceIDs(platform, devType, 0, nil, &devCount); code != C.CL_SUCCESS {
		return nil, errors.WithMessagef(clError(code, "clGetDeviceIDs"),
			"no usable devices on platform %q", name)
	}
	devices := make([]C.cl_device_id, devCount)
	if code := C.clGetDeviceIDs(platform, devType, devCount, &devices[0], nil); code != C.CL_SUCCESS {
		return nil, clError(code, "clGetDeviceIDs")
	}
	deviceNames := make([]string, len(devices))
	for i, d := range devices {
		deviceNames[i] = deviceInfo(d, C.CL_DEVICE_NAME)
	}
	klog.V(1).Infof("opencl: platform %q with %d device(s): %v", name, len(devices), deviceNames)
	return &Runtime{
		platform:      platform,
		platformName:  name,
		devices:       devices,
		deviceNames:   deviceNames,
		eventCapacity: events,
	}, nil
}

// Name implements runtimes.Runtime.
func (r *Runtime) Name() string { return Name }

// Description implements runtimes.Runtime.
func (r *Runtime) Description() string {
	return fmt.Sprintf("OpenCL platform %q with %d device(s)", r.platformName, len(r.devices))
}

// NumDevices implements runtimes.Runtime.
func (r *Runtime) NumDevices() runtimes.DeviceNum { return runtimes.DeviceNum(len(r.devices)) }

// NewEnv implements runtimes.Runtime: a context and an in-order command queue on the
// given device.
func (r *Runtime) NewEnv(device runtimes.DeviceNum) (runtimes.Env, error) {
	if r.finalized {
		return nil, errors.Errorf("opencl: runtime already finalized")
	}
	if device < 0 || device >= r.NumDevices() {
		return nil, errors.Errorf("opencl: device %d out of range, runtime has %d device(s)",
			device, len(r.devices))
	}
	dev := r.devices[device]
	var code C.cl_int
	ctx := C.clCreateContext(nil, 1, &dev, nil, nil, &code)
	if code != C.CL_SUCCESS {
		return nil, clError(code, "clCreateContext")
	}
	queue := C.clCreateCommandQueueWithProperties(ctx, dev, nil, &code)
	if code != C.CL_SUCCESS {
		C.clReleaseContext(ctx)
		return nil, clError(code, "clCreateCommandQueueWithProperties")
	}
	return newEnv(r, device, ctx, queue), nil
}

// Finalize implements runtimes.Runtime.
func (r *Runtime) Finalize() {
	if r.finalized {
		return
	}
	r.finalized = true
	klog.V(1).Infof("opencl: runtime finalized")
}

func platformInfo(p C.cl_platform_id, param C.cl_platform_info) string {
	var n C.size_t
	if C.clGetPlatformInfo(p, param, 0, nil, &n) != C.CL_SUCCESS || n == 0 {
		return "unknown"
	}
	buf := make([]byte, n)
	if C.clGetPlatformInfo(p, param, n, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return "unknown"
	}
	return string(bytes.TrimRight(buf, "\x00"))
}

func deviceInfo(d C.cl_device_id, param C.cl_device_info) string {
	var n C.size_t
	if C.clGetDeviceInfo(d, param, 0, nil, &n) != C.CL_SUCCESS || n == 0 {
		return "unknown"
	}
	buf := make([]byte, n)
	if C.clGetDeviceInfo(d, param, n, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return "unknown"
	}
	return string(bytes.TrimRight(buf, "\x00"))
}

// clError converts a non-success OpenCL status into an error.
func clError(code C.cl_int, op string) error {
	return errors.Errorf("%s failed with %s", op, clStatus(code))
}

// clStatus names the common OpenCL status codes.
func clStatus(code C.cl_int) string {
	switch code {
	case C.CL_SUCCESS:
		return "CL_SUCCESS"
	case C.CL_DEVICE_NOT_FOUND:
		return "CL_DEVICE_NOT_FOUND"
	case C.CL_DEVICE_NOT_AVAILABLE:
		return "CL_DEVICE_NOT_AVAILABLE"
	case C.CL_COMPILER_NOT_AVAILABLE:
		return "CL_COMPILER_NOT_AVAILABLE"
	case C.CL_MEM_OBJECT_ALLOCATION_FAILURE:
		return "CL_MEM_OBJECT_ALLOCATION_FAILURE"
	case C.CL_OUT_OF_RESOURCES:
		return "CL_OUT_OF_RESOURCES"
	case C.CL_OUT_OF_HOST_MEMORY:
		return "CL_OUT_OF_HOST_MEMORY"
	case C.CL_BUILD_PROGRAM_FAILURE:
		return "CL_BUILD_PROGRAM_FAILURE"
	case C.CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST:
		return "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST"
	case C.CL_INVALID_VALUE:
		return "CL_INVALID_VALUE"
	case C.CL_INVALID_BUFFER_SIZE:
		return "CL_INVALID_BUFFER_SIZE"
	case C.CL_INVALID_KERNEL_NAME:
		return "CL_INVALID_KERNEL_NAME"
	case C.CL_INVALID_KERNEL_ARGS:
		return "CL_INVALID_KERNEL_ARGS"
	case C.CL_INVALID_WORK_GROUP_SIZE:
		return "CL_INVALID_WORK_GROUP_SIZE"
	case C.CL_INVALID_WORK_ITEM_SIZE:
		return "CL_INVALID_WORK_ITEM_SIZE"
	case C.CL_INVALID_EVENT_WAIT_LIST:
		return "CL_INVALID_EVENT_WAIT_LIST"
	}
	return fmt.Sprintf("CL error %d", int(code))
}
