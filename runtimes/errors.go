package runtimes

import (
	"fmt"

	"github.com/pkg/errors"
)

// The error taxonomy shared by all runtimes. Enqueue-time failures wrap one of these
// sentinels; check with errors.Is. None of them is retried by the library.
var (
	// ErrPoolExhausted: an enqueue needed a completion event but every slot of the
	// environment's fixed-capacity event pool is live. The pool never grows; destroy
	// events (by finalizing the environment) or open an environment with a larger
	// "events=" option.
	ErrPoolExhausted = errors.New("event pool exhausted")

	// ErrOutOfDeviceMemory: the device refused an allocation.
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// ErrKernelNotFound: the binary module parsed but has no such entry point.
	ErrKernelNotFound = errors.New("kernel entry point not found")

	// ErrInvalidBinary: the kernel binary image did not parse or failed to load.
	ErrInvalidBinary = errors.New("invalid kernel binary")

	// ErrEnvClosed: the execution environment was already finalized.
	ErrEnvClosed = errors.New("execution environment is closed")

	// ErrCrossEnvEvent: a dependency Event belongs to a different environment.
	ErrCrossEnvEvent = errors.New("event belongs to a different execution environment")
)

// DriverError is an opaque failure surfaced by the underlying runtime while executing
// an action. It is fatal to the environment that recorded it: every subsequent blocking
// call returns it.
type DriverError struct {
	// Runtime is the runtime name, e.g. "stream" or "opencl".
	Runtime string

	// Op is the failed action, e.g. "write" or the kernel entry name.
	Op string

	Err error
}

// Error implements error.
func (e *DriverError) Error() string {
	return fmt.Sprintf("%s driver: %s: %v", e.Runtime, e.Op, e.Err)
}

// Unwrap returns the underlying runtime error.
func (e *DriverError) Unwrap() error { return e.Err }
