//go:build !opencl || !cgo

// This file is the stub built without the "opencl" tag or without cgo. The runtime is
// not registered and cannot be used.

package opencl

import (
	"github.com/pkg/errors"

	"github.com/devq/devq/runtimes"
)

// Name of the runtime in the registry, to be used in DEVQ_RUNTIME.
const Name = "opencl"

// New always fails on builds without the "opencl" tag and cgo.
func New(config string) (runtimes.Runtime, error) {
	return nil, errors.New(`opencl runtime not built in; rebuild with CGO_ENABLED=1 and -tags opencl`)
}
