// Package opencl implements the devq runtime on OpenCL devices.
//
// Environments map to one in-order command queue each; event dependencies map to
// OpenCL event wait lists. Kernel binaries are SPIR-V modules (loaded with
// clCreateProgramWithIL) or OpenCL C source (built with clCreateProgramWithSource).
//
// The package needs cgo and an OpenCL ICD loader, so the implementation is gated
// behind the "opencl" build tag:
//
//	go build -tags opencl ./...
//
// Without the tag (or without cgo) the package compiles to a stub whose New always
// fails, and no runtime is registered.
package opencl
