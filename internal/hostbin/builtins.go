package hostbin

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/devq/devq/runtimes"
)

// Builtin routines of the in-process devices. Element-wise routines process exactly
// global.Total() elements; the workgroup shape has no effect on a host device.
func init() {
	RegisterFunc("add_f32", addF32)
	RegisterFunc("scale_f32", scaleF32)
	RegisterFunc("add_f16", addF16)
	RegisterFunc("iota_u32", iotaU32)
	RegisterFunc("copy_bytes", copyBytes)
}

// RegisteredFuncs returns the sorted symbols currently registered.
func RegisteredFuncs() []string {
	muFuncs.Lock()
	defer muFuncs.Unlock()
	names := maps.Keys(funcs)
	slices.Sort(names)
	return names
}

// argOf reinterprets argument idx as a slice of n elements of type T. Unbound
// arguments and buffers shorter than the launch demands are the host analog of a
// device fault.
func argOf[T any](args [][]byte, idx, n int) ([]T, error) {
	if idx >= len(args) || args[idx] == nil {
		return nil, errors.Errorf("kernel argument %d not bound", idx)
	}
	b := args[idx]
	var zero T
	elem := int(unsafe.Sizeof(zero))
	if n*elem > len(b) {
		return nil, errors.Errorf("launch needs %d bytes in argument %d, buffer has %d",
			n*elem, idx, len(b))
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

// addF32: args[0][i] += args[1][i].
func addF32(args [][]byte, global, local runtimes.Dim3) error {
	n := global.Total()
	dst, err := argOf[float32](args, 0, n)
	if err != nil {
		return err
	}
	src, err := argOf[float32](args, 1, n)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// scaleF32: args[0][i] *= args[1][0].
func scaleF32(args [][]byte, global, local runtimes.Dim3) error {
	n := global.Total()
	dst, err := argOf[float32](args, 0, n)
	if err != nil {
		return err
	}
	scale, err := argOf[float32](args, 1, 1)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] *= scale[0]
	}
	return nil
}

// addF16: args[0][i] += args[1][i] in IEEE 754 half precision.
func addF16(args [][]byte, global, local runtimes.Dim3) error {
	n := global.Total()
	dst, err := argOf[uint16](args, 0, n)
	if err != nil {
		return err
	}
	src, err := argOf[uint16](args, 1, n)
	if err != nil {
		return err
	}
	for i := range dst {
		sum := float16.Frombits(dst[i]).Float32() + float16.Frombits(src[i]).Float32()
		dst[i] = float16.Fromfloat32(sum).Bits()
	}
	return nil
}

// iotaU32: args[0][i] = i.
func iotaU32(args [][]byte, global, local runtimes.Dim3) error {
	n := global.Total()
	dst, err := argOf[uint32](args, 0, n)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = uint32(i)
	}
	return nil
}

// copyBytes: args[0][i] = args[1][i], one byte per work item.
func copyBytes(args [][]byte, global, local runtimes.Dim3) error {
	n := global.Total()
	dst, err := argOf[byte](args, 0, n)
	if err != nil {
		return err
	}
	src, err := argOf[byte](args, 1, n)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
