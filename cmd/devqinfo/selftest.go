package main

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/devq/devq/bind"
	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
)

// openclAddSource is the vector-add kernel for native OpenCL targets. In-process
// runtimes get the same entry point as a hostbin image instead.
const openclAddSource = `
__kernel void add(__global float* a, __global const float* b) {
	size_t i = get_global_id(0);
	a[i] += b[i];
}
`

func selftestModules(runtimeName string) bind.ModuleTable {
	var image []byte
	switch runtimeName {
	case "opencl":
		image = []byte(openclAddSource)
	default:
		image = hostbin.Image(map[string]string{"add": "add_f32"})
	}
	return bind.ModuleTable{"selftest": bind.NewModule(image, "add")}
}

// selftestProgram is the canonical vector-add device program: write a and b, add b
// into a, read a back, wait, tear down.
func selftestProgram() *bind.Program {
	return &bind.Program{Actions: []bind.Action{
		bind.CreateEnv{},
		bind.Alloc{Buffer: 0, Decl: bind.DeclOf(dtypes.Float32, 4)},
		bind.Alloc{Buffer: 1, Decl: bind.DeclOf(dtypes.Float32, 4)},
		bind.Write{Buffer: 0, Host: 0, Result: 0},
		bind.Write{Buffer: 1, Host: 1, Result: 1},
		bind.Launch{
			Module: "selftest", Entry: "add",
			Grid: runtimes.Dim(4, 1, 1), Block: runtimes.Dim(1, 1, 1),
			Args: []bind.BufferRef{0, 1}, Deps: []bind.EventRef{0, 1}, Result: 2,
		},
		bind.Read{Buffer: 0, Host: 2, Deps: []bind.EventRef{2}, Result: 3},
		bind.Wait{Events: []bind.EventRef{3}},
		bind.DestroyEnv{},
	}}
}

// selftest lowers and dispatches the vector-add program once per binding strategy and
// reports each outcome. A runtime that cannot execute a strategy reports the reason.
func selftest(config string) {
	fmt.Println(titleStyle.Render("Self-test"))
	table := newPlainTable()
	table.Row("Strategy", "Result")
	for _, binding := range []bind.Binding{bind.NewImmediateBinding(), bind.NewBatchedBinding()} {
		table.Row(binding.Strategy().String(), selftestRun(config, binding))
	}
	fmt.Println(table.Render())
}

func selftestRun(config string, binding bind.Binding) string {
	rt, err := runtimes.NewWithConfig(config)
	if err != nil {
		return fmt.Sprintf("FAIL: %v", err)
	}
	defer rt.Finalize()

	cp, err := bind.Lower(selftestProgram(), binding, selftestModules(rt.Name()))
	if err != nil {
		return fmt.Sprintf("FAIL: %v", err)
	}
	hosts := [][]byte{
		f32le(1, 2, 3, 4),
		f32le(10, 20, 30, 40),
		make([]byte, 16),
	}
	if err := bind.Dispatch(rt, cp, hosts); err != nil {
		return fmt.Sprintf("FAIL: %v", err)
	}
	got := f32sOf(hosts[2])
	want := []float32{11, 22, 33, 44}
	if !slices.Equal(got, want) {
		return fmt.Sprintf("FAIL: got %v, want %v", got, want)
	}
	return "ok"
}

func f32le(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	copy(unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(values)), values)
	return b
}

func f32sOf(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
