package bind

import (
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
	"github.com/devq/devq/runtimes/graph"
	"github.com/devq/devq/runtimes/stream"
)

// pipelineImage is a loadable binary, unlike testImage which only lowering tests use.
var pipelineImage = hostbin.Image(map[string]string{
	"add":   "add_f32",
	"scale": "scale_f32",
})

func pipelineModules() ModuleTable {
	return ModuleTable{"vecmath": NewModule(pipelineImage, "add", "scale")}
}

func f32le(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	copy(unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(values)), values)
	return b
}

func f32sOf(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// pipelineProgram chains three dependent launches over four buffers: a += b, then
// c += a, then c *= s, and reads c back. Buffer a feeds two launches and c is both
// written and relaunched, so a batched target has to thread transfers between actions.
func pipelineProgram() *Program {
	vec := DeclOf(dtypes.Float32, 4)
	grid := runtimes.Dim(4, 1, 1)
	one := runtimes.Dim(1, 1, 1)
	return &Program{Actions: []Action{
		CreateEnv{},
		Alloc{Buffer: 0, Decl: vec},
		Alloc{Buffer: 1, Decl: vec},
		Alloc{Buffer: 2, Decl: vec},
		Alloc{Buffer: 3, Decl: DeclOf(dtypes.Float32, 1)},
		Write{Buffer: 0, Host: 0, Result: 0},
		Write{Buffer: 1, Host: 1, Result: 1},
		Write{Buffer: 2, Host: 2, Result: 2},
		Write{Buffer: 3, Host: 3, Result: 3},
		Launch{
			Module: "vecmath", Entry: "add", Grid: grid, Block: one,
			Args: []BufferRef{0, 1}, Deps: []EventRef{0, 1}, Result: 4,
		},
		Launch{
			Module: "vecmath", Entry: "add", Grid: grid, Block: one,
			Args: []BufferRef{2, 0}, Deps: []EventRef{2, 4}, Result: 5,
		},
		Launch{
			Module: "vecmath", Entry: "scale", Grid: grid, Block: one,
			Args: []BufferRef{2, 3}, Deps: []EventRef{3, 5}, Result: 6,
		},
		Read{Buffer: 2, Host: 4, Deps: []EventRef{6}, Result: 7},
		Wait{Events: []EventRef{7}},
		DestroyEnv{},
	}}
}

func pipelineHosts() [][]byte {
	return [][]byte{
		f32le(1, 2, 3, 4),
		f32le(10, 20, 30, 40),
		f32le(0, 0, 0, 0),
		f32le(2),
		make([]byte, 16),
	}
}

// dispatchTargets enumerates the runtime and strategy pairings every end-to-end test
// should agree on. The stream runtime only takes immediate programs.
var dispatchTargets = []struct {
	name    string
	runtime func(config string) (runtimes.Runtime, error)
	binding func() Binding
}{
	{"stream immediate", stream.New, func() Binding { return NewImmediateBinding() }},
	{"graph immediate", graph.New, func() Binding { return NewImmediateBinding() }},
	{"graph batched", graph.New, func() Binding { return NewBatchedBinding() }},
}

func TestDispatchPipeline(t *testing.T) {
	for _, target := range dispatchTargets {
		t.Run(target.name, func(t *testing.T) {
			cp, err := Lower(pipelineProgram(), target.binding(), pipelineModules())
			require.NoError(t, err)
			rt, err := target.runtime("")
			require.NoError(t, err)

			hosts := pipelineHosts()
			require.NoError(t, Dispatch(rt, cp, hosts))
			require.Equal(t, []float32{22, 44, 66, 88}, f32sOf(hosts[4]))
		})
	}
}

func TestDispatchBarrierOrdersReadback(t *testing.T) {
	prog := &Program{Actions: []Action{
		CreateEnv{},
		Alloc{Buffer: 0, Decl: DeclOf(dtypes.Float32, 4)},
		Write{Buffer: 0, Host: 0, Result: 0},
		Barrier{Deps: []EventRef{0}, Result: 1},
		Read{Buffer: 0, Host: 1, Deps: []EventRef{1}, Result: 2},
		Wait{Events: []EventRef{2}},
		DestroyEnv{},
	}}
	for _, target := range dispatchTargets {
		t.Run(target.name, func(t *testing.T) {
			cp, err := Lower(prog, target.binding(), pipelineModules())
			require.NoError(t, err)
			rt, err := target.runtime("")
			require.NoError(t, err)

			hosts := [][]byte{f32le(5, 6, 7, 8), make([]byte, 16)}
			require.NoError(t, Dispatch(rt, cp, hosts))
			require.Equal(t, []float32{5, 6, 7, 8}, f32sOf(hosts[1]))
		})
	}
}

// A program that never waits and never destroys its environment must still complete:
// Dispatch finalizes the environment before returning, and finalization forces the
// outstanding read.
func TestDispatchFinalizesUndestroyedEnv(t *testing.T) {
	prog := &Program{Actions: []Action{
		CreateEnv{},
		Alloc{Buffer: 0, Decl: DeclOf(dtypes.Float32, 4)},
		Alloc{Buffer: 1, Decl: DeclOf(dtypes.Float32, 4)},
		Write{Buffer: 0, Host: 0, Result: 0},
		Write{Buffer: 1, Host: 1, Result: 1},
		Launch{
			Module: "vecmath", Entry: "add",
			Grid: runtimes.Dim(4, 1, 1), Block: runtimes.Dim(1, 1, 1),
			Args: []BufferRef{0, 1}, Deps: []EventRef{0, 1}, Result: 2,
		},
		Read{Buffer: 0, Host: 2, Deps: []EventRef{2}, Result: 3},
	}}
	for _, target := range dispatchTargets {
		t.Run(target.name, func(t *testing.T) {
			cp, err := Lower(prog, target.binding(), pipelineModules())
			require.NoError(t, err)
			rt, err := target.runtime("")
			require.NoError(t, err)

			hosts := [][]byte{f32le(1, 2, 3, 4), f32le(10, 20, 30, 40), make([]byte, 16)}
			require.NoError(t, Dispatch(rt, cp, hosts))
			require.Equal(t, []float32{11, 22, 33, 44}, f32sOf(hosts[2]))
		})
	}
}

func TestDispatchBatchedNeedsBatchedEnv(t *testing.T) {
	cp, err := Lower(pipelineProgram(), NewBatchedBinding(), pipelineModules())
	require.NoError(t, err)
	rt, err := stream.New("")
	require.NoError(t, err)

	err = Dispatch(rt, cp, pipelineHosts())
	require.ErrorContains(t, err, `runtime "stream" cannot execute batched programs`)
}

// A kernel that faults on the device surfaces as a DriverError at the program's wait,
// with the entry point as the failing operation.
func TestDispatchReportsDriverError(t *testing.T) {
	prog := &Program{Actions: []Action{
		CreateEnv{},
		Launch{
			Module: "vecmath", Entry: "add",
			Grid: runtimes.Dim(4, 1, 1), Block: runtimes.Dim(1, 1, 1),
			Result: 0, // no Args bound, the kernel faults at execution
		},
		Wait{Events: []EventRef{0}},
		DestroyEnv{},
	}}
	for _, target := range dispatchTargets {
		t.Run(target.name, func(t *testing.T) {
			cp, err := Lower(prog, target.binding(), pipelineModules())
			require.NoError(t, err)
			rt, err := target.runtime("")
			require.NoError(t, err)

			err = Dispatch(rt, cp, nil)
			require.Error(t, err)
			var derr *runtimes.DriverError
			require.ErrorAs(t, err, &derr)
			require.Equal(t, "add", derr.Op)
		})
	}
}

func TestDispatchHostTableTooShort(t *testing.T) {
	cp, err := Lower(pipelineProgram(), NewImmediateBinding(), pipelineModules())
	require.NoError(t, err)
	rt, err := stream.New("")
	require.NoError(t, err)

	err = Dispatch(rt, cp, pipelineHosts()[:2])
	require.ErrorContains(t, err, "host buffer 2 not provided, have 2")
}

// The module table is translator metadata; the truth lives in the image. An entry the
// table promises but the image does not export passes lowering and fails at dispatch.
func TestDispatchMissingKernelEntry(t *testing.T) {
	modules := ModuleTable{"vecmath": NewModule(pipelineImage, "ghost")}
	prog := &Program{Actions: []Action{
		CreateEnv{},
		Alloc{Buffer: 0, Decl: DeclOf(dtypes.Float32, 4)},
		Launch{
			Module: "vecmath", Entry: "ghost",
			Grid: runtimes.Dim(4, 1, 1), Block: runtimes.Dim(1, 1, 1),
			Args: []BufferRef{0}, Result: 0,
		},
		DestroyEnv{},
	}}
	for _, target := range dispatchTargets {
		t.Run(target.name, func(t *testing.T) {
			cp, err := Lower(prog, target.binding(), modules)
			require.NoError(t, err)
			rt, err := target.runtime("")
			require.NoError(t, err)

			err = Dispatch(rt, cp, nil)
			require.ErrorIs(t, err, runtimes.ErrKernelNotFound)
		})
	}
}
