//go:build opencl && cgo

package opencl

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/devq/devq/runtimes"
)

const addSource = `
__kernel void add(__global float* a, __global const float* b) {
	size_t i = get_global_id(0);
	a[i] += b[i];
}
`

func f32le(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	copy(unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(values)), values)
	return b
}

func f32sOf(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// newTestEnv opens an environment on the first device, skipping when the host has no
// usable OpenCL platform.
func newTestEnv(t *testing.T) *Env {
	t.Helper()
	rt, err := New("")
	if err != nil {
		t.Skipf("no OpenCL runtime: %v", err)
	}
	env, err := rt.NewEnv(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Finalize() })
	return env.(*Env)
}

func TestVectorAddOnDevice(t *testing.T) {
	e := newTestEnv(t)

	a, err := e.AllocateMemory(16)
	require.NoError(t, err)
	b, err := e.AllocateMemory(16)
	require.NoError(t, err)

	evA, err := e.EnqueueWrite(a, f32le(1, 2, 3, 4), nil)
	require.NoError(t, err)
	evB, err := e.EnqueueWrite(b, f32le(10, 20, 30, 40), nil)
	require.NoError(t, err)

	k, err := e.CreateKernelFromBinary([]byte(addSource), "add")
	require.NoError(t, err)
	require.NoError(t, k.SetArg(0, a))
	require.NoError(t, k.SetArg(1, b))
	require.NoError(t, k.AddDependency(evA))
	require.NoError(t, k.AddDependency(evB))
	evK, err := e.EnqueueKernel(k, runtimes.Dim(4, 1, 1), runtimes.Dim(1, 1, 1))
	require.NoError(t, err)

	out := make([]byte, 16)
	evR, err := e.EnqueueRead(a, out, []runtimes.Event{evK})
	require.NoError(t, err)
	require.NoError(t, e.Wait(evR))
	require.Equal(t, []float32{11, 22, 33, 44}, f32sOf(out))
}

func TestMissingEntryPoint(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.CreateKernelFromBinary([]byte(addSource), "ghost")
	require.ErrorIs(t, err, runtimes.ErrKernelNotFound)
}

func TestBrokenSourceIsInvalidBinary(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.CreateKernelFromBinary([]byte("__kernel void broken( {"), "broken")
	require.ErrorIs(t, err, runtimes.ErrInvalidBinary)
}

func TestDeferredFreeKeepsBufferValid(t *testing.T) {
	e := newTestEnv(t)

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	evW, err := e.EnqueueWrite(buf, []byte("deferred"), nil)
	require.NoError(t, err)

	require.NoError(t, e.DeallocateMemory(buf))

	out := make([]byte, 8)
	_, err = e.EnqueueRead(buf, out, []runtimes.Event{evW})
	require.NoError(t, err)
	require.NoError(t, e.Finish())
	require.Equal(t, []byte("deferred"), out)

	require.ErrorContains(t, e.DeallocateMemory(buf), "already deallocated")
}

func TestEventBudgetSurfacesAtEnqueue(t *testing.T) {
	rt, err := New("events=2")
	if err != nil {
		t.Skipf("no OpenCL runtime: %v", err)
	}
	env, err := rt.NewEnv(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Finalize() })
	e := env.(*Env)

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = e.EnqueueWrite(buf, []byte("12345678"), nil)
		require.NoError(t, err)
	}
	_, err = e.EnqueueWrite(buf, []byte("12345678"), nil)
	require.ErrorIs(t, err, runtimes.ErrPoolExhausted)
}
