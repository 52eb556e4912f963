package graph

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
)

var (
	addImage  = hostbin.Image(map[string]string{"add": "add_f32"})
	iotaImage = hostbin.Image(map[string]string{"iota": "iota_u32"})
	copyImage = hostbin.Image(map[string]string{"copy": "copy_bytes"})
)

func f32le(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	copy(unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(values)), values)
	return b
}

func f32sOf(b []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func u32sOf(b []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func newTestEnv(t *testing.T, config string) *Env {
	t.Helper()
	rt, err := New(config)
	require.NoError(t, err)
	env, err := rt.NewEnv(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Finalize() })
	return env.(*Env)
}

func TestActionsAccumulateUntilRun(t *testing.T) {
	e := newTestEnv(t, "")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	evW, err := e.EnqueueWrite(buf, []byte("deferred"), nil)
	require.NoError(t, err)
	host := make([]byte, 8)
	_, err = e.EnqueueRead(buf, host, []runtimes.Event{evW})
	require.NoError(t, err)

	require.Len(t, e.actions, 2)
	require.False(t, evW.(*Event).slot.Signaled())
	require.Equal(t, 0, e.Runs())

	require.NoError(t, e.Flush())
	require.Equal(t, "deferred", string(host))
	require.Empty(t, e.actions)
	require.True(t, evW.(*Event).slot.Signaled())
	require.Equal(t, 1, e.Runs())
}

func TestIndependentActionsAllComplete(t *testing.T) {
	e := newTestEnv(t, "workers=2")
	const n = 32

	bufs := make([]runtimes.Memory, n)
	hosts := make([][]byte, n)
	for i := range bufs {
		var err error
		bufs[i], err = e.AllocateMemory(8)
		require.NoError(t, err)
		_, err = e.EnqueueWrite(bufs[i], []byte(fmt.Sprintf("buf-%03d", i)), nil)
		require.NoError(t, err)
	}
	for i := range bufs {
		hosts[i] = make([]byte, 7)
		_, err := e.EnqueueRead(bufs[i], hosts[i], []runtimes.Event{})
		require.NoError(t, err)
	}
	require.NoError(t, e.Finish())

	for i, host := range hosts {
		require.Equal(t, fmt.Sprintf("buf-%03d", i), string(host))
	}
}

func TestEndToEndKernelScenario(t *testing.T) {
	e := newTestEnv(t, "")

	a, err := e.AllocateMemory(16)
	require.NoError(t, err)
	b, err := e.AllocateMemory(16)
	require.NoError(t, err)

	evA, err := e.EnqueueWrite(a, f32le(1, 2, 3, 4), nil)
	require.NoError(t, err)
	evB, err := e.EnqueueWrite(b, f32le(10, 20, 30, 40), nil)
	require.NoError(t, err)

	k, err := e.CreateKernelFromBinary(addImage, "add")
	require.NoError(t, err)
	require.NoError(t, k.SetArg(0, a))
	require.NoError(t, k.SetArg(1, b))
	require.NoError(t, k.AddDependency(evA))
	require.NoError(t, k.AddDependency(evB))
	evK, err := e.EnqueueKernel(k, runtimes.Dim(4, 1, 1), runtimes.Dim(1, 1, 1))
	require.NoError(t, err)
	require.Equal(t, runtimes.KindKernel, evK.Kind())

	host := make([]byte, 16)
	_, err = e.EnqueueRead(a, host, []runtimes.Event{evK})
	require.NoError(t, err)

	require.NoError(t, e.Finish())
	require.Equal(t, []float32{11, 22, 33, 44}, f32sOf(host))
}

func TestNativeLaunchPipeline(t *testing.T) {
	e := newTestEnv(t, "")

	dst, err := e.AllocateMemory(4 * 6)
	require.NoError(t, err)

	require.NoError(t, e.CreateLaunchAction(iotaImage, "iota", runtimes.Dim(3, 1, 1)))
	require.NoError(t, e.SetLaunchLocal(runtimes.Dim(2, 1, 1)))
	require.NoError(t, e.BindActionBuffer(0, dst))
	evK, err := e.ScheduleFunc()
	require.NoError(t, err)
	require.Equal(t, runtimes.KindKernel, evK.Kind())
	require.Equal(t, "iota", evK.Label())

	host := make([]byte, 4*6)
	_, err = e.EnqueueRead(dst, host, []runtimes.Event{evK})
	require.NoError(t, err)

	require.NoError(t, e.Run())
	require.NoError(t, e.Wait(evK))
	require.NoError(t, e.Finish())

	// Grid 3 of local 2 launches 6 threads.
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, u32sOf(host))
	require.Equal(t, 1, e.Runs())
}

func TestTransferBetweenLaunches(t *testing.T) {
	e := newTestEnv(t, "")

	a, err := e.AllocateMemory(16)
	require.NoError(t, err)
	b, err := e.AllocateMemory(16)
	require.NoError(t, err)
	c, err := e.AllocateMemory(16)
	require.NoError(t, err)

	// Launch 0 produces into a.
	require.NoError(t, e.CreateLaunchAction(iotaImage, "iota", runtimes.Dim(4, 1, 1)))
	require.NoError(t, e.BindActionBuffer(0, a))
	_, err = e.ScheduleFunc()
	require.NoError(t, err)

	// Launch 1 consumes through its own binding b, filled from a by a transfer.
	require.NoError(t, e.CreateLaunchAction(copyImage, "copy", runtimes.Dim(16, 1, 1)))
	require.NoError(t, e.BindActionBuffer(0, c))
	require.NoError(t, e.BindActionBuffer(1, b))
	require.NoError(t, e.CreateTransferAction(0, 0, 1, 1))
	require.Equal(t, runtimes.KindTransfer, e.actions[len(e.actions)-1].kind)
	evK, err := e.ScheduleFunc()
	require.NoError(t, err)

	hostB := make([]byte, 16)
	hostC := make([]byte, 16)
	_, err = e.EnqueueRead(b, hostB, []runtimes.Event{evK})
	require.NoError(t, err)
	_, err = e.EnqueueRead(c, hostC, []runtimes.Event{evK})
	require.NoError(t, err)

	require.NoError(t, e.Finish())
	require.Equal(t, []uint32{0, 1, 2, 3}, u32sOf(hostB))
	require.Equal(t, []uint32{0, 1, 2, 3}, u32sOf(hostC))
}

func TestRunCountsSubmissions(t *testing.T) {
	e := newTestEnv(t, "")
	require.Equal(t, 0, e.Runs())

	require.NoError(t, e.Run())
	require.NoError(t, e.Flush())
	require.Equal(t, 0, e.Runs(), "empty submissions are elided")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("once"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Run())
	require.NoError(t, e.Finish())
	require.Equal(t, 1, e.Runs())
}

func TestFailedActionPoisonsEnvButBatchCompletes(t *testing.T) {
	e := newTestEnv(t, "")

	k, err := e.CreateKernelFromBinary(addImage, "add")
	require.NoError(t, err)
	evK, err := e.EnqueueKernel(k, runtimes.Dim(4, 1, 1), runtimes.Dim(1, 1, 1))
	require.NoError(t, err)

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	evW, err := e.EnqueueWrite(buf, []byte("survive"), nil)
	require.NoError(t, err)

	err = e.Flush()
	require.Error(t, err)
	var drv *runtimes.DriverError
	require.True(t, errors.As(err, &drv))
	require.Equal(t, Name, drv.Runtime)
	require.Equal(t, "add", drv.Op)

	// The failure does not abort the batch and every event still signals.
	require.True(t, evK.(*Event).slot.Signaled())
	require.True(t, evW.(*Event).slot.Signaled())
	require.NoError(t, evW.(*Event).slot.Err())

	require.Error(t, e.Finish(), "environment stays poisoned")
}

func TestBarrierWithoutDepsOrdersAccumulated(t *testing.T) {
	e := newTestEnv(t, "")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("a"), nil)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("b"), nil)
	require.NoError(t, err)
	evBar, err := e.EnqueueBarrier(nil)
	require.NoError(t, err)
	require.Equal(t, runtimes.KindBarrier, evBar.Kind())

	require.Len(t, e.actions[2].waits, 2)
	require.NoError(t, e.Flush())
}

func TestDependencyAcrossSubmissions(t *testing.T) {
	e := newTestEnv(t, "")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	evW, err := e.EnqueueWrite(buf, []byte("batch-1"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Flush())

	host := make([]byte, 7)
	_, err = e.EnqueueRead(buf, host, []runtimes.Event{evW})
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.Equal(t, "batch-1", string(host))
}

func TestDeferredFreeKeepsBytesValid(t *testing.T) {
	e := newTestEnv(t, "")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("pending"), nil)
	require.NoError(t, err)
	host := make([]byte, 7)
	_, err = e.EnqueueRead(buf, host, nil)
	require.NoError(t, err)

	// Staged before the batch even runs; the backing bytes must survive until drain.
	require.NoError(t, e.DeallocateMemory(buf))
	require.Error(t, e.DeallocateMemory(buf))

	require.NoError(t, e.Finish())
	require.Equal(t, "pending", string(host))
}

func TestEventPoolBoundSurfacesAtAppend(t *testing.T) {
	e := newTestEnv(t, "events=2")

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("one"), nil)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("two"), nil)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("three"), nil)
	require.ErrorIs(t, err, runtimes.ErrPoolExhausted)
}

func TestCrossEnvReferencesRejected(t *testing.T) {
	e1 := newTestEnv(t, "")
	e2 := newTestEnv(t, "")

	buf, err := e1.AllocateMemory(8)
	require.NoError(t, err)
	ev, err := e1.EnqueueWrite(buf, []byte("mine"), nil)
	require.NoError(t, err)

	require.ErrorIs(t, e2.Wait(ev), runtimes.ErrCrossEnvEvent)
	require.ErrorIs(t, e2.BindActionBuffer(0, buf), runtimes.ErrCrossEnvEvent)

	k, err := e2.CreateKernelFromBinary(addImage, "add")
	require.NoError(t, err)
	require.ErrorIs(t, k.SetArg(0, buf), runtimes.ErrCrossEnvEvent)
	require.ErrorIs(t, k.AddDependency(ev), runtimes.ErrCrossEnvEvent)

	require.NoError(t, e1.Flush())
}

func TestNativeSurfaceGuards(t *testing.T) {
	e := newTestEnv(t, "")

	_, err := e.ScheduleFunc()
	require.Error(t, err)
	require.Error(t, e.SetLaunchLocal(runtimes.Dim(1, 1, 1)))

	buf, err := e.AllocateMemory(16)
	require.NoError(t, err)
	require.NoError(t, e.CreateLaunchAction(iotaImage, "iota", runtimes.Dim(4, 1, 1)))
	require.Error(t, e.CreateLaunchAction(iotaImage, "iota", runtimes.Dim(4, 1, 1)))
	require.NoError(t, e.BindActionBuffer(0, buf))

	require.Error(t, e.Run(), "unsealed launch must not be submitted")
	require.Error(t, e.CreateTransferAction(0, 0, 1, 0), "no scheduled source yet")

	_, err = e.ScheduleFunc()
	require.NoError(t, err)
	require.NoError(t, e.Run())

	require.Error(t, e.CreateTransferAction(0, 0, 0, 0), "indices reset after run")
}

func TestLaunchActionResolveErrors(t *testing.T) {
	e := newTestEnv(t, "")

	require.ErrorIs(t, e.CreateLaunchAction([]byte("not a module"), "iota", runtimes.Dim(1, 1, 1)),
		runtimes.ErrInvalidBinary)
	require.ErrorIs(t, e.CreateLaunchAction(iotaImage, "missing", runtimes.Dim(1, 1, 1)),
		runtimes.ErrKernelNotFound)
}

func TestFinalizeClosesEnv(t *testing.T) {
	rt, err := New("")
	require.NoError(t, err)
	env, err := rt.NewEnv(0)
	require.NoError(t, err)
	e := env.(*Env)

	buf, err := e.AllocateMemory(8)
	require.NoError(t, err)
	_, err = e.EnqueueWrite(buf, []byte("bye"), nil)
	require.NoError(t, err)

	require.NoError(t, e.Finalize())
	require.NoError(t, e.Finalize(), "finalize is idempotent")

	_, err = e.AllocateMemory(8)
	require.ErrorIs(t, err, runtimes.ErrEnvClosed)
	_, err = e.EnqueueWrite(buf, []byte("no"), nil)
	require.ErrorIs(t, err, runtimes.ErrEnvClosed)
	require.ErrorIs(t, e.Run(), runtimes.ErrEnvClosed)
	require.ErrorIs(t, e.Flush(), runtimes.ErrEnvClosed)
}

func TestRuntimeOptions(t *testing.T) {
	rt, err := New("devices=2,workers=2,events=8,memory=1KiB")
	require.NoError(t, err)
	require.Equal(t, runtimes.DeviceNum(2), rt.NumDevices())
	_, err = rt.NewEnv(2)
	require.Error(t, err)

	_, err = New("events=no")
	require.Error(t, err)
	_, err = New("memory=-1")
	require.Error(t, err)
	_, err = New("bogus")
	require.Error(t, err)
}
