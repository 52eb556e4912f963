package hostbin

import (
	"math"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/devq/devq/runtimes"
)

func f32bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	dst := unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(values))
	copy(dst, values)
	return b
}

func TestParseAndResolve(t *testing.T) {
	image := Image(map[string]string{
		"main":  "add_f32",
		"other": "iota_u32",
	})
	m, err := Parse(image)
	require.NoError(t, err)
	require.Equal(t, []string{"main", "other"}, m.Entries())

	fn, err := m.Resolve("main")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = m.Resolve("nope")
	require.True(t, errors.Is(err, runtimes.ErrKernelNotFound))
}

func TestParseRejectsGarbage(t *testing.T) {
	for name, image := range map[string][]byte{
		"empty":      nil,
		"bad magic":  []byte("ELF\x00 definitely not ours"),
		"truncated":  Image(map[string]string{"main": "add_f32"})[:6],
		"no version": []byte("DQKB"),
	} {
		_, err := Parse(image)
		require.Truef(t, errors.Is(err, runtimes.ErrInvalidBinary), "%s: got %v", name, err)
	}

	bumped := append([]byte{}, Image(map[string]string{"main": "add_f32"})...)
	bumped[4] = 99 // version byte
	_, err := Parse(bumped)
	require.True(t, errors.Is(err, runtimes.ErrInvalidBinary))
}

func TestResolveUnregisteredRoutine(t *testing.T) {
	m, err := Parse(Image(map[string]string{"main": "no_such_routine"}))
	require.NoError(t, err)
	_, err = m.Resolve("main")
	require.True(t, errors.Is(err, runtimes.ErrInvalidBinary))
}

func TestAddF32(t *testing.T) {
	a := f32bytes(1, 2, 3, 4)
	b := f32bytes(10, 20, 30, 40)
	fn, _ := lookupFunc("add_f32")
	require.NoError(t, fn([][]byte{a, b}, runtimes.Dim(4, 1, 1), runtimes.Dim(1, 1, 1)))

	got := unsafe.Slice((*float32)(unsafe.Pointer(&a[0])), 4)
	require.Equal(t, []float32{11, 22, 33, 44}, []float32(got))
}

func TestAddF16(t *testing.T) {
	dst := make([]byte, 4)
	src := make([]byte, 4)
	d := unsafe.Slice((*uint16)(unsafe.Pointer(&dst[0])), 2)
	s := unsafe.Slice((*uint16)(unsafe.Pointer(&src[0])), 2)
	d[0], d[1] = float16.Fromfloat32(1.5).Bits(), float16.Fromfloat32(-2).Bits()
	s[0], s[1] = float16.Fromfloat32(0.25).Bits(), float16.Fromfloat32(2).Bits()

	fn, _ := lookupFunc("add_f16")
	require.NoError(t, fn([][]byte{dst, src}, runtimes.Dim(2, 1, 1), runtimes.Dim(1, 1, 1)))
	require.InDelta(t, 1.75, float16.Frombits(d[0]).Float32(), 1e-3)
	require.InDelta(t, 0, float16.Frombits(d[1]).Float32(), 1e-3)
}

func TestIotaU32(t *testing.T) {
	dst := make([]byte, 4*6)
	fn, _ := lookupFunc("iota_u32")
	require.NoError(t, fn([][]byte{dst}, runtimes.Dim(3, 2, 1), runtimes.Dim(1, 1, 1)))
	got := unsafe.Slice((*uint32)(unsafe.Pointer(&dst[0])), 6)
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, []uint32(got))
}

func TestLaunchFaults(t *testing.T) {
	fn, _ := lookupFunc("add_f32")

	// Unbound argument.
	err := fn([][]byte{f32bytes(1), nil}, runtimes.Dim(1, 1, 1), runtimes.Dim(1, 1, 1))
	require.ErrorContains(t, err, "not bound")

	// Buffer shorter than the launch demands.
	err = fn([][]byte{f32bytes(1, 2), f32bytes(1, 2)}, runtimes.Dim(16, 1, 1), runtimes.Dim(1, 1, 1))
	require.ErrorContains(t, err, "buffer has")
}

func TestScaleF32(t *testing.T) {
	a := f32bytes(1, -2, 3)
	s := f32bytes(float32(math.Pi))
	fn, _ := lookupFunc("scale_f32")
	require.NoError(t, fn([][]byte{a, s}, runtimes.Dim(3, 1, 1), runtimes.Dim(1, 1, 1)))
	got := unsafe.Slice((*float32)(unsafe.Pointer(&a[0])), 3)
	require.InDelta(t, math.Pi, got[0], 1e-6)
	require.InDelta(t, -2*math.Pi, got[1], 1e-6)
}
