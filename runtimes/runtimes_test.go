package runtimes

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	name   string
	config string
}

func (f *fakeRuntime) Name() string          { return f.name }
func (f *fakeRuntime) Description() string   { return f.name + " (fake)" }
func (f *fakeRuntime) NumDevices() DeviceNum { return 1 }
func (f *fakeRuntime) NewEnv(device DeviceNum) (Env, error) {
	return nil, errors.Errorf("fake runtime has no devices")
}
func (f *fakeRuntime) Finalize() {}

func fakeConstructor(name string) Constructor {
	return func(config string) (Runtime, error) {
		return &fakeRuntime{name: name, config: config}, nil
	}
}

func init() {
	Register("alpha", fakeConstructor("alpha"))
	Register("beta", fakeConstructor("beta"))
	Register("boom", func(config string) (Runtime, error) {
		return nil, errors.Errorf("refusing config %q", config)
	})
}

func TestRegistered(t *testing.T) {
	require.Equal(t, []string{"alpha", "beta", "boom"}, Registered())
}

func TestNewWithConfig(t *testing.T) {
	rt, err := NewWithConfig("beta:events=8,memory=1KiB")
	require.NoError(t, err)
	require.Equal(t, "beta", rt.Name())
	require.Equal(t, "events=8,memory=1KiB", rt.(*fakeRuntime).config)

	rt, err = NewWithConfig("beta")
	require.NoError(t, err)
	require.Equal(t, "beta", rt.Name())
	require.Empty(t, rt.(*fakeRuntime).config)

	rt, err = NewWithConfig("")
	require.NoError(t, err)
	require.Equal(t, "alpha", rt.Name(), "empty name selects the first registered runtime")

	rt, err = NewWithConfig(":events=8")
	require.NoError(t, err)
	require.Equal(t, "alpha", rt.Name())
	require.Equal(t, "events=8", rt.(*fakeRuntime).config)

	_, err = NewWithConfig("gamma")
	require.ErrorContains(t, err, `runtime "gamma" not registered`)
	require.ErrorContains(t, err, "alpha")
}

func TestNewPrecedence(t *testing.T) {
	old, hadOld := os.LookupEnv(DEVQ_RUNTIME)
	t.Cleanup(func() {
		if hadOld {
			os.Setenv(DEVQ_RUNTIME, old)
		} else {
			os.Unsetenv(DEVQ_RUNTIME)
		}
	})

	os.Unsetenv(DEVQ_RUNTIME)
	DefaultConfig = ""
	rt, err := New()
	require.NoError(t, err)
	require.Equal(t, "alpha", rt.Name(), "first registered wins with no configuration")

	DefaultConfig = "beta"
	t.Cleanup(func() { DefaultConfig = "" })
	rt, err = New()
	require.NoError(t, err)
	require.Equal(t, "beta", rt.Name())

	os.Setenv(DEVQ_RUNTIME, "alpha:events=2")
	rt, err = New()
	require.NoError(t, err)
	require.Equal(t, "alpha", rt.Name(), "environment overrides DefaultConfig")
	require.Equal(t, "events=2", rt.(*fakeRuntime).config)
}

func TestConstructorErrorsAreWrapped(t *testing.T) {
	_, err := NewWithConfig("boom:whatever")
	require.ErrorContains(t, err, `creating runtime "boom"`)
	require.ErrorContains(t, err, `refusing config "whatever"`)
}

func TestMustNewPanics(t *testing.T) {
	t.Setenv(DEVQ_RUNTIME, "gamma")
	require.Panics(t, func() { MustNew() })
}
