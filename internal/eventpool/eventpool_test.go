package eventpool

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/devq/devq/runtimes"
)

func TestPoolBound(t *testing.T) {
	p := New(4)
	require.Equal(t, 4, p.Capacity())

	slots := make([]*Slot, 0, 4)
	for i := 0; i < 4; i++ {
		s, err := p.Create()
		require.NoError(t, err)
		slots = append(slots, s)
	}
	require.Equal(t, 4, p.Live())

	// Capacity+1 must fail: the pool never grows.
	_, err := p.Create()
	require.Error(t, err)
	require.True(t, errors.Is(err, runtimes.ErrPoolExhausted))

	p.Destroy(slots[2])
	s, err := p.Create()
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 4, p.Live())
}

func TestRecycleIndefinitely(t *testing.T) {
	p := New(3)
	// Many more cycles than the capacity: recycled slots must behave like fresh ones.
	for i := 0; i < 10_000; i++ {
		s, err := p.Create()
		require.NoError(t, err)
		require.False(t, s.Signaled())
		if i%2 == 0 {
			s.Signal(nil)
		}
		p.Destroy(s)
	}
	require.Equal(t, 0, p.Live())
}

func TestSignalRecordsFirstError(t *testing.T) {
	p := New(1)
	s, err := p.Create()
	require.NoError(t, err)

	boom := errors.New("boom")
	s.Signal(boom)
	s.Signal(errors.New("later")) // no-op
	require.True(t, s.Signaled())
	require.Equal(t, boom, s.Wait())
	require.Equal(t, boom, s.Err())
}

func TestWaitAll(t *testing.T) {
	p := New(8)
	slots := make([]*Slot, 8)
	for i := range slots {
		var err error
		slots[i], err = p.Create()
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			s.Signal(nil)
		}(s)
	}
	WaitAll(slots...)
	wg.Wait()
	for _, s := range slots {
		require.True(t, s.Signaled())
	}
}

func TestDestroyResetsSlot(t *testing.T) {
	p := New(1)
	s, err := p.Create()
	require.NoError(t, err)
	s.Signal(errors.New("stale"))
	p.Destroy(s)

	s2, err := p.Create()
	require.NoError(t, err)
	require.False(t, s2.Signaled())
	require.NoError(t, s2.Err())

	require.Panics(t, func() { p.Destroy(&Slot{}) })
}

func TestDestroyTwicePanics(t *testing.T) {
	p := New(2)
	s, err := p.Create()
	require.NoError(t, err)
	p.Destroy(s)
	require.Panics(t, func() { p.Destroy(s) })
}
