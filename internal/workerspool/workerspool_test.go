package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoundedParallelism(t *testing.T) {
	const limit = 4
	p := New(limit)
	require.Equal(t, limit, p.MaxParallelism())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	arrived := make(chan struct{}, 10*limit)
	task := func() {
		defer wg.Done()
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		arrived <- struct{}{}
		<-gate
		running.Add(-1)
	}

	for i := 0; i < limit; i++ {
		wg.Add(1)
		p.WaitToStart(task)
	}
	for i := 0; i < limit; i++ {
		<-arrived
	}
	// Saturated: all workers are inside the task, none finished.
	require.Equal(t, int32(limit), peak.Load())
	require.Equal(t, limit, p.NumRunning())
	require.False(t, p.TryStart(func() {}))

	close(gate)
	for i := limit; i < 10*limit; i++ {
		wg.Add(1)
		p.WaitToStart(task)
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestTryStart(t *testing.T) {
	p := New(1)
	var wg sync.WaitGroup
	wg.Add(1)
	block := make(chan struct{})
	require.True(t, p.TryStart(func() {
		defer wg.Done()
		<-block
	}))
	require.False(t, p.TryStart(func() {}))
	close(block)
	wg.Wait()

	wg.Add(1)
	require.True(t, p.TryStart(func() { wg.Done() }))
	wg.Wait()
}

func TestDefaultParallelism(t *testing.T) {
	require.Greater(t, New(0).MaxParallelism(), 0)
	require.Greater(t, New(-3).MaxParallelism(), 0)
}
