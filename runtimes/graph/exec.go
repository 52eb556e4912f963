package graph

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/runtimes"
)

// run submits the accumulated graph and returns a channel closed when this batch
// completed, or nil if there was nothing to submit. Scheduled-action bookkeeping is
// batch-local, so transfer indices reset here.
func (e *Env) run() <-chan struct{} {
	if len(e.actions) == 0 {
		return nil
	}
	batch := e.actions
	e.actions = nil
	e.scheduled = nil
	e.runCount++
	runsTotal.Inc()
	klog.V(2).Infof("graph: env %s run %d submits %d action(s)", e.id, e.runCount, len(batch))

	done := make(chan struct{})
	e.inFlight.Add(1)
	go func() {
		defer close(done)
		defer e.inFlight.Done()
		e.executeBatch(batch)
	}()
	return done
}

// executeBatch runs one submitted graph: dependency-counted scheduling over a ready
// queue, executed on the runtime's bounded worker pool. A failed action poisons the
// environment but the rest of the graph still executes and every slot still signals,
// so waiters never hang.
func (e *Env) executeBatch(batch []*action) {
	var (
		mu         sync.Mutex
		completed  int
		remaining  = make([]int, len(batch))
		dependents = make([][]int, len(batch))
	)
	ready := make(chan int, len(batch)+1)
	stopFn := sync.OnceFunc(func() { close(ready) })

	// Map intra-batch dependencies to edges; dependencies on earlier submissions get a
	// waiter on their slot instead.
	slotOwner := make(map[*eventpool.Slot]int, len(batch))
	for i, a := range batch {
		slotOwner[a.signal] = i
	}
	release := func(i int) {
		mu.Lock()
		defer mu.Unlock()
		remaining[i]--
		if remaining[i] == 0 {
			ready <- i
		}
	}
	for i, a := range batch {
		remaining[i] = 1 // Held until setup finished, released below.
		for _, w := range a.waits {
			if producer, ok := slotOwner[w]; ok {
				dependents[producer] = append(dependents[producer], i)
				remaining[i]++
			} else {
				remaining[i]++
				go func(i int, w *eventpool.Slot) {
					<-w.Done()
					release(i)
				}(i, w)
			}
		}
	}
	for i := range batch {
		release(i)
	}

	expected := len(batch)
	var wg sync.WaitGroup
	for idx := range ready {
		a := batch[idx]
		wg.Add(1)
		idx := idx
		e.rt.workers.WaitToStart(func() {
			defer wg.Done()
			var err error
			if a.exec != nil {
				err = a.exec()
			}
			if err != nil {
				err = &runtimes.DriverError{Runtime: Name, Op: a.label, Err: err}
				e.recordErr(err)
			}
			a.signal.Signal(err)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if completed == expected {
				stopFn()
				return
			}
			for _, dep := range dependents[idx] {
				remaining[dep]--
				if remaining[dep] == 0 {
					ready <- dep
				}
			}
		})
	}
	wg.Wait()
}
