package stream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/internal/devmem"
	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/runtimes"
)

type envState int

const (
	stateOpen envState = iota
	stateFlushing
	stateClosed
)

// command is one entry of the open command list. Its goroutine waits the dependency
// slots, executes run (nil for barriers), and always signals the completion slot.
type command struct {
	kind   runtimes.EventKind
	label  string
	waits  []*eventpool.Slot
	signal *eventpool.Slot
	run    func() error
}

// Env is a stream execution environment. Host side is single-threaded; the device side
// is the set of goroutines spawned per submitted command.
type Env struct {
	rt     *Runtime
	device runtimes.DeviceNum
	id     string

	state envState
	pool  *eventpool.Pool
	mem   *devmem.Manager
	open  []*command
	owned []*eventpool.Slot // every slot leased to an Event, returned at Finalize

	inFlight sync.WaitGroup // all submitted, unfinished commands

	muErr    sync.Mutex
	firstErr error

	// Last values reported to the process-wide memory gauges, so several
	// environments can share them by delta.
	lastUsed    int64
	lastPending int64
}

var _ runtimes.Env = (*Env)(nil)

func newEnv(rt *Runtime, device runtimes.DeviceNum) *Env {
	e := &Env{
		rt:     rt,
		device: device,
		id:     uuid.NewString()[:8],
		pool:   eventpool.New(rt.eventCapacity),
		mem:    devmem.New(rt.memCapacity),
	}
	klog.V(1).Infof("stream: env %s opened on device %d (events=%d)", e.id, device, rt.eventCapacity)
	return e
}

// Device implements runtimes.Env.
func (e *Env) Device() runtimes.DeviceNum { return e.device }

// recordErr keeps the first device-side failure; it poisons the environment.
func (e *Env) recordErr(err error) {
	e.muErr.Lock()
	defer e.muErr.Unlock()
	if e.firstErr == nil {
		e.firstErr = err
		klog.V(1).Infof("stream: env %s poisoned: %v", e.id, err)
	}
}

func (e *Env) errOrNil() error {
	e.muErr.Lock()
	defer e.muErr.Unlock()
	return e.firstErr
}

// slotsOf resolves dependency events to their slots, rejecting foreign events.
func (e *Env) slotsOf(deps []runtimes.Event) ([]*eventpool.Slot, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	slots := make([]*eventpool.Slot, len(deps))
	for i, dep := range deps {
		ev, ok := dep.(*Event)
		if !ok || ev.env != e {
			return nil, errors.Wrapf(runtimes.ErrCrossEnvEvent, "dependency %d (%v)", i, dep)
		}
		slots[i] = ev.slot
	}
	return slots, nil
}

// enqueue appends a command to the open list and returns its completion event.
func (e *Env) enqueue(kind runtimes.EventKind, label string, waits []*eventpool.Slot, run func() error) (*Event, error) {
	if e.state == stateClosed {
		return nil, errors.WithMessagef(runtimes.ErrEnvClosed, "enqueueing %s", label)
	}
	slot, err := e.pool.Create()
	if err != nil {
		return nil, errors.WithMessagef(err, "enqueueing %s", label)
	}
	e.owned = append(e.owned, slot)
	e.open = append(e.open, &command{kind: kind, label: label, waits: waits, signal: slot, run: run})
	commandsTotal.WithLabelValues(kind.String()).Inc()
	eventsLive.Inc()
	klog.V(2).Infof("stream: env %s enqueued %s %q (%d waits)", e.id, kind, label, len(waits))
	return &Event{env: e, kind: kind, label: label, slot: slot}, nil
}

// submit starts device goroutines for a closed batch. The returned WaitGroup tracks
// just this batch; e.inFlight tracks everything submitted.
func (e *Env) submit(batch []*command) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(len(batch))
	e.inFlight.Add(len(batch))
	submissionsTotal.Inc()
	klog.V(2).Infof("stream: env %s submitted %d command(s)", e.id, len(batch))
	for _, cmd := range batch {
		go func(cmd *command) {
			defer wg.Done()
			defer e.inFlight.Done()
			for _, w := range cmd.waits {
				<-w.Done()
			}
			var err error
			if cmd.run != nil {
				err = cmd.run()
			}
			if err != nil {
				err = &runtimes.DriverError{Runtime: Name, Op: cmd.label, Err: err}
				e.recordErr(err)
			}
			cmd.signal.Signal(err)
		}(cmd)
	}
	return &wg
}

// AllocateMemory implements runtimes.Env.
func (e *Env) AllocateMemory(byteSize int64) (runtimes.Memory, error) {
	if e.state == stateClosed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "allocating memory")
	}
	region, err := e.mem.Alloc(byteSize)
	if err != nil {
		return nil, err
	}
	e.updateMemGauges()
	return &Memory{env: e, region: region}, nil
}

// DeallocateMemory implements runtimes.Env. The region joins the pending-free list and
// its bytes stay valid until Finalize drains it.
func (e *Env) DeallocateMemory(mem runtimes.Memory) error {
	if e.state == stateClosed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "deallocating memory")
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != e {
		return errors.Errorf("stream: memory does not belong to this environment")
	}
	if err := e.mem.StageFree(m.region); err != nil {
		return err
	}
	e.updateMemGauges()
	return nil
}

// EnqueueRead implements runtimes.Env.
func (e *Env) EnqueueRead(src runtimes.Memory, dst []byte, deps []runtimes.Event) (runtimes.Event, error) {
	m, ok := src.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("stream: source memory does not belong to this environment")
	}
	if int64(len(dst)) > m.region.Size() {
		return nil, errors.Errorf("stream: read of %d bytes exceeds buffer of %d", len(dst), m.region.Size())
	}
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	region := m.region
	return e.enqueue(runtimes.KindRead, "read", waits, func() error {
		copy(dst, region.Bytes()[:len(dst)])
		return nil
	})
}

// EnqueueWrite implements runtimes.Env.
func (e *Env) EnqueueWrite(dst runtimes.Memory, src []byte, deps []runtimes.Event) (runtimes.Event, error) {
	m, ok := dst.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("stream: destination memory does not belong to this environment")
	}
	if int64(len(src)) > m.region.Size() {
		return nil, errors.Errorf("stream: write of %d bytes exceeds buffer of %d", len(src), m.region.Size())
	}
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	region := m.region
	return e.enqueue(runtimes.KindWrite, "write", waits, func() error {
		copy(region.Bytes()[:len(src)], src)
		return nil
	})
}

// EnqueueBarrier implements runtimes.Env. With no deps the barrier orders against every
// command currently on the open list.
func (e *Env) EnqueueBarrier(deps []runtimes.Event) (runtimes.Event, error) {
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		for _, cmd := range e.open {
			waits = append(waits, cmd.signal)
		}
	}
	return e.enqueue(runtimes.KindBarrier, "barrier", waits, nil)
}

// Flush implements runtimes.Env: close the open list, submit it, block until this
// submission completed, reopen a fresh list.
func (e *Env) Flush() error {
	if e.state == stateClosed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "flush")
	}
	batch := e.open
	e.open = nil
	e.state = stateFlushing
	e.submit(batch).Wait()
	e.state = stateOpen
	return e.errOrNil()
}

// Finish implements runtimes.Env: submit pending commands (keeping the stream open) and
// block until the device is idle.
func (e *Env) Finish() error {
	if e.state == stateClosed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "finish")
	}
	if len(e.open) > 0 {
		batch := e.open
		e.open = nil
		e.submit(batch)
	}
	e.inFlight.Wait()
	return e.errOrNil()
}

// Wait implements runtimes.Env. Waiting on an event implicitly submits the open
// command list, so an event can never be waited on before its command was handed to
// the device.
func (e *Env) Wait(events ...runtimes.Event) error {
	if e.state == stateClosed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "wait")
	}
	slots, err := e.slotsOf(events)
	if err != nil {
		return err
	}
	if len(e.open) > 0 {
		batch := e.open
		e.open = nil
		e.submit(batch)
	}
	eventpool.WaitAll(slots...)
	return e.errOrNil()
}

// Finalize implements runtimes.Env: implicit Finish, then return pooled events and
// drain the pending-free list. Idempotent.
func (e *Env) Finalize() error {
	if e.state == stateClosed {
		return nil
	}
	err := e.Finish()
	for _, slot := range e.owned {
		e.pool.Destroy(slot)
		eventsLive.Dec()
	}
	e.owned = nil
	released := e.mem.DrainPending()
	e.updateMemGauges()
	e.state = stateClosed
	if err != nil {
		klog.Warningf("stream: env %s finalized with recorded error: %v", e.id, err)
	}
	klog.V(1).Infof("stream: env %s closed (released %d pending buffer(s))", e.id, released)
	return err
}

func (e *Env) updateMemGauges() {
	st := e.mem.Stats()
	memUsedBytes.Add(float64(st.Used - e.lastUsed))
	memPendingBytes.Add(float64(st.PendingBytes - e.lastPending))
	e.lastUsed, e.lastPending = st.Used, st.PendingBytes
}
