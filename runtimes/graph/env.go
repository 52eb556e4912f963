package graph

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/internal/devmem"
	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/runtimes"
)

// action is one node of the accumulated graph. exec is nil for barriers.
type action struct {
	kind   runtimes.EventKind
	label  string
	waits  []*eventpool.Slot
	signal *eventpool.Slot
	exec   func() error
}

// pendingLaunch is the launch action being built by the native action-builder calls,
// materialized by ScheduleFunc.
type pendingLaunch struct {
	active   bool
	label    string
	fn       launchFunc
	grid     runtimes.Dim3
	local    runtimes.Dim3
	bindings []*devmem.Region
	waits    []*eventpool.Slot // edges added by transfer actions
}

// scheduled keeps per-ScheduleFunc bookkeeping so later transfer actions can resolve
// (action index, binding index) pairs back to buffers. Reset on every Run.
type scheduled struct {
	bindings []*devmem.Region
	signal   *eventpool.Slot
}

// Env is a graph execution environment. Host side is single-threaded; the device side
// is the executor processing a submitted batch.
type Env struct {
	rt     *Runtime
	device runtimes.DeviceNum
	id     string

	closed bool
	pool   *eventpool.Pool
	mem    *devmem.Manager
	owned  []*eventpool.Slot

	actions   []*action // accumulated and not yet submitted
	pending   pendingLaunch
	scheduled []*scheduled
	runCount  int

	inFlight sync.WaitGroup

	muErr    sync.Mutex
	firstErr error

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
	klog.V(1).Infof("graph: env %s opened on device %d (events=%d)", e.id, device, rt.eventCapacity)
	return e
}

// Device implements runtimes.Env.
func (e *Env) Device() runtimes.DeviceNum { return e.device }

func (e *Env) recordErr(err error) {
	e.muErr.Lock()
	defer e.muErr.Unlock()
	if e.firstErr == nil {
		e.firstErr = err
		klog.V(1).Infof("graph: env %s poisoned: %v", e.id, err)
	}
}

func (e *Env) errOrNil() error {
	e.muErr.Lock()
	defer e.muErr.Unlock()
	return e.firstErr
}

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

// append adds an action to the accumulated graph and returns its completion event.
// Nothing executes until Run.
func (e *Env) append(kind runtimes.EventKind, label string, waits []*eventpool.Slot, exec func() error) (*Event, error) {
	if e.closed {
		return nil, errors.WithMessagef(runtimes.ErrEnvClosed, "appending %s", label)
	}
	slot, err := e.pool.Create()
	if err != nil {
		return nil, errors.WithMessagef(err, "appending %s", label)
	}
	e.owned = append(e.owned, slot)
	e.actions = append(e.actions, &action{kind: kind, label: label, waits: waits, signal: slot, exec: exec})
	actionsTotal.WithLabelValues(kind.String()).Inc()
	eventsLive.Inc()
	klog.V(2).Infof("graph: env %s appended %s %q as action %d (%d waits)",
		e.id, kind, label, len(e.actions)-1, len(waits))
	return &Event{env: e, kind: kind, label: label, slot: slot}, nil
}

// AllocateMemory implements runtimes.Env.
func (e *Env) AllocateMemory(byteSize int64) (runtimes.Memory, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "allocating memory")
	}
	region, err := e.mem.Alloc(byteSize)
	if err != nil {
		return nil, err
	}
	e.updateMemGauges()
	return &Memory{env: e, region: region}, nil
}

// DeallocateMemory implements runtimes.Env.
func (e *Env) DeallocateMemory(mem runtimes.Memory) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "deallocating memory")
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != e {
		return errors.Errorf("graph: memory does not belong to this environment")
	}
	if err := e.mem.StageFree(m.region); err != nil {
		return err
	}
	e.updateMemGauges()
	return nil
}

// EnqueueRead implements runtimes.Env. The copy happens when the graph runs.
func (e *Env) EnqueueRead(src runtimes.Memory, dst []byte, deps []runtimes.Event) (runtimes.Event, error) {
	m, ok := src.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("graph: source memory does not belong to this environment")
	}
	if int64(len(dst)) > m.region.Size() {
		return nil, errors.Errorf("graph: read of %d bytes exceeds buffer of %d", len(dst), m.region.Size())
	}
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	region := m.region
	return e.append(runtimes.KindRead, "read", waits, func() error {
		copy(dst, region.Bytes()[:len(dst)])
		return nil
	})
}

// EnqueueWrite implements runtimes.Env. The copy happens when the graph runs.
func (e *Env) EnqueueWrite(dst runtimes.Memory, src []byte, deps []runtimes.Event) (runtimes.Event, error) {
	m, ok := dst.(*Memory)
	if !ok || m.env != e {
		return nil, errors.Errorf("graph: destination memory does not belong to this environment")
	}
	if int64(len(src)) > m.region.Size() {
		return nil, errors.Errorf("graph: write of %d bytes exceeds buffer of %d", len(src), m.region.Size())
	}
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	region := m.region
	return e.append(runtimes.KindWrite, "write", waits, func() error {
		copy(region.Bytes()[:len(src)], src)
		return nil
	})
}

// EnqueueBarrier implements runtimes.Env. With no deps the barrier orders against every
// action accumulated and not yet submitted.
func (e *Env) EnqueueBarrier(deps []runtimes.Event) (runtimes.Event, error) {
	waits, err := e.slotsOf(deps)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		for _, a := range e.actions {
			waits = append(waits, a.signal)
		}
	}
	return e.append(runtimes.KindBarrier, "barrier", waits, nil)
}

// Flush implements runtimes.Env: submit the accumulated graph and block until it
// completed.
func (e *Env) Flush() error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "flush")
	}
	done := e.run()
	if done != nil {
		<-done
	}
	return e.errOrNil()
}

// Finish implements runtimes.Env: submit pending actions and block until the device is
// idle.
func (e *Env) Finish() error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "finish")
	}
	e.run()
	e.inFlight.Wait()
	return e.errOrNil()
}

// Wait implements runtimes.Env. Waiting is a submission boundary: accumulated actions
// are submitted first, so an event can never be waited on before its action was handed
// to the device.
func (e *Env) Wait(events ...runtimes.Event) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "wait")
	}
	slots, err := e.slotsOf(events)
	if err != nil {
		return err
	}
	e.run()
	eventpool.WaitAll(slots...)
	return e.errOrNil()
}

// Finalize implements runtimes.Env. Idempotent.
func (e *Env) Finalize() error {
	if e.closed {
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
	e.closed = true
	if err != nil {
		klog.Warningf("graph: env %s finalized with recorded error: %v", e.id, err)
	}
	klog.V(1).Infof("graph: env %s closed after %d run(s) (released %d pending buffer(s))",
		e.id, e.runCount, released)
	return err
}

func (e *Env) updateMemGauges() {
	st := e.mem.Stats()
	memUsedBytes.Add(float64(st.Used - e.lastUsed))
	memPendingBytes.Add(float64(st.PendingBytes - e.lastPending))
	e.lastUsed, e.lastPending = st.Used, st.PendingBytes
}
