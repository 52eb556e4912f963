package graph

import (
	"github.com/pkg/errors"

	"github.com/devq/devq/internal/devmem"
	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
)

// The methods below are the graph runtime's native action-building surface. A launch
// is assembled piecewise: CreateLaunchAction names the routine and grid, BindActionBuffer
// attaches buffers to numbered bindings, CreateTransferAction inserts copies from
// earlier launches in the same accumulation, and ScheduleFunc seals the launch into the
// graph. Run submits everything accumulated since the previous Run.

// BindActionBuffer attaches mem to the numbered binding of the launch being built.
func (e *Env) BindActionBuffer(binding int, mem runtimes.Memory) error {
	if e.closed {
		return errors.WithMessagef(runtimes.ErrEnvClosed, "binding buffer %d", binding)
	}
	if binding < 0 {
		return errors.Errorf("binding index %d is negative", binding)
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != e {
		return errors.WithMessagef(runtimes.ErrCrossEnvEvent, "binding buffer %d", binding)
	}
	e.pending.active = true
	for len(e.pending.bindings) <= binding {
		e.pending.bindings = append(e.pending.bindings, nil)
	}
	e.pending.bindings[binding] = m.region
	return nil
}

// CreateLaunchAction starts building a launch of entry from image over grid workgroups.
// The local size defaults to a single thread until SetLaunchLocal.
func (e *Env) CreateLaunchAction(image []byte, entry string, grid runtimes.Dim3) error {
	if e.closed {
		return errors.WithMessagef(runtimes.ErrEnvClosed, "creating launch action %q", entry)
	}
	if e.pending.fn != nil {
		return errors.Errorf("launch action %q still being built, schedule it before creating %q",
			e.pending.label, entry)
	}
	if grid.Total() <= 0 {
		return errors.Errorf("launch action %q has empty grid %s", entry, grid)
	}
	mod, err := hostbin.Parse(image)
	if err != nil {
		return err
	}
	fn, err := mod.Resolve(entry)
	if err != nil {
		return err
	}
	e.pending.active = true
	e.pending.label = entry
	e.pending.fn = fn
	e.pending.grid = grid
	e.pending.local = runtimes.Dim(1, 1, 1)
	return nil
}

// SetLaunchLocal overrides the workgroup size of the launch being built.
func (e *Env) SetLaunchLocal(local runtimes.Dim3) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "setting launch local size")
	}
	if e.pending.fn == nil {
		return errors.Errorf("no launch action being built")
	}
	if local.Total() <= 0 {
		return errors.Errorf("launch action %q has empty local size %s", e.pending.label, local)
	}
	e.pending.local = local
	return nil
}

// AddLaunchDependency makes the launch being built wait on ev.
func (e *Env) AddLaunchDependency(ev runtimes.Event) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "adding launch dependency")
	}
	if e.pending.fn == nil {
		return errors.Errorf("no launch action being built")
	}
	evt, ok := ev.(*Event)
	if !ok || evt.env != e {
		return errors.WithMessage(runtimes.ErrCrossEnvEvent, "adding launch dependency")
	}
	e.pending.waits = append(e.pending.waits, evt.slot)
	return nil
}

// CreateTransferAction copies the srcBinding buffer of an already scheduled launch into
// the dstBinding buffer of the launch being built, and makes the pending launch wait on
// the copy. Action indices count ScheduleFunc calls since the last Run.
func (e *Env) CreateTransferAction(srcAction, srcBinding, dstAction, dstBinding int) error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "creating transfer action")
	}
	if dstAction != len(e.scheduled) {
		return errors.Errorf("transfer targets action %d but action %d is being built", dstAction, len(e.scheduled))
	}
	if srcAction < 0 || srcAction >= len(e.scheduled) {
		return errors.Errorf("transfer source action %d out of range, %d scheduled", srcAction, len(e.scheduled))
	}
	src := e.scheduled[srcAction]
	if srcBinding < 0 || srcBinding >= len(src.bindings) || src.bindings[srcBinding] == nil {
		return errors.Errorf("source action %d has no buffer at binding %d", srcAction, srcBinding)
	}
	if dstBinding < 0 || dstBinding >= len(e.pending.bindings) || e.pending.bindings[dstBinding] == nil {
		return errors.Errorf("pending launch has no buffer at binding %d", dstBinding)
	}
	srcRegion := src.bindings[srcBinding]
	dstRegion := e.pending.bindings[dstBinding]
	waits := []*eventpool.Slot{src.signal}
	ev, err := e.append(runtimes.KindTransfer, "transfer", waits, func() error {
		if srcRegion == dstRegion {
			return nil
		}
		n := copy(dstRegion.Bytes(), srcRegion.Bytes())
		if int64(n) < srcRegion.Size() {
			return errors.Errorf("transfer truncated, destination holds %d of %d bytes", n, srcRegion.Size())
		}
		return nil
	})
	if err != nil {
		return err
	}
	transfersTotal.Inc()
	e.pending.waits = append(e.pending.waits, ev.slot)
	return nil
}

// ScheduleFunc seals the launch being built into the accumulated graph and returns its
// completion event. Binding and transfer state reset for the next launch.
func (e *Env) ScheduleFunc() (runtimes.Event, error) {
	if e.closed {
		return nil, errors.WithMessage(runtimes.ErrEnvClosed, "scheduling launch")
	}
	if e.pending.fn == nil {
		return nil, errors.Errorf("no launch action being built")
	}
	bindings := make([]*devmem.Region, len(e.pending.bindings))
	copy(bindings, e.pending.bindings)
	waits := e.pending.waits
	fn := e.pending.fn
	label := e.pending.label
	global := e.pending.grid.Mul(e.pending.local)
	local := e.pending.local
	ev, err := e.append(runtimes.KindKernel, label, waits, func() error {
		argBytes := make([][]byte, len(bindings))
		for i, region := range bindings {
			if region == nil {
				continue
			}
			argBytes[i] = region.Bytes()
		}
		return fn(argBytes, global, local)
	})
	if err != nil {
		return nil, err
	}
	e.scheduled = append(e.scheduled, &scheduled{bindings: bindings, signal: ev.slot})
	e.pending = pendingLaunch{}
	return ev, nil
}

// Run submits everything accumulated since the previous Run. It does not wait; use
// Wait on the returned events of interest, or Finish.
func (e *Env) Run() error {
	if e.closed {
		return errors.WithMessage(runtimes.ErrEnvClosed, "running graph")
	}
	if e.pending.active {
		return errors.Errorf("launch action %q still being built, schedule it before running", e.pending.label)
	}
	e.run()
	return nil
}

// Runs reports how many non-empty submissions this environment has made.
func (e *Env) Runs() int { return e.runCount }
