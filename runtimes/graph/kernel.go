package graph

import (
	"github.com/pkg/errors"

	"github.com/devq/devq/internal/devmem"
	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
)

// launchFunc is the callable a scheduled action runs against its bound buffers.
type launchFunc = hostbin.Func

// Event marks the completion of one accumulated action.
type Event struct {
	env   *Env
	kind  runtimes.EventKind
	label string
	slot  *eventpool.Slot
}

func (ev *Event) Kind() runtimes.EventKind { return ev.kind }
func (ev *Event) Label() string            { return ev.label }

// Memory is a device buffer owned by a graph environment.
type Memory struct {
	env    *Env
	region *devmem.Region
}

func (m *Memory) Size() int64 { return m.region.Size() }

// Kernel is a routine resolved from a binary image, plus its bound arguments and
// one-shot dependencies.
type Kernel struct {
	env       *Env
	name      string
	fn        hostbin.Func
	args      []*devmem.Region
	deps      []*eventpool.Slot
	finalized bool
}

func (k *Kernel) Name() string { return k.name }

func (e *Env) CreateKernelFromBinary(image []byte, entry string) (runtimes.Kernel, error) {
	if e.closed {
		return nil, errors.WithMessagef(runtimes.ErrEnvClosed, "creating kernel %q", entry)
	}
	mod, err := hostbin.Parse(image)
	if err != nil {
		return nil, err
	}
	fn, err := mod.Resolve(entry)
	if err != nil {
		return nil, err
	}
	return &Kernel{env: e, name: entry, fn: fn}, nil
}

func (k *Kernel) SetArg(index int, mem runtimes.Memory) error {
	if k.finalized {
		return errors.Errorf("kernel %q is finalized, cannot set argument %d", k.name, index)
	}
	if index < 0 {
		return errors.Errorf("kernel %q argument index %d is negative", k.name, index)
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != k.env {
		return errors.WithMessagef(runtimes.ErrCrossEnvEvent, "kernel %q argument %d", k.name, index)
	}
	for len(k.args) <= index {
		k.args = append(k.args, nil)
	}
	k.args[index] = m.region
	return nil
}

func (k *Kernel) AddDependency(ev runtimes.Event) error {
	if k.finalized {
		return errors.Errorf("kernel %q is finalized, cannot add dependency", k.name)
	}
	e, ok := ev.(*Event)
	if !ok || e.env != k.env {
		return errors.WithMessagef(runtimes.ErrCrossEnvEvent, "kernel %q dependency", k.name)
	}
	k.deps = append(k.deps, e.slot)
	return nil
}

// takeDeps consumes the accumulated dependencies. They apply to exactly one enqueue.
func (k *Kernel) takeDeps() []*eventpool.Slot {
	deps := k.deps
	k.deps = nil
	return deps
}

func (k *Kernel) Finalize() error {
	k.finalized = true
	return nil
}

func (e *Env) EnqueueKernel(kernel runtimes.Kernel, global, local runtimes.Dim3) (runtimes.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok || k.env != e {
		return nil, errors.WithMessagef(runtimes.ErrCrossEnvEvent, "enqueueing kernel")
	}
	if k.finalized {
		return nil, errors.Errorf("kernel %q is finalized", k.name)
	}
	if global.Total() <= 0 || local.Total() <= 0 {
		return nil, errors.Errorf("kernel %q launched with empty geometry global=%s local=%s", k.name, global, local)
	}
	args := make([]*devmem.Region, len(k.args))
	copy(args, k.args)
	waits := k.takeDeps()
	fn := k.fn
	name := k.name
	return e.append(runtimes.KindKernel, name, waits, func() error {
		argBytes := make([][]byte, len(args))
		for i, region := range args {
			if region == nil {
				continue
			}
			argBytes[i] = region.Bytes()
		}
		return fn(argBytes, global, local)
	})
}
