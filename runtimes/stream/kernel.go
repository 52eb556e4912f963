package stream

import (
	"github.com/pkg/errors"

	"github.com/devq/devq/internal/devmem"
	"github.com/devq/devq/internal/eventpool"
	"github.com/devq/devq/internal/hostbin"
	"github.com/devq/devq/runtimes"
)

// Event is the stream completion handle: a pooled slot plus kind and label.
type Event struct {
	env   *Env
	kind  runtimes.EventKind
	label string
	slot  *eventpool.Slot
}

var _ runtimes.Event = (*Event)(nil)

// Kind implements runtimes.Event.
func (ev *Event) Kind() runtimes.EventKind { return ev.kind }

// Label implements runtimes.Event.
func (ev *Event) Label() string { return ev.label }

// Memory is a device buffer of a stream environment.
type Memory struct {
	env    *Env
	region *devmem.Region
}

var _ runtimes.Memory = (*Memory)(nil)

// Size implements runtimes.Memory.
func (m *Memory) Size() int64 { return m.region.Size() }

// Kernel is a host routine compiled from a hostbin binary, bound to one environment.
//
// args holds the positional buffers, deps the one-shot dependency list consumed by the
// next launch.
type Kernel struct {
	env       *Env
	name      string
	fn        hostbin.Func
	args      []*devmem.Region
	deps      []*eventpool.Slot
	finalized bool
}

var _ runtimes.Kernel = (*Kernel)(nil)

// CreateKernelFromBinary implements runtimes.Env.
func (e *Env) CreateKernelFromBinary(image []byte, entry string) (runtimes.Kernel, error) {
	if e.state == stateClosed {
		return nil, errors.WithMessagef(runtimes.ErrEnvClosed, "creating kernel %q", entry)
	}
	module, err := hostbin.Parse(image)
	if err != nil {
		return nil, err
	}
	fn, err := module.Resolve(entry)
	if err != nil {
		return nil, err
	}
	return &Kernel{env: e, name: entry, fn: fn}, nil
}

// Name implements runtimes.Kernel.
func (k *Kernel) Name() string { return k.name }

// SetArg implements runtimes.Kernel.
func (k *Kernel) SetArg(index int, mem runtimes.Memory) error {
	if k.finalized {
		return errors.Errorf("stream: kernel %q already finalized", k.name)
	}
	if index < 0 {
		return errors.Errorf("stream: kernel %q argument index %d", k.name, index)
	}
	m, ok := mem.(*Memory)
	if !ok || m.env != k.env {
		return errors.Errorf("stream: kernel %q argument %d does not belong to this environment", k.name, index)
	}
	for index >= len(k.args) {
		k.args = append(k.args, nil)
	}
	k.args[index] = m.region
	return nil
}

// AddDependency implements runtimes.Kernel.
func (k *Kernel) AddDependency(ev runtimes.Event) error {
	if k.finalized {
		return errors.Errorf("stream: kernel %q already finalized", k.name)
	}
	event, ok := ev.(*Event)
	if !ok || event.env != k.env {
		return errors.Wrapf(runtimes.ErrCrossEnvEvent, "kernel %q dependency", k.name)
	}
	k.deps = append(k.deps, event.slot)
	return nil
}

// takeDeps consumes the one-shot dependency list.
func (k *Kernel) takeDeps() []*eventpool.Slot {
	deps := k.deps
	k.deps = nil
	return deps
}

// Finalize implements runtimes.Kernel.
func (k *Kernel) Finalize() error {
	k.finalized = true
	k.args = nil
	k.deps = nil
	return nil
}

// EnqueueKernel implements runtimes.Env. The launch snapshots the kernel's current
// argument bindings and consumes its dependency list.
func (e *Env) EnqueueKernel(kernel runtimes.Kernel, global, local runtimes.Dim3) (runtimes.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok || k.env != e {
		return nil, errors.Errorf("stream: kernel does not belong to this environment")
	}
	if k.finalized {
		return nil, errors.Errorf("stream: kernel %q already finalized", k.name)
	}
	if global.Total() <= 0 || local.Total() <= 0 {
		return nil, errors.Errorf("stream: kernel %q launched with empty geometry global=%s local=%s",
			k.name, global, local)
	}
	args := make([]*devmem.Region, len(k.args))
	copy(args, k.args)
	waits := k.takeDeps()
	fn := k.fn
	return e.enqueue(runtimes.KindKernel, k.name, waits, func() error {
		argBytes := make([][]byte, len(args))
		for i, region := range args {
			if region != nil {
				argBytes[i] = region.Bytes()
			}
		}
		return fn(argBytes, global, local)
	})
}
