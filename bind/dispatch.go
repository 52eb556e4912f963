package bind

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/runtimes"
)

// BatchedEnv is the native surface an environment must expose to execute batched call
// programs. The graph runtime implements it; Dispatch discovers it by type assertion,
// so bind stays decoupled from concrete runtimes.
type BatchedEnv interface {
	runtimes.Env

	BindActionBuffer(binding int, mem runtimes.Memory) error
	CreateLaunchAction(image []byte, entry string, grid runtimes.Dim3) error
	SetLaunchLocal(local runtimes.Dim3) error
	AddLaunchDependency(ev runtimes.Event) error
	CreateTransferAction(srcAction, srcBinding, dstAction, dstBinding int) error
	ScheduleFunc() (runtimes.Event, error)
	Run() error
}

// dispatcher holds the reference tables of one executing call program.
type dispatcher struct {
	rt      runtimes.Runtime
	prog    *CallProgram
	hosts   [][]byte
	env     runtimes.Env
	batched BatchedEnv
	buffers []runtimes.Memory
	kernels []runtimes.Kernel
	events  []runtimes.Event
}

// Dispatch executes a lowered program against rt. hosts supplies the buffers the
// program's host refs index; reads land their results in them. If the program did not
// destroy its environment, Dispatch finalizes it before returning, so no device state
// outlives the call.
func Dispatch(rt runtimes.Runtime, prog *CallProgram, hosts [][]byte) error {
	d := &dispatcher{rt: rt, prog: prog, hosts: hosts}
	klog.V(1).Infof("bind: dispatching %d call(s) [%s] to runtime %q",
		len(prog.Calls), prog.Strategy, rt.Name())
	for i, call := range prog.Calls {
		if err := d.dispatch(call); err != nil {
			if d.env != nil {
				_ = d.env.Finalize()
				d.env = nil
			}
			return errors.WithMessagef(err, "call %d of %d", i, len(prog.Calls))
		}
	}
	if d.env != nil {
		return d.env.Finalize()
	}
	return nil
}

func (d *dispatcher) dispatch(c Call) error {
	switch c.Sym {
	case "create", "init":
		return d.create(c)
	case "destroy", "deinit":
		if err := d.needEnv(c, 0); err != nil {
			return err
		}
		err := d.env.Finalize()
		d.env = nil
		d.batched = nil
		return err
	case "alloc":
		return d.alloc(c)
	case "dealloc":
		if err := d.needEnv(c, 0); err != nil {
			return err
		}
		mem, err := d.bufferAt(c, 1)
		if err != nil {
			return err
		}
		return d.env.DeallocateMemory(mem)
	case "read", "write":
		return d.transfer(c)
	case "createKernel":
		return d.createKernel(c)
	case "setKernelArg":
		k, err := d.kernelAt(c, 0)
		if err != nil {
			return err
		}
		index, err := argAt[IntArg](c, 1)
		if err != nil {
			return err
		}
		mem, err := d.bufferAt(c, 2)
		if err != nil {
			return err
		}
		return k.SetArg(int(index), mem)
	case "addKernelDep":
		k, err := d.kernelAt(c, 0)
		if err != nil {
			return err
		}
		ev, err := d.eventAt(c, 1)
		if err != nil {
			return err
		}
		return k.AddDependency(ev)
	case "scheduleFunc":
		if d.prog.Strategy == Batched {
			return d.scheduleBatched(c)
		}
		return d.scheduleImmediate(c)
	case "barrier":
		return d.barrier(c)
	case "submit":
		if err := d.needEnv(c, 0); err != nil {
			return err
		}
		return d.env.Flush()
	case "wait":
		return d.wait(c)
	case "bindBuffer":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		binding, err := argAt[IntArg](c, 1)
		if err != nil {
			return err
		}
		mem, err := d.bufferAt(c, 2)
		if err != nil {
			return err
		}
		return b.BindActionBuffer(int(binding), mem)
	case "transferAction":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		idx := [4]int{}
		for i := range idx {
			v, err := argAt[IntArg](c, 1+i)
			if err != nil {
				return err
			}
			idx[i] = int(v)
		}
		return b.CreateTransferAction(idx[0], idx[1], idx[2], idx[3])
	case "createLaunchAction":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		image, err := argAt[BinArg](c, 1)
		if err != nil {
			return err
		}
		entry, err := argAt[StrArg](c, 2)
		if err != nil {
			return err
		}
		grid, err := dim3At(c, 3)
		if err != nil {
			return err
		}
		return b.CreateLaunchAction(image, string(entry), grid)
	case "setLaunchLocal":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		local, err := dim3At(c, 1)
		if err != nil {
			return err
		}
		return b.SetLaunchLocal(local)
	case "addLaunchDep":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		ev, err := d.eventAt(c, 1)
		if err != nil {
			return err
		}
		return b.AddLaunchDependency(ev)
	case "run":
		b, err := d.needBatched(c)
		if err != nil {
			return err
		}
		return b.Run()
	}
	return errors.Errorf("%s: unknown symbol", c.Sym)
}

func (d *dispatcher) create(c Call) error {
	if d.env != nil {
		return errors.Errorf("%s: environment already open", c.Sym)
	}
	device, err := argAt[DeviceArg](c, 0)
	if err != nil {
		return err
	}
	env, err := d.rt.NewEnv(runtimes.DeviceNum(device))
	if err != nil {
		return err
	}
	if d.prog.Strategy == Batched {
		b, ok := env.(BatchedEnv)
		if !ok {
			_ = env.Finalize()
			return errors.Errorf("runtime %q cannot execute batched programs", d.rt.Name())
		}
		d.batched = b
	}
	d.env = env
	return nil
}

func (d *dispatcher) alloc(c Call) error {
	if err := d.needEnv(c, 0); err != nil {
		return err
	}
	size, err := argAt[IntArg](c, 1)
	if err != nil {
		return err
	}
	ref, err := argAt[BufArg](c, 2)
	if err != nil {
		return err
	}
	mem, err := d.env.AllocateMemory(int64(size))
	if err != nil {
		return err
	}
	d.buffers = setRef(d.buffers, int(ref), mem)
	return nil
}

func (d *dispatcher) transfer(c Call) error {
	if err := d.needEnv(c, 0); err != nil {
		return err
	}
	host, err := d.hostAt(c, 1)
	if err != nil {
		return err
	}
	mem, err := d.bufferAt(c, 2)
	if err != nil {
		return err
	}
	deps, next, err := d.depsAt(c, 3)
	if err != nil {
		return err
	}
	result, err := argAt[EvtArg](c, next)
	if err != nil {
		return err
	}
	var ev runtimes.Event
	if c.Sym == "read" {
		ev, err = d.env.EnqueueRead(mem, host, deps)
	} else {
		ev, err = d.env.EnqueueWrite(mem, host, deps)
	}
	if err != nil {
		return err
	}
	d.events = setRef(d.events, int(result), ev)
	return nil
}

func (d *dispatcher) createKernel(c Call) error {
	if err := d.needEnv(c, 0); err != nil {
		return err
	}
	image, err := argAt[BinArg](c, 1)
	if err != nil {
		return err
	}
	entry, err := argAt[StrArg](c, 2)
	if err != nil {
		return err
	}
	ref, err := argAt[KrnArg](c, 3)
	if err != nil {
		return err
	}
	k, err := d.env.CreateKernelFromBinary(image, string(entry))
	if err != nil {
		return err
	}
	d.kernels = setRef(d.kernels, int(ref), k)
	return nil
}

func (d *dispatcher) scheduleImmediate(c Call) error {
	if err := d.needEnv(c, 0); err != nil {
		return err
	}
	k, err := d.kernelAt(c, 1)
	if err != nil {
		return err
	}
	global, err := dim3At(c, 2)
	if err != nil {
		return err
	}
	local, err := dim3At(c, 5)
	if err != nil {
		return err
	}
	result, err := argAt[EvtArg](c, 8)
	if err != nil {
		return err
	}
	ev, err := d.env.EnqueueKernel(k, global, local)
	if err != nil {
		return err
	}
	d.events = setRef(d.events, int(result), ev)
	return nil
}

func (d *dispatcher) scheduleBatched(c Call) error {
	b, err := d.needBatched(c)
	if err != nil {
		return err
	}
	result, err := argAt[EvtArg](c, 1)
	if err != nil {
		return err
	}
	ev, err := b.ScheduleFunc()
	if err != nil {
		return err
	}
	d.events = setRef(d.events, int(result), ev)
	return nil
}

func (d *dispatcher) barrier(c Call) error {
	if err := d.needEnv(c, 0); err != nil {
		return err
	}
	deps, next, err := d.depsAt(c, 1)
	if err != nil {
		return err
	}
	result, err := argAt[EvtArg](c, next)
	if err != nil {
		return err
	}
	ev, err := d.env.EnqueueBarrier(deps)
	if err != nil {
		return err
	}
	d.events = setRef(d.events, int(result), ev)
	return nil
}

func (d *dispatcher) wait(c Call) error {
	if d.env == nil {
		return errors.Errorf("%s: environment not open", c.Sym)
	}
	count, err := argAt[IntArg](c, 0)
	if err != nil {
		return err
	}
	events := make([]runtimes.Event, count)
	for i := range events {
		events[i], err = d.eventAt(c, 1+i)
		if err != nil {
			return err
		}
	}
	return d.env.Wait(events...)
}

// needEnv checks the call carries an EnvArg at index i and the environment is open.
func (d *dispatcher) needEnv(c Call, i int) error {
	if _, err := argAt[EnvArg](c, i); err != nil {
		return err
	}
	if d.env == nil {
		return errors.Errorf("%s: environment not open", c.Sym)
	}
	return nil
}

func (d *dispatcher) needBatched(c Call) (BatchedEnv, error) {
	if err := d.needEnv(c, 0); err != nil {
		return nil, err
	}
	if d.batched == nil {
		return nil, errors.Errorf("%s: needs a batched environment", c.Sym)
	}
	return d.batched, nil
}

func (d *dispatcher) bufferAt(c Call, i int) (runtimes.Memory, error) {
	ref, err := argAt[BufArg](c, i)
	if err != nil {
		return nil, err
	}
	if int(ref) < 0 || int(ref) >= len(d.buffers) || d.buffers[ref] == nil {
		return nil, errors.Errorf("%s: buffer %d not allocated", c.Sym, ref)
	}
	return d.buffers[ref], nil
}

func (d *dispatcher) kernelAt(c Call, i int) (runtimes.Kernel, error) {
	ref, err := argAt[KrnArg](c, i)
	if err != nil {
		return nil, err
	}
	if int(ref) < 0 || int(ref) >= len(d.kernels) || d.kernels[ref] == nil {
		return nil, errors.Errorf("%s: kernel %d not created", c.Sym, ref)
	}
	return d.kernels[ref], nil
}

func (d *dispatcher) eventAt(c Call, i int) (runtimes.Event, error) {
	ref, err := argAt[EvtArg](c, i)
	if err != nil {
		return nil, err
	}
	if int(ref) < 0 || int(ref) >= len(d.events) || d.events[ref] == nil {
		return nil, errors.Errorf("%s: event %d not defined", c.Sym, ref)
	}
	return d.events[ref], nil
}

func (d *dispatcher) hostAt(c Call, i int) ([]byte, error) {
	ref, err := argAt[HostArg](c, i)
	if err != nil {
		return nil, err
	}
	if int(ref) < 0 || int(ref) >= len(d.hosts) {
		return nil, errors.Errorf("%s: host buffer %d not provided, have %d", c.Sym, ref, len(d.hosts))
	}
	return d.hosts[ref], nil
}

// depsAt decodes a count-prefixed dependency list starting at argument i, returning the
// resolved events and the index of the first argument after the list.
func (d *dispatcher) depsAt(c Call, i int) ([]runtimes.Event, int, error) {
	count, err := argAt[IntArg](c, i)
	if err != nil {
		return nil, 0, err
	}
	if count < 0 {
		return nil, 0, errors.Errorf("%s: negative dependency count %d", c.Sym, count)
	}
	deps := make([]runtimes.Event, count)
	for j := range deps {
		deps[j], err = d.eventAt(c, i+1+j)
		if err != nil {
			return nil, 0, err
		}
	}
	return deps, i + 1 + int(count), nil
}

func argAt[T any](c Call, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(c.Args) {
		return zero, errors.Errorf("%s: missing argument %d", c.Sym, i)
	}
	v, ok := c.Args[i].(T)
	if !ok {
		return zero, errors.Errorf("%s: argument %d is %T, want %T", c.Sym, i, c.Args[i], zero)
	}
	return v, nil
}

func dim3At(c Call, i int) (runtimes.Dim3, error) {
	var d [3]int
	for j := range d {
		v, err := argAt[IntArg](c, i+j)
		if err != nil {
			return runtimes.Dim3{}, err
		}
		d[j] = int(v)
	}
	return runtimes.Dim(d[0], d[1], d[2]), nil
}

func setRef[T any](table []T, ref int, value T) []T {
	for len(table) <= ref {
		var zero T
		table = append(table, zero)
	}
	table[ref] = value
	return table
}
