// Package bind lowers backend-neutral device programs into the native call sequence of
// a concrete runtime, and dispatches those calls against it.
//
// A translator hands bind a Program: a flat action list (allocations, host transfers,
// kernel launches, barriers) over dense buffer, event and host references. Lower turns
// the program into a CallProgram for one of two submission strategies. The Immediate
// strategy maps every action to per-call commands against an open command list; the
// Batched strategy accumulates an action graph, elides host round trips through
// buffer-provenance tracking, and submits the whole graph with a single run call.
// Dispatch then executes a CallProgram against any registered runtime.
package bind

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/devq/devq/runtimes"
)

// BufferRef names a device buffer within one Program. Refs are dense: the n-th Alloc
// action of the program defines ref n.
type BufferRef int

// EventRef names the completion event of one action within a Program. Refs are dense in
// order of the actions that produce them.
type EventRef int

// HostRef indexes the host buffers supplied to Dispatch alongside the program.
type HostRef int

// BufferDecl declares the element type and dimensions of a device buffer.
type BufferDecl struct {
	DType dtypes.DType
	Dims  []int
}

// DeclOf returns a BufferDecl for the given element type and dimensions.
func DeclOf(dtype dtypes.DType, dims ...int) BufferDecl {
	return BufferDecl{DType: dtype, Dims: dims}
}

// Size returns the number of elements, the product of all dimensions.
func (d BufferDecl) Size() (size int) {
	size = 1
	for _, dim := range d.Dims {
		size *= dim
	}
	return
}

// ByteSize returns the device allocation size for the declaration.
func (d BufferDecl) ByteSize() int64 {
	return int64(d.DType.Memory()) * int64(d.Size())
}

func (d BufferDecl) String() string {
	if len(d.Dims) == 0 {
		return fmt.Sprintf("(%s)", d.DType)
	}
	return fmt.Sprintf("(%s)%v", d.DType, d.Dims)
}

// Action is one unit of schedulable work in a Program.
type Action interface {
	// name of the action for logs and errors, e.g. "launch".
	name() string
}

// CreateEnv opens the program's execution environment on Program.Device. It must be the
// first action of every program.
type CreateEnv struct{}

// DestroyEnv finalizes the environment, forcing completion of all outstanding work. If
// present it must be the last action.
type DestroyEnv struct{}

// Alloc defines device buffer Buffer with the given declaration.
type Alloc struct {
	Buffer BufferRef
	Decl   BufferDecl
}

// Dealloc stages Buffer for release at environment teardown. The buffer stays valid for
// every event created before the dealloc.
type Dealloc struct {
	Buffer BufferRef
}

// Read copies Buffer into host buffer Host once Deps have signaled. Result is the
// completion event it defines.
type Read struct {
	Buffer BufferRef
	Host   HostRef
	Deps   []EventRef
	Result EventRef
}

// Write copies host buffer Host into Buffer once Deps have signaled.
type Write struct {
	Buffer BufferRef
	Host   HostRef
	Deps   []EventRef
	Result EventRef
}

// Launch runs Entry from the named binary module over Grid workgroups of Block threads,
// with Args bound positionally.
type Launch struct {
	Module string
	Entry  string
	Grid   runtimes.Dim3
	Block  runtimes.Dim3
	Args   []BufferRef
	Deps   []EventRef
	Result EventRef
}

// Barrier defines an event that signals only after every event in Deps has signaled.
// With no Deps it orders against everything enqueued so far.
type Barrier struct {
	Deps   []EventRef
	Result EventRef
}

// Submit forces submission of the work enqueued so far and blocks until it completed.
// Batched strategies elide it: their only submission point is the final run.
type Submit struct{}

// Wait blocks until every event in Events has signaled.
type Wait struct {
	Events []EventRef
}

func (CreateEnv) name() string  { return "createEnv" }
func (DestroyEnv) name() string { return "destroyEnv" }
func (Alloc) name() string      { return "alloc" }
func (Dealloc) name() string    { return "dealloc" }
func (Read) name() string       { return "read" }
func (Write) name() string      { return "write" }
func (Launch) name() string     { return "launch" }
func (Barrier) name() string    { return "barrier" }
func (Submit) name() string     { return "submit" }
func (Wait) name() string       { return "wait" }

// Program is a backend-neutral device program: a flat action list against one device.
type Program struct {
	Device  runtimes.DeviceNum
	Actions []Action
}

// NumBuffers returns how many device buffers the program allocates.
func (p *Program) NumBuffers() int {
	n := 0
	for _, act := range p.Actions {
		if _, ok := act.(Alloc); ok {
			n++
		}
	}
	return n
}

// NumLaunches returns how many kernel launches the program schedules.
func (p *Program) NumLaunches() int {
	n := 0
	for _, act := range p.Actions {
		if _, ok := act.(Launch); ok {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants every lowering pass relies on: the program
// opens with CreateEnv, destroys the environment at most once and only as the last
// action, buffer and event refs are dense and defined before use, and launch geometry
// is non-empty. Host refs are bounded only at dispatch time, when the host buffers are
// actually known.
func (p *Program) Validate() error {
	if len(p.Actions) == 0 {
		return errors.Errorf("program has no actions")
	}
	if _, ok := p.Actions[0].(CreateEnv); !ok {
		return errors.Errorf("program must start with createEnv, got %s", p.Actions[0].name())
	}
	var buffers, events int
	defBuffer := func(i int, ref BufferRef) error {
		if int(ref) != buffers {
			return errors.Errorf("action %d defines buffer %d, want dense ref %d", i, ref, buffers)
		}
		buffers++
		return nil
	}
	defEvent := func(i int, ref EventRef) error {
		if int(ref) != events {
			return errors.Errorf("action %d defines event %d, want dense ref %d", i, ref, events)
		}
		events++
		return nil
	}
	useBuffer := func(i int, ref BufferRef) error {
		if int(ref) < 0 || int(ref) >= buffers {
			return errors.Errorf("action %d references undefined buffer %d", i, ref)
		}
		return nil
	}
	useEvents := func(i int, refs []EventRef) error {
		for _, ref := range refs {
			if int(ref) < 0 || int(ref) >= events {
				return errors.Errorf("action %d references undefined event %d", i, ref)
			}
		}
		return nil
	}
	for i, act := range p.Actions {
		if i > 0 {
			if _, ok := act.(CreateEnv); ok {
				return errors.Errorf("action %d: createEnv must be the first action", i)
			}
		}
		switch a := act.(type) {
		case CreateEnv:
		case DestroyEnv:
			if i != len(p.Actions)-1 {
				return errors.Errorf("action %d: destroyEnv must be the last action", i)
			}
		case Alloc:
			if a.Decl.DType == dtypes.InvalidDType || a.Decl.ByteSize() <= 0 {
				return errors.Errorf("action %d allocates empty declaration %s", i, a.Decl)
			}
			if err := defBuffer(i, a.Buffer); err != nil {
				return err
			}
		case Dealloc:
			if err := useBuffer(i, a.Buffer); err != nil {
				return err
			}
		case Read:
			if a.Host < 0 {
				return errors.Errorf("action %d has negative host ref %d", i, a.Host)
			}
			if err := useBuffer(i, a.Buffer); err != nil {
				return err
			}
			if err := useEvents(i, a.Deps); err != nil {
				return err
			}
			if err := defEvent(i, a.Result); err != nil {
				return err
			}
		case Write:
			if a.Host < 0 {
				return errors.Errorf("action %d has negative host ref %d", i, a.Host)
			}
			if err := useBuffer(i, a.Buffer); err != nil {
				return err
			}
			if err := useEvents(i, a.Deps); err != nil {
				return err
			}
			if err := defEvent(i, a.Result); err != nil {
				return err
			}
		case Launch:
			if a.Module == "" || a.Entry == "" {
				return errors.Errorf("action %d launches unnamed module/entry %q/%q", i, a.Module, a.Entry)
			}
			if a.Grid.Total() <= 0 || a.Block.Total() <= 0 {
				return errors.Errorf("action %d has empty geometry grid=%s block=%s", i, a.Grid, a.Block)
			}
			for _, arg := range a.Args {
				if err := useBuffer(i, arg); err != nil {
					return err
				}
			}
			if err := useEvents(i, a.Deps); err != nil {
				return err
			}
			if err := defEvent(i, a.Result); err != nil {
				return err
			}
		case Barrier:
			if err := useEvents(i, a.Deps); err != nil {
				return err
			}
			if err := defEvent(i, a.Result); err != nil {
				return err
			}
		case Submit:
		case Wait:
			if err := useEvents(i, a.Events); err != nil {
				return err
			}
		default:
			return errors.Errorf("action %d has unknown type %T", i, act)
		}
	}
	return nil
}

// String renders the program one action per line, for logs and test failures.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "program on device %d, %d action(s):\n", p.Device, len(p.Actions))
	for i, act := range p.Actions {
		fmt.Fprintf(&sb, "  %3d: %s %+v\n", i, act.name(), act)
	}
	return sb.String()
}
