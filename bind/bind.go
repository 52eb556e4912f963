package bind

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/devq/devq/runtimes"
)

// Strategy selects how a runtime wants its work submitted.
type Strategy int

const (
	// Immediate runtimes take one native call per action against an open command list.
	Immediate Strategy = iota
	// Batched runtimes accumulate an action graph and submit it with a single run call.
	Batched
)

func (s Strategy) String() string {
	switch s {
	case Immediate:
		return "immediate"
	case Batched:
		return "batched"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Call is one native call: a symbol and its argument values in the symbol's fixed
// layout. Calls that produce a value carry the destination ref as their last argument.
// Variadic dependency lists are always encoded as IntArg(count) followed by that many
// EvtArgs.
type Call struct {
	Sym  string
	Args []any
}

// Argument value types of a Call. Distinct types keep the layouts checkable when a
// dispatcher decodes them.
type (
	// DeviceArg is the device ordinal an environment is opened on.
	DeviceArg int
	// EnvArg references the program's execution environment. Programs hold exactly
	// one, so it is always 0 today.
	EnvArg int
	// BufArg references a device buffer by its program ref.
	BufArg int
	// EvtArg references an event by its program ref.
	EvtArg int
	// KrnArg references a kernel object minted during lowering.
	KrnArg int
	// HostArg indexes the host buffers handed to the dispatcher.
	HostArg int
	// IntArg is a plain integer: counts, binding indices, geometry components.
	IntArg int
	// StrArg is an entry-point name.
	StrArg string
	// BinArg is a module binary image, resolved from the module table at lowering.
	BinArg []byte
)

func (c Call) String() string {
	parts := make([]string, len(c.Args))
	for i, arg := range c.Args {
		switch a := arg.(type) {
		case BinArg:
			parts[i] = fmt.Sprintf("bin[%d]", len(a))
		default:
			parts[i] = fmt.Sprintf("%T(%v)", arg, arg)
		}
	}
	return fmt.Sprintf("%s(%s)", c.Sym, strings.Join(parts, ", "))
}

// CallProgram is the lowered form of a Program: the native call sequence for one
// strategy, ready to dispatch.
type CallProgram struct {
	Strategy Strategy
	Device   runtimes.DeviceNum
	Calls    []Call
}

// Producer records which launch last produced a buffer, and through which binding.
type Producer struct {
	Action  int
	Binding int
}

// Session is the mutable state of one lowering pass. It owns the buffer-provenance map
// and the schedule counters; bindings mutate it as they lower actions, and it dies with
// the pass.
type Session struct {
	Device  runtimes.DeviceNum
	Modules ModuleTable

	// Producers tracks, per buffer, the last launch that bound it. Batched lowering
	// uses it to insert device-to-device transfers instead of host round trips.
	Producers map[BufferRef]Producer

	// ScheduleIndex counts launches lowered so far; ScheduleTotal is the program's
	// launch count. The batched strategy emits its single run when they meet.
	ScheduleIndex int
	ScheduleTotal int

	// Kernels counts kernel refs minted by the immediate strategy.
	Kernels int
}

// NewSession prepares the lowering state for one program.
func NewSession(prog *Program, modules ModuleTable) *Session {
	return &Session{
		Device:        prog.Device,
		Modules:       modules,
		Producers:     make(map[BufferRef]Producer),
		ScheduleTotal: prog.NumLaunches(),
	}
}

// Binding lowers one action into the native calls of its strategy. Implementations are
// stateless; all pass state lives in the Session.
type Binding interface {
	Strategy() Strategy
	BindAction(sess *Session, act Action) ([]Call, error)
}

// LoweringError reports the action a lowering pass failed on. The pass aborts on the
// first failure: a partially lowered program is not executable.
type LoweringError struct {
	Action int
	Err    error
}

func (e *LoweringError) Error() string {
	return fmt.Sprintf("lowering action %d: %v", e.Action, e.Err)
}

func (e *LoweringError) Unwrap() error { return e.Err }

// Lower translates prog into the native call sequence of the given binding. The first
// action that fails to lower aborts the whole pass with a LoweringError naming it.
func Lower(prog *Program, binding Binding, modules ModuleTable) (*CallProgram, error) {
	if err := prog.Validate(); err != nil {
		return nil, &LoweringError{Action: 0, Err: err}
	}
	sess := NewSession(prog, modules)
	lowered := &CallProgram{Strategy: binding.Strategy(), Device: prog.Device}
	for i, act := range prog.Actions {
		calls, err := binding.BindAction(sess, act)
		if err != nil {
			return nil, &LoweringError{Action: i, Err: err}
		}
		if klog.V(1).Enabled() {
			klog.Infof("bind: [%s] action %d %s -> %d call(s)", binding.Strategy(), i, act.name(), len(calls))
			for _, call := range calls {
				klog.V(2).Infof("bind:   %s", call)
			}
		}
		lowered.Calls = append(lowered.Calls, calls...)
	}
	return lowered, nil
}
