package bind

import (
	"github.com/pkg/errors"
)

// immediateBinding lowers every action to per-call commands against an open command
// list. Dependencies ride on each command as explicit event lists; Submit maps to a
// flush of the list.
//
// Symbol layouts (results last):
//
//	create       (DeviceArg, EnvArg)
//	destroy      (EnvArg)
//	alloc        (EnvArg, IntArg byteSize, BufArg)
//	dealloc      (EnvArg, BufArg)
//	read         (EnvArg, HostArg, BufArg, IntArg depCount, EvtArg..., EvtArg)
//	write        (EnvArg, HostArg, BufArg, IntArg depCount, EvtArg..., EvtArg)
//	createKernel (EnvArg, BinArg, StrArg entry, KrnArg)
//	setKernelArg (KrnArg, IntArg index, BufArg)
//	addKernelDep (KrnArg, EvtArg)
//	scheduleFunc (EnvArg, KrnArg, IntArg globalX/Y/Z, IntArg localX/Y/Z, EvtArg)
//	barrier      (EnvArg, IntArg depCount, EvtArg..., EvtArg)
//	submit       (EnvArg)
//	wait         (IntArg eventCount, EvtArg...)
type immediateBinding struct{}

// NewImmediateBinding returns the binding for immediate, per-call runtimes.
func NewImmediateBinding() Binding { return immediateBinding{} }

func (immediateBinding) Strategy() Strategy { return Immediate }

func (immediateBinding) BindAction(sess *Session, act Action) ([]Call, error) {
	const env = EnvArg(0)
	switch a := act.(type) {
	case CreateEnv:
		return []Call{{Sym: "create", Args: []any{DeviceArg(sess.Device), env}}}, nil
	case DestroyEnv:
		return []Call{{Sym: "destroy", Args: []any{env}}}, nil
	case Alloc:
		return []Call{{Sym: "alloc", Args: []any{env, IntArg(a.Decl.ByteSize()), BufArg(a.Buffer)}}}, nil
	case Dealloc:
		return []Call{{Sym: "dealloc", Args: []any{env, BufArg(a.Buffer)}}}, nil
	case Read:
		args := []any{env, HostArg(a.Host), BufArg(a.Buffer)}
		args = appendDeps(args, a.Deps)
		args = append(args, EvtArg(a.Result))
		return []Call{{Sym: "read", Args: args}}, nil
	case Write:
		args := []any{env, HostArg(a.Host), BufArg(a.Buffer)}
		args = appendDeps(args, a.Deps)
		args = append(args, EvtArg(a.Result))
		return []Call{{Sym: "write", Args: args}}, nil
	case Launch:
		return lowerImmediateLaunch(sess, a)
	case Barrier:
		args := appendDeps([]any{env}, a.Deps)
		args = append(args, EvtArg(a.Result))
		return []Call{{Sym: "barrier", Args: args}}, nil
	case Submit:
		return []Call{{Sym: "submit", Args: []any{env}}}, nil
	case Wait:
		args := []any{IntArg(len(a.Events))}
		for _, ev := range a.Events {
			args = append(args, EvtArg(ev))
		}
		return []Call{{Sym: "wait", Args: args}}, nil
	}
	return nil, errors.Errorf("immediate binding cannot lower %T", act)
}

// lowerImmediateLaunch expands a launch into kernel creation, positional argument
// binds, one dependency call per edge, and the schedule. The device runs Block threads
// per workgroup over a global size of grid and block multiplied component-wise.
func lowerImmediateLaunch(sess *Session, a Launch) ([]Call, error) {
	const env = EnvArg(0)
	image, err := sess.Modules.Lookup(a.Module, a.Entry)
	if err != nil {
		return nil, err
	}
	krn := KrnArg(sess.Kernels)
	sess.Kernels++
	calls := []Call{{Sym: "createKernel", Args: []any{env, BinArg(image), StrArg(a.Entry), krn}}}
	for i, buf := range a.Args {
		calls = append(calls, Call{Sym: "setKernelArg", Args: []any{krn, IntArg(i), BufArg(buf)}})
	}
	for _, dep := range a.Deps {
		calls = append(calls, Call{Sym: "addKernelDep", Args: []any{krn, EvtArg(dep)}})
	}
	global := a.Grid.Mul(a.Block)
	calls = append(calls, Call{Sym: "scheduleFunc", Args: []any{
		env, krn,
		IntArg(global.X), IntArg(global.Y), IntArg(global.Z),
		IntArg(a.Block.X), IntArg(a.Block.Y), IntArg(a.Block.Z),
		EvtArg(a.Result),
	}})
	sess.ScheduleIndex++
	return calls, nil
}

// appendDeps encodes a dependency list as a leading count followed by the event refs.
func appendDeps(args []any, deps []EventRef) []any {
	args = append(args, IntArg(len(deps)))
	for _, dep := range deps {
		args = append(args, EvtArg(dep))
	}
	return args
}
