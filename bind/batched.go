package bind

import (
	"github.com/pkg/errors"
)

// batchedBinding lowers to an accumulated action graph submitted once. Launches are
// assembled piecewise; the session's provenance map turns buffer reuse across launches
// into device-to-device transfer actions instead of host round trips. Submit lowers to
// nothing: the strategy's only submission point is the single run emitted after the
// program's final launch.
//
// Symbol layouts (results last; alloc/dealloc/read/write/barrier/wait as immediate):
//
//	init               (DeviceArg, EnvArg)
//	deinit             (EnvArg)
//	createLaunchAction (EnvArg, BinArg, StrArg entry, IntArg gridX/Y/Z)
//	setLaunchLocal     (EnvArg, IntArg localX/Y/Z)
//	bindBuffer         (EnvArg, IntArg binding, BufArg)
//	transferAction     (EnvArg, IntArg srcAction, IntArg srcBinding, IntArg dstAction, IntArg dstBinding)
//	addLaunchDep       (EnvArg, EvtArg)
//	scheduleFunc       (EnvArg, EvtArg)
//	run                (EnvArg)
//
// Grids pass through unmultiplied; the runtime owns the grid-times-block expansion.
type batchedBinding struct{}

// NewBatchedBinding returns the binding for batched, submit-once runtimes.
func NewBatchedBinding() Binding { return batchedBinding{} }

func (batchedBinding) Strategy() Strategy { return Batched }

func (batchedBinding) BindAction(sess *Session, act Action) ([]Call, error) {
	const env = EnvArg(0)
	switch a := act.(type) {
	case CreateEnv:
		return []Call{{Sym: "init", Args: []any{DeviceArg(sess.Device), env}}}, nil
	case DestroyEnv:
		return []Call{{Sym: "deinit", Args: []any{env}}}, nil
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
		return lowerBatchedLaunch(sess, a)
	case Barrier:
		args := appendDeps([]any{env}, a.Deps)
		args = append(args, EvtArg(a.Result))
		return []Call{{Sym: "barrier", Args: args}}, nil
	case Submit:
		// The graph submits once, at the final launch.
		return nil, nil
	case Wait:
		args := []any{IntArg(len(a.Events))}
		for _, ev := range a.Events {
			args = append(args, EvtArg(ev))
		}
		return []Call{{Sym: "wait", Args: args}}, nil
	}
	return nil, errors.Errorf("batched binding cannot lower %T", act)
}

// lowerBatchedLaunch assembles one launch action: create, local size, one bind per
// positional argument with a transfer inserted wherever the buffer was produced by an
// earlier launch, explicit dependency edges, and the schedule. Provenance updates for
// every bound buffer, hit or not. The program's final launch triggers the single run.
func lowerBatchedLaunch(sess *Session, a Launch) ([]Call, error) {
	const env = EnvArg(0)
	image, err := sess.Modules.Lookup(a.Module, a.Entry)
	if err != nil {
		return nil, err
	}
	calls := []Call{
		{Sym: "createLaunchAction", Args: []any{
			env, BinArg(image), StrArg(a.Entry),
			IntArg(a.Grid.X), IntArg(a.Grid.Y), IntArg(a.Grid.Z),
		}},
		{Sym: "setLaunchLocal", Args: []any{
			env, IntArg(a.Block.X), IntArg(a.Block.Y), IntArg(a.Block.Z),
		}},
	}
	for i, buf := range a.Args {
		calls = append(calls, Call{Sym: "bindBuffer", Args: []any{env, IntArg(i), BufArg(buf)}})
		// A buffer bound twice in the same launch needs no transfer from itself.
		if prod, hit := sess.Producers[buf]; hit && prod.Action != sess.ScheduleIndex {
			calls = append(calls, Call{Sym: "transferAction", Args: []any{
				env,
				IntArg(prod.Action), IntArg(prod.Binding),
				IntArg(sess.ScheduleIndex), IntArg(i),
			}})
		}
		sess.Producers[buf] = Producer{Action: sess.ScheduleIndex, Binding: i}
	}
	for _, dep := range a.Deps {
		calls = append(calls, Call{Sym: "addLaunchDep", Args: []any{env, EvtArg(dep)}})
	}
	calls = append(calls, Call{Sym: "scheduleFunc", Args: []any{env, EvtArg(a.Result)}})
	sess.ScheduleIndex++
	if sess.ScheduleIndex == sess.ScheduleTotal {
		calls = append(calls, Call{Sym: "run", Args: []any{env}})
	}
	return calls, nil
}
