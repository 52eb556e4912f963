// Package graph implements the in-process batched runtime: enqueues accumulate actions
// in a submit-once action graph, and nothing executes until Run submits the whole
// accumulated graph. Within a submitted graph, actions execute in parallel ordered only
// by their dependency edges.
//
// Besides the runtimes.Env contract, the environment exposes the native action-builder
// calls the batched binding strategy lowers to: BindActionBuffer, CreateLaunchAction,
// SetLaunchLocal, CreateTransferAction, ScheduleFunc and Run (see bind.BatchedEnv).
//
// Options (see runtimes.NewWithConfig): "events=N" fixed event pool capacity (default
// 600), "memory=SIZE" device memory budget (default 256MiB), "workers=N" executor
// parallelism (default NumCPU), "devices=N" logical devices (default 1).
package graph

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/devq/devq/internal/workerspool"
	"github.com/devq/devq/runtimes"
)

// Name of the runtime in the registry, to be used in DEVQ_RUNTIME.
const Name = "graph"

const (
	// DefaultEventCapacity is the fixed size of an environment's event pool unless the
	// "events=" option overrides it. The pool never grows.
	DefaultEventCapacity = 600

	// DefaultMemoryCapacity is the per-environment device memory budget unless the
	// "memory=" option overrides it.
	DefaultMemoryCapacity = 256 << 20
)

func init() {
	runtimes.Register(Name, New)
}

// Runtime is the batched in-process runtime. All its environments share one bounded
// executor pool.
type Runtime struct {
	numDevices    runtimes.DeviceNum
	eventCapacity int
	memCapacity   int64
	workers       *workerspool.Pool
	finalized     bool
}

// Compile-time check:
var _ runtimes.Runtime = (*Runtime)(nil)

// New builds a graph runtime from a runtime options string.
func New(config string) (runtimes.Runtime, error) {
	opts, err := runtimes.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	events, err := opts.Int("events", DefaultEventCapacity)
	if err != nil {
		return nil, err
	}
	memory, err := opts.Bytes("memory", DefaultMemoryCapacity)
	if err != nil {
		return nil, err
	}
	devices, err := opts.Int("devices", 1)
	if err != nil {
		return nil, err
	}
	workers, err := opts.Int("workers", 0)
	if err != nil {
		return nil, err
	}
	if events <= 0 || memory <= 0 || devices <= 0 {
		return nil, errors.Errorf("graph: options must be positive (events=%d, memory=%d, devices=%d)",
			events, memory, devices)
	}
	return &Runtime{
		numDevices:    runtimes.DeviceNum(devices),
		eventCapacity: events,
		memCapacity:   memory,
		workers:       workerspool.New(workers),
	}, nil
}

// Name implements runtimes.Runtime.
func (r *Runtime) Name() string { return Name }

// Description implements runtimes.Runtime.
func (r *Runtime) Description() string {
	return "in-process batched action-graph device (pure Go)"
}

// NumDevices implements runtimes.Runtime.
func (r *Runtime) NumDevices() runtimes.DeviceNum { return r.numDevices }

// NewEnv implements runtimes.Runtime.
func (r *Runtime) NewEnv(device runtimes.DeviceNum) (runtimes.Env, error) {
	if r.finalized {
		return nil, errors.Errorf("graph: runtime already finalized")
	}
	if device < 0 || device >= r.numDevices {
		return nil, errors.Errorf("graph: device %d out of range, runtime has %d device(s)",
			device, r.numDevices)
	}
	return newEnv(r, device), nil
}

// Finalize implements runtimes.Runtime.
func (r *Runtime) Finalize() {
	if r.finalized {
		return
	}
	r.finalized = true
	klog.V(1).Infof("graph: runtime finalized")
}
