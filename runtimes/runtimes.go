// Package runtimes defines the interface a device runtime needs to implement to execute
// device programs built by the devq binding layer.
//
// A runtime owns devices; an execution environment (Env) is an asynchronous stream of
// actions against one device. Enqueue calls never block; ordering between actions exists
// only along explicit Event dependencies. The host blocks only in Flush, Finish and Wait.
//
// Runtimes register themselves on import, typically from an init function. The pure Go
// "stream" and "graph" runtimes are always available; native runtimes (e.g. opencl) are
// gated behind build tags and register only when they can actually run.
package runtimes

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DeviceNum identifies one device of a Runtime. It is up to the runtime to interpret it,
// but it must be between 0 and Runtime.NumDevices.
type DeviceNum int

// Runtime is the API a devq backend implements.
type Runtime interface {
	// Name returns the short name the runtime was registered with. E.g.: "stream".
	Name() string

	// Description is a longer description of the runtime that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this runtime.
	NumDevices() DeviceNum

	// NewEnv opens a new execution environment on the given device.
	NewEnv(device DeviceNum) (Env, error)

	// Finalize releases all resources held by the runtime. Environments created from it
	// must have been finalized already.
	Finalize()
}

// Constructor builds a runtime from a runtime-specific configuration string
// (optionally empty).
type Constructor func(config string) (Runtime, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a runtime constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of all registered runtimes.
func Registered() []string {
	names := maps.Keys(registeredConstructors)
	slices.Sort(names)
	return names
}

// DefaultConfig is the configuration used by New if DEVQ_RUNTIME is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// DEVQ_RUNTIME is the environment variable with the default runtime configuration.
//
// The format of the config is "<runtime_name>:<runtime_options>". The "<runtime_name>"
// is the name of a registered runtime (e.g.: "stream") and "<runtime_options>" is
// runtime specific (usually a comma-separated list of key=value options).
const DEVQ_RUNTIME = "DEVQ_RUNTIME"

// New returns a new Runtime using the default configuration.
//
// The default is:
//
// 1. The environment variable DEVQ_RUNTIME is used as the configuration if defined.
// 2. Next the variable DefaultConfig is used as the configuration if defined.
// 3. The first registered runtime is used with empty options.
func New() (Runtime, error) {
	if config, found := os.LookupEnv(DEVQ_RUNTIME); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds the runtime selected by a configuration string formatted as
// "<runtime_name>:<runtime_options>". A config without ":" is taken as a bare runtime
// name; an empty name selects the first registered runtime.
func NewWithConfig(config string) (Runtime, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(
			`no registered runtimes -- import one, e.g. _ "github.com/devq/devq/runtimes/stream"`)
	}
	name := config
	options := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		options = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("runtime %q not registered (config %q); registered runtimes: %v",
			name, config, Registered())
	}
	rt, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating runtime %q", name)
	}
	return rt, nil
}

// MustNew is like New but panics on error. Handy for tools and examples.
func MustNew() Runtime {
	rt, err := New()
	if err != nil {
		exceptions.Panicf("runtimes.MustNew: %+v", err)
	}
	return rt
}
