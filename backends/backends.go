// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface to the device toolkit used by lazyjit to compile and launch
// the kernels it generates, and to allocate device memory.
//
// The toolkit is an external collaborator: lazyjit generates kernel source text (see the package graph
// for the format) and the toolkit turns it into something it can launch on one of its devices.
//
// Toolkits register themselves with Register, usually during package initialization, and are created
// with New or NewWithConfig. Import the reference host toolkit with:
//
//	import _ "github.com/gomlx/lazyjit/backends/host"
//
// Contrary to graph building, every Toolkit method returns errors: a device fault is an expected
// (if unfortunate) event, not a bug.
package backends

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute a kernel.
// It's up to the toolkit to interpret it, but it should be between 0 and Toolkit.NumDevices.
type DeviceNum int

// Toolkit is the API that needs to be implemented by a device toolkit binding.
type Toolkit interface {
	// Name returns the short name of the toolkit. E.g.: "host" for the reference host toolkit.
	Name() string

	// Description is a longer description of the Toolkit that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Toolkit.
	NumDevices() DeviceNum

	// Compile the given kernel source text into a launchable kernel.
	// It is safe to call Compile concurrently.
	Compile(source string) (CompiledKernel, error)

	// Launch the kernel on the given device, with the given arguments, and waits for it to finish.
	//
	// The arguments must match, in number, order and kind, the parameters declared in the kernel source.
	// There is no mid-kernel cancellation: the context is only checked before the kernel starts.
	Launch(ctx context.Context, kernel CompiledKernel, args []Arg, device DeviceNum) error

	// MemoryInterface is the sub-interface that defines the API to allocate device memory and copy data
	// to/from it.
	MemoryInterface

	// Synchronize waits for all pending work on the device to finish.
	Synchronize(device DeviceNum) error

	// Finalize releases all the associated resources immediately, and makes the toolkit invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Toolkit.
type Constructor func(config string) (Toolkit, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register toolkit with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the toolkit constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered toolkits, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default toolkit configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default toolkit configuration to use.
//
// The format of config is "<toolkit_name>:<toolkit_configuration>".
// The "<toolkit_name>" is the name of a registered toolkit (e.g.: "host") and
// "<toolkit_configuration>" is toolkit specific (e.g.: for the host toolkit, "devices=2,workers=4").
const ConfigEnvVar = "LAZYJIT_BACKEND"

// New returns a new default Toolkit.
//
// The default is:
//
// 1. The environment LAZYJIT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered toolkit is used with an empty configuration.
//
// It returns an error if no toolkit was registered.
func New() (Toolkit, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<toolkit_name>:<toolkit_configuration>".
// The "<toolkit_name>" is the name of a registered toolkit (e.g.: "host") and
// "<toolkit_configuration>" is toolkit specific.
//
// If config has no ":", it is taken as the toolkit name if one is registered with that name, otherwise
// as the configuration of the first registered toolkit.
func NewWithConfig(config string) (Toolkit, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf(`no registered toolkits for lazyjit -- maybe import the host one with import _ "github.com/gomlx/lazyjit/backends/host"?`)
	}
	toolkitName := firstRegistered
	toolkitConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		toolkitName = config[:idx]
		toolkitConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		toolkitName = config
		toolkitConfig = ""
	}
	constructor, found := registeredConstructors[toolkitName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find toolkit %q for configuration %q given", toolkitName, config)
	}
	toolkit, err := constructor(toolkitConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create toolkit %q with configuration %q", toolkitName, toolkitConfig)
	}
	return toolkit, nil
}
