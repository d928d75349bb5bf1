// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements a simple, and not very fast, but very portable reference toolkit for lazyjit.
//
// It "compiles" the kernel source text generated by the graph package into a small program, and
// interprets it in Go over host memory. Each simulated device has its own memory accounting, and
// a launch splits the iteration range into chunks that run in parallel.
//
// Configuration is a comma separated list of "key=value" pairs:
//
//   - devices: number of simulated devices, default 1.
//   - workers: maximum number of parallel chunks per launch, default runtime.NumCPU(). 0 disables
//     parallelism, a negative value makes it unlimited.
//   - max_bytes: capacity of each device (e.g. "16MiB"), allocations beyond it fail. Default is unlimited.
//
// E.g.: LAZYJIT_BACKEND="host:devices=2,workers=4".
package host

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ToolkitName to be used in LAZYJIT_BACKEND to specify this toolkit.
const ToolkitName = "host"

// Registers New() as the default constructor for the "host" toolkit.
func init() {
	backends.Register(ToolkitName, func(config string) (backends.Toolkit, error) {
		return New(config)
	})
}

// Toolkit implements the backends.Toolkit interface.
type Toolkit struct {
	numDevices int
	pool       *workerspool.Pool

	// maxDeviceBytes is the capacity of each device, if > 0.
	maxDeviceBytes int64

	mu          sync.RWMutex
	allocations map[backends.DevicePtr]*allocation
	bytesInUse  []int64
	lastPtr     backends.DevicePtr
	finalized   bool
}

// Compile-time check that host.Toolkit implements backends.Toolkit.
var _ backends.Toolkit = &Toolkit{}

// New constructs a new host Toolkit with the given configuration. See package documentation for the
// configuration format.
func New(config string) (*Toolkit, error) {
	numDevices := 1
	numWorkers := runtime.NumCPU()
	var maxDeviceBytes int64
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("host toolkit: invalid configuration %q, expected \"key=value\" in %q", part, config)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case "devices":
			numDevices, err = strconv.Atoi(value)
			if err == nil && numDevices < 1 {
				err = errors.Errorf("at least one device is required")
			}
		case "workers":
			numWorkers, err = strconv.Atoi(value)
		case "max_bytes":
			var parsed uint64
			parsed, err = humanize.ParseBytes(value)
			maxDeviceBytes = int64(parsed)
		default:
			err = errors.Errorf("unknown configuration key")
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "host toolkit: invalid configuration %q", part)
		}
	}
	t := &Toolkit{
		numDevices:     numDevices,
		pool:           workerspool.New(numWorkers),
		maxDeviceBytes: maxDeviceBytes,
		allocations:    make(map[backends.DevicePtr]*allocation),
		bytesInUse:     make([]int64, numDevices),
	}
	klog.V(1).Infof("host toolkit: %d device(s), %d worker(s), max bytes per device %s",
		numDevices, numWorkers, t.capacityString())
	return t, nil
}

func (t *Toolkit) capacityString() string {
	if t.maxDeviceBytes <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(t.maxDeviceBytes))
}

// Name returns the short name of the toolkit.
func (t *Toolkit) Name() string {
	return ToolkitName
}

// String implements fmt.Stringer.
func (t *Toolkit) String() string { return ToolkitName }

// Description is a longer description of the Toolkit that can be used to pretty-print.
func (t *Toolkit) Description() string {
	return fmt.Sprintf("Host reference toolkit (%d devices, %d workers, capacity %s)",
		t.numDevices, t.pool.MaxParallelism(), t.capacityString())
}

// NumDevices return the number of simulated devices.
func (t *Toolkit) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(t.numDevices)
}

// Synchronize is a no-op: Launch only returns after the kernel finished.
func (t *Toolkit) Synchronize(device backends.DeviceNum) error {
	return t.checkDevice(device)
}

// Finalize releases all the device memory, and makes the toolkit invalid.
func (t *Toolkit) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = true
	clear(t.allocations)
	for device := range t.bytesInUse {
		t.bytesInUse[device] = 0
	}
}

func (t *Toolkit) checkDevice(device backends.DeviceNum) error {
	if device < 0 || int(device) >= t.numDevices {
		return errors.Errorf("host toolkit: invalid device #%d, there are %d devices", device, t.numDevices)
	}
	return nil
}
