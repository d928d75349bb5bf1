// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backendtest provides a Toolkit wrapper that records compilations, launches and allocations,
// and that can inject faults, to be used in tests.
package backendtest

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/backends/host"
	"github.com/pkg/errors"
)

// ErrInjected is the cause of every fault injected by a Recorder.
var ErrInjected = errors.New("backendtest: injected fault")

// Recorder wraps a backends.Toolkit, recording calls and optionally failing them.
type Recorder struct {
	backends.Toolkit

	mu                                      sync.Mutex
	sources                                 []string
	launched                                []string
	numAllocs, numFrees                     int
	failCompiles, failLaunches, failAllocs int
}

// Compile-time check that Recorder implements backends.Toolkit.
var _ backends.Toolkit = &Recorder{}

// New wraps toolkit with a Recorder.
func New(toolkit backends.Toolkit) *Recorder {
	return &Recorder{Toolkit: toolkit}
}

// NewHost returns a Recorder around a new host toolkit created with config.
// The toolkit is finalized when the test finishes.
func NewHost(tb testing.TB, config string) *Recorder {
	tb.Helper()
	toolkit, err := host.New(config)
	if err != nil {
		tb.Fatalf("failed to create host toolkit with config %q: %+v", config, err)
	}
	tb.Cleanup(toolkit.Finalize)
	return New(toolkit)
}

// FailCompiles makes the next n calls to Compile fail.
func (r *Recorder) FailCompiles(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCompiles = n
}

// FailLaunches makes the next n calls to Launch fail.
func (r *Recorder) FailLaunches(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLaunches = n
}

// FailAllocs makes the next n calls to DeviceAlloc fail.
func (r *Recorder) FailAllocs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAllocs = n
}

// takeFault decrements counter if > 0 and returns true in that case.
func (r *Recorder) takeFault(counter *int) bool {
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

// Compile implements backends.Toolkit.
func (r *Recorder) Compile(source string) (backends.CompiledKernel, error) {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	fail := r.takeFault(&r.failCompiles)
	r.mu.Unlock()
	if fail {
		return nil, errors.Wrap(ErrInjected, "Compile")
	}
	return r.Toolkit.Compile(source)
}

// Launch implements backends.Toolkit.
func (r *Recorder) Launch(ctx context.Context, kernel backends.CompiledKernel, args []backends.Arg, device backends.DeviceNum) error {
	r.mu.Lock()
	r.launched = append(r.launched, kernel.Name())
	fail := r.takeFault(&r.failLaunches)
	r.mu.Unlock()
	if fail {
		return errors.Wrap(ErrInjected, "Launch")
	}
	return r.Toolkit.Launch(ctx, kernel, args, device)
}

// DeviceAlloc implements backends.MemoryInterface.
func (r *Recorder) DeviceAlloc(device backends.DeviceNum, bytes int64) (backends.DevicePtr, error) {
	r.mu.Lock()
	r.numAllocs++
	fail := r.takeFault(&r.failAllocs)
	r.mu.Unlock()
	if fail {
		return 0, errors.Wrap(ErrInjected, "DeviceAlloc")
	}
	return r.Toolkit.DeviceAlloc(device, bytes)
}

// DeviceFree implements backends.MemoryInterface.
func (r *Recorder) DeviceFree(ptr backends.DevicePtr) error {
	r.mu.Lock()
	r.numFrees++
	r.mu.Unlock()
	return r.Toolkit.DeviceFree(ptr)
}

// NumCompiles returns the number of calls to Compile so far.
func (r *Recorder) NumCompiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

// Sources returns a copy of the sources given to Compile, in order.
func (r *Recorder) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sources...)
}

// NumLaunches returns the number of calls to Launch so far.
func (r *Recorder) NumLaunches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launched)
}

// Launched returns the names of the launched kernels, in order.
func (r *Recorder) Launched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.launched...)
}

// NumAllocs returns the number of calls to DeviceAlloc so far, including failed ones.
func (r *Recorder) NumAllocs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numAllocs
}

// NumFrees returns the number of calls to DeviceFree so far.
func (r *Recorder) NumFrees() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numFrees
}

// Reset clears the recorded calls and pending faults.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources, r.launched = nil, nil
	r.numAllocs, r.numFrees = 0, 0
	r.failCompiles, r.failLaunches, r.failAllocs = 0, 0, 0
}
