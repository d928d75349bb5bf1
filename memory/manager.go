// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements a per-device caching allocator of device buffers.
//
// Allocations are rounded up to a multiple of the step size and grouped in buckets by their
// rounded size. Released buffers are not returned to the device: they go back to their bucket,
// and are handed out again by the next allocation of the same size class. GarbageCollect returns
// the free buffers to the device.
//
// The active device is taken from the context (see backends.WithDevice), and each device has its
// own, independently locked, state.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is the part of the toolkit the Manager uses.
type Device interface {
	backends.MemoryInterface
	NumDevices() backends.DeviceNum
}

// Manager of device buffers, one independent state per device.
//
// It is safe for concurrent use.
type Manager struct {
	toolkit  Device
	stepSize atomic.Int64
	maxBytes int64
	devices  []*deviceMemory
	lastID   atomic.Uint64
}

// New creates a Manager of the memory of all the devices of the toolkit.
func New(toolkit Device, opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	numDevices := int(toolkit.NumDevices())
	if numDevices < 1 {
		return nil, errors.Errorf("memory: toolkit has no devices")
	}
	m := &Manager{
		toolkit:  toolkit,
		maxBytes: opts.MaxBytes,
		devices:  make([]*deviceMemory, numDevices),
	}
	m.stepSize.Store(opts.StepSize)
	for device := range m.devices {
		m.devices[device] = &deviceMemory{
			manager: m,
			device:  backends.DeviceNum(device),
			buckets: make(map[int64][]*Buffer),
			locked:  sets.Make[*Buffer](),
		}
	}
	return m, nil
}

// NumDevices managed.
func (m *Manager) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(len(m.devices))
}

// StepSize returns the current allocation step size in bytes.
func (m *Manager) StepSize() int64 {
	return m.stepSize.Load()
}

// SetStepSize changes the step size used for future allocations.
// Buffers already allocated keep their size, and are only reused by requests that round to the same size.
func (m *Manager) SetStepSize(bytes int64) error {
	if bytes <= 0 {
		return errors.Errorf("memory: invalid step size %d, it must be > 0", bytes)
	}
	m.stepSize.Store(bytes)
	return nil
}

// roundUp bytes to the step size. A request of 0 bytes takes one step.
func (m *Manager) roundUp(bytes int64) int64 {
	step := m.stepSize.Load()
	if bytes <= 0 {
		return step
	}
	return (bytes + step - 1) / step * step
}

func (m *Manager) deviceMemory(device backends.DeviceNum) (*deviceMemory, error) {
	if device < 0 || int(device) >= len(m.devices) {
		return nil, errors.Errorf("memory: invalid device #%d, there are %d devices", device, len(m.devices))
	}
	return m.devices[device], nil
}

// Allocate a Locked buffer of at least bytes on the active device of the context.
//
// If the bucket of the rounded size has a Free buffer, it is reused. Otherwise new device memory is
// requested: if that would cross the MaxBytes soft limit, or if the device fails to allocate, the Free
// buffers of the device are garbage collected first. A device failure is retried only once, after which
// a *DeviceAllocationFailure is returned.
//
// The returned buffer has one reference, to be dropped with Buffer.Release.
func (m *Manager) Allocate(ctx context.Context, bytes int64) (*Buffer, error) {
	dm, err := m.deviceMemory(backends.DeviceFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return dm.allocate(m.roundUp(bytes))
}

// GarbageCollect returns all the Free buffers of the device to the toolkit. Locked buffers are untouched.
func (m *Manager) GarbageCollect(device backends.DeviceNum) error {
	dm, err := m.deviceMemory(device)
	if err != nil {
		return err
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.lockedGarbageCollect()
	return nil
}

// GarbageCollectAll garbage collects every device.
func (m *Manager) GarbageCollectAll() {
	for _, dm := range m.devices {
		dm.mu.Lock()
		dm.lockedGarbageCollect()
		dm.mu.Unlock()
	}
}

// Write copies data into the buffer, starting at the given byte offset.
func (m *Manager) Write(buf *Buffer, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > buf.bytes {
		return errors.Errorf("memory: writing %d bytes at offset %d out of bounds of %s", len(data), offset, buf)
	}
	return errors.WithMessagef(m.toolkit.CopyToDevice(buf.ptr, offset, data), "memory: writing to %s", buf)
}

// Read copies len(data) bytes from the buffer, starting at the given byte offset.
func (m *Manager) Read(buf *Buffer, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > buf.bytes {
		return errors.Errorf("memory: reading %d bytes at offset %d out of bounds of %s", len(data), offset, buf)
	}
	return errors.WithMessagef(m.toolkit.CopyFromDevice(buf.ptr, offset, data), "memory: reading from %s", buf)
}

// deviceMemory is the allocator state of one device.
type deviceMemory struct {
	manager *Manager
	device  backends.DeviceNum

	mu sync.Mutex
	// buckets of Free buffers, keyed by their size.
	buckets map[int64][]*Buffer
	// locked holds the buffers with references.
	locked sets.Set[*Buffer]

	allocBytes, allocBuffers int64
	lockBytes                int64
}

func (dm *deviceMemory) allocate(size int64) (*Buffer, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if free := dm.buckets[size]; len(free) > 0 {
		buf := free[len(free)-1]
		free[len(free)-1] = nil
		if len(free) == 1 {
			delete(dm.buckets, size)
		} else {
			dm.buckets[size] = free[:len(free)-1]
		}
		dm.lockedLock(buf)
		return buf, nil
	}

	m := dm.manager
	if m.maxBytes > 0 && dm.allocBytes+size > m.maxBytes {
		klog.V(1).Infof("memory: device #%d allocating %s would cross the soft limit of %s, garbage collecting first",
			dm.device, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(m.maxBytes)))
		dm.lockedGarbageCollect()
	}
	ptr, err := m.toolkit.DeviceAlloc(dm.device, size)
	if err != nil {
		klog.Warningf("memory: device #%d failed to allocate %s, garbage collecting and retrying: %v",
			dm.device, humanize.IBytes(uint64(size)), err)
		dm.lockedGarbageCollect()
		ptr, err = m.toolkit.DeviceAlloc(dm.device, size)
		if err != nil {
			return nil, errors.WithStack(&DeviceAllocationFailure{Device: dm.device, Bytes: size, Cause: err})
		}
	}
	buf := &Buffer{
		id:     m.lastID.Add(1),
		ptr:    ptr,
		bytes:  size,
		device: dm,
	}
	dm.allocBytes += size
	dm.allocBuffers++
	dm.lockedLock(buf)
	return buf, nil
}

// lockedLock moves a new or Free buffer to the locked set, with one reference.
// It must be called with dm.mu acquired.
func (dm *deviceMemory) lockedLock(buf *Buffer) {
	buf.refs.Store(1)
	buf.state = Locked
	dm.locked.Insert(buf)
	dm.lockBytes += buf.bytes
}

// release is called by Buffer.Release when the last reference is dropped.
func (dm *deviceMemory) release(buf *Buffer) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.locked.Remove(buf) {
		return
	}
	buf.state = Free
	dm.lockBytes -= buf.bytes
	dm.buckets[buf.bytes] = append(dm.buckets[buf.bytes], buf)
}

// lockedGarbageCollect frees all the buffers in the buckets.
// It must be called with dm.mu acquired.
func (dm *deviceMemory) lockedGarbageCollect() {
	if len(dm.buckets) == 0 {
		return
	}
	var numFreed, bytesFreed int64
	for _, size := range slices.Sorted(maps.Keys(dm.buckets)) {
		for _, buf := range dm.buckets[size] {
			if err := dm.manager.toolkit.DeviceFree(buf.ptr); err != nil {
				klog.Warningf("memory: failed to free %s: %v", buf, err)
			}
			numFreed++
			bytesFreed += buf.bytes
		}
	}
	clear(dm.buckets)
	dm.allocBuffers -= numFreed
	dm.allocBytes -= bytesFreed
	klog.V(1).Infof("memory: device #%d garbage collected %d buffers (%s)",
		dm.device, numFreed, humanize.IBytes(uint64(bytesFreed)))
}
