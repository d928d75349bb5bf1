// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
	"github.com/pkg/errors"
)

// allocation of device memory: it is backed by a []uint64 so every allocation is 8-bytes aligned.
type allocation struct {
	device backends.DeviceNum
	words  []uint64
	data   []byte // Byte view over words, with exactly the requested length.
}

func newAllocation(device backends.DeviceNum, bytes int64) *allocation {
	words := make([]uint64, (bytes+7)/8)
	return &allocation{
		device: device,
		words:  words,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), bytes),
	}
}

// DeviceAlloc implements backends.MemoryInterface.
func (t *Toolkit) DeviceAlloc(device backends.DeviceNum, bytes int64) (backends.DevicePtr, error) {
	if err := t.checkDevice(device); err != nil {
		return 0, err
	}
	if bytes <= 0 {
		return 0, errors.Errorf("host toolkit: invalid allocation of %d bytes", bytes)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, errors.New("host toolkit: DeviceAlloc called after Finalize")
	}
	if t.maxDeviceBytes > 0 && t.bytesInUse[device]+bytes > t.maxDeviceBytes {
		return 0, errors.Errorf("host toolkit: out of memory on device #%d: %s requested, %s in use of %s",
			device, humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(t.bytesInUse[device])), t.capacityString())
	}
	t.lastPtr++
	ptr := t.lastPtr
	t.allocations[ptr] = newAllocation(device, bytes)
	t.bytesInUse[device] += bytes
	return ptr, nil
}

// DeviceFree implements backends.MemoryInterface.
func (t *Toolkit) DeviceFree(ptr backends.DevicePtr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc, found := t.allocations[ptr]
	if !found {
		return errors.Errorf("host toolkit: DeviceFree of unknown pointer %s", ptr)
	}
	delete(t.allocations, ptr)
	t.bytesInUse[alloc.device] -= int64(len(alloc.data))
	return nil
}

// BytesInUse returns the number of bytes currently allocated on the device.
func (t *Toolkit) BytesInUse(device backends.DeviceNum) int64 {
	if t.checkDevice(device) != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesInUse[device]
}

// NumAllocations returns the number of live allocations over all devices.
func (t *Toolkit) NumAllocations() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.allocations)
}

// lookup returns the allocation for ptr, checking it is in the given byte range.
func (t *Toolkit) lookup(ptr backends.DevicePtr, offset, length int64) (*allocation, error) {
	t.mu.RLock()
	alloc, found := t.allocations[ptr]
	t.mu.RUnlock()
	if !found {
		return nil, errors.Errorf("host toolkit: unknown device pointer %s", ptr)
	}
	if offset < 0 || length < 0 || offset+length > int64(len(alloc.data)) {
		return nil, errors.Errorf("host toolkit: access to bytes [%d, %d) out of bounds of allocation %s of %d bytes",
			offset, offset+length, ptr, len(alloc.data))
	}
	return alloc, nil
}

// CopyToDevice implements backends.MemoryInterface.
func (t *Toolkit) CopyToDevice(ptr backends.DevicePtr, offset int64, src []byte) error {
	alloc, err := t.lookup(ptr, offset, int64(len(src)))
	if err != nil {
		return errors.WithMessage(err, "CopyToDevice")
	}
	copy(alloc.data[offset:], src)
	return nil
}

// CopyFromDevice implements backends.MemoryInterface.
func (t *Toolkit) CopyFromDevice(ptr backends.DevicePtr, offset int64, dst []byte) error {
	alloc, err := t.lookup(ptr, offset, int64(len(dst)))
	if err != nil {
		return errors.WithMessage(err, "CopyFromDevice")
	}
	copy(dst, alloc.data[offset:])
	return nil
}
