// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"
	"fmt"
)

// DevicePtr is an opaque handle to a device memory allocation.
//
// It's up to the toolkit to interpret it. The zero value is never a valid allocation.
type DevicePtr uint64

// String implements fmt.Stringer.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%08x", uint64(p))
}

// MemoryInterface is the Toolkit's subinterface that defines the API to allocate device memory and to
// transfer bytes to/from it.
type MemoryInterface interface {
	// DeviceAlloc allocates bytes of memory on the device.
	DeviceAlloc(device DeviceNum, bytes int64) (DevicePtr, error)

	// DeviceFree returns the memory to the device. A freed pointer should never be used again.
	DeviceFree(ptr DevicePtr) error

	// CopyToDevice copies src into the allocation ptr, starting at the given byte offset.
	CopyToDevice(ptr DevicePtr, offset int64, src []byte) error

	// CopyFromDevice copies len(dst) bytes from the allocation ptr, starting at the given byte offset.
	CopyFromDevice(ptr DevicePtr, offset int64, dst []byte) error
}

type deviceKey struct{}

// WithDevice returns a context whose "active device" is device.
//
// Memory allocations and kernel evaluations made with the returned context target that device.
func WithDevice(ctx context.Context, device DeviceNum) context.Context {
	return context.WithValue(ctx, deviceKey{}, device)
}

// DeviceFromContext returns the active device set with WithDevice, or 0 if none was set.
func DeviceFromContext(ctx context.Context) DeviceNum {
	if ctx == nil {
		return 0
	}
	if device, ok := ctx.Value(deviceKey{}).(DeviceNum); ok {
		return device
	}
	return 0
}
