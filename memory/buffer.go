// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lazyjit/backends"
)

// BufferState is either Free or Locked.
type BufferState int

const (
	// Free buffers sit in their size bucket, waiting to be reused or garbage collected.
	Free BufferState = iota

	// Locked buffers are referenced by at least one holder.
	Locked
)

// String implements fmt.Stringer.
func (s BufferState) String() string {
	if s == Locked {
		return "Locked"
	}
	return "Free"
}

// Buffer is a device memory allocation owned by the Manager.
//
// Holders keep it Locked with Retain and Release. When the last reference is released the
// buffer goes back to its size bucket as Free, and may be handed out again by Manager.Allocate.
// A Buffer must not be used after its last Release.
type Buffer struct {
	id     uint64
	ptr    backends.DevicePtr
	bytes  int64
	device *deviceMemory

	refs atomic.Int32

	// state is protected by device.mu.
	state BufferState
}

// ID is a process unique identifier of the allocation, used in reports.
func (b *Buffer) ID() uint64 { return b.id }

// Ptr returns the toolkit device pointer.
func (b *Buffer) Ptr() backends.DevicePtr { return b.ptr }

// Bytes returns the size of the allocation, a multiple of the step size at the time it was allocated.
func (b *Buffer) Bytes() int64 { return b.bytes }

// Device where the buffer is allocated.
func (b *Buffer) Device() backends.DeviceNum { return b.device.device }

// State returns whether the buffer is Free or Locked.
func (b *Buffer) State() BufferState {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	return b.state
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer#%d(%s, %d bytes, device #%d)", b.id, b.ptr, b.bytes, b.device.device)
}

// Retain adds one reference to a Locked buffer.
//
// It panics if the buffer has no references left: a released buffer can't be revived.
func (b *Buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		exceptions.Panicf("memory: Retain() of %s which was already released", b)
	}
}

// Release drops one reference. The last release moves the buffer back to its size bucket.
//
// It panics if called more times than the buffer was retained.
func (b *Buffer) Release() {
	refs := b.refs.Add(-1)
	if refs < 0 {
		exceptions.Panicf("memory: Release() of %s called more times than it was retained", b)
	}
	if refs == 0 {
		b.device.release(b)
	}
}

// NumRefs returns the current number of references. For debugging only, it may change concurrently.
func (b *Buffer) NumRefs() int {
	return int(b.refs.Load())
}
