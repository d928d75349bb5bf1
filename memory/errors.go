// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyjit/backends"
)

// DeviceAllocationFailure is returned when the device could not satisfy an allocation, even after
// the free buffers were garbage collected and the allocation retried once.
//
// Use errors.As to recover it from a returned error.
type DeviceAllocationFailure struct {
	Device backends.DeviceNum
	Bytes  int64

	// Cause is the error returned by the toolkit on the last attempt.
	Cause error
}

// Error implements error.
func (e *DeviceAllocationFailure) Error() string {
	return fmt.Sprintf("failed to allocate %s on device #%d: %v", humanize.IBytes(uint64(e.Bytes)), e.Device, e.Cause)
}

// Unwrap returns the toolkit error.
func (e *DeviceAllocationFailure) Unwrap() error {
	return e.Cause
}
