// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// ShapeMismatchError is returned when building a node whose operand dimensions are not compatible,
// or when reshaping to a different number of elements.
type ShapeMismatchError struct {
	Op   string
	Dims []shapes.Dims
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: dimensions %v are not compatible", e.Op, e.Dims)
}

// TypeMismatchError is returned when building a node whose operands have different dtypes, or whose
// operation doesn't support the operands dtype.
type TypeMismatchError struct {
	Op     string
	DTypes []dtypes.DType
	Reason string
}

// Error implements error.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch in %s: dtypes %v: %s", e.Op, e.DTypes, e.Reason)
}

// KernelCompilationFailure is returned when the toolkit rejects a generated kernel.
// It indicates a bug in the kernel generator, so it carries the source for diagnosis.
type KernelCompilationFailure struct {
	Signature string
	Source    string
	Cause     error
}

// Error implements error.
func (e *KernelCompilationFailure) Error() string {
	return fmt.Sprintf("toolkit failed to compile generated kernel (signature %q): %v\nkernel source:\n%s",
		e.Signature, e.Cause, e.Source)
}

// Unwrap returns the toolkit error.
func (e *KernelCompilationFailure) Unwrap() error { return e.Cause }

// DeviceExecutionFailure is returned when a kernel launch fails on the device.
// The state of the device afterward is undefined.
type DeviceExecutionFailure struct {
	Device backends.DeviceNum
	Kernel string
	Cause  error
}

// Error implements error.
func (e *DeviceExecutionFailure) Error() string {
	return fmt.Sprintf("execution of kernel %s failed on device #%d: %v", e.Kernel, e.Device, e.Cause)
}

// Unwrap returns the toolkit error.
func (e *DeviceExecutionFailure) Unwrap() error { return e.Cause }

// errFusionLimitExceeded is the internal signal that a graph is too large to fuse in one kernel.
// The Evaluator handles it by materializing intermediate nodes, it's never returned to callers.
var errFusionLimitExceeded = errors.New("fusion limit exceeded")
