// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// Build returns a new OperationNode applying op to the operands. It doesn't touch device memory.
//
// All operands must have the same dtype, otherwise it returns a *TypeMismatchError. Their dims are
// broadcast: on every axis the dimensions must be equal, or 1, otherwise it returns a *ShapeMismatchError.
func Build(op OpKind, operands ...Node) (*OperationNode, error) {
	if !op.IsValid() {
		return nil, errors.Errorf("Build(): invalid operation %s", op)
	}
	if len(operands) != op.Arity() {
		return nil, errors.Errorf("Build(%s): takes %d operands, %d given", op, op.Arity(), len(operands))
	}
	for ii, operand := range operands {
		if operand == nil {
			return nil, errors.Errorf("Build(%s): operand #%d is nil", op, ii)
		}
	}
	dtype := operands[0].DType()
	allDTypes := make([]dtypes.DType, len(operands))
	allDims := make([]shapes.Dims, len(operands))
	for ii, operand := range operands {
		allDTypes[ii] = operand.DType()
		allDims[ii] = operand.Dims()
	}
	for _, operandDType := range allDTypes[1:] {
		if operandDType != dtype {
			return nil, errors.WithStack(&TypeMismatchError{Op: op.String(), DTypes: allDTypes,
				Reason: "operands must have the same dtype"})
		}
	}
	if !backends.IsSupportedDType(dtype) {
		return nil, errors.WithStack(&TypeMismatchError{Op: op.String(), DTypes: allDTypes,
			Reason: "dtype not supported in kernels"})
	}
	if op.FloatOnly() && !dtype.IsFloat() {
		return nil, errors.WithStack(&TypeMismatchError{Op: op.String(), DTypes: allDTypes,
			Reason: "operation requires a float dtype"})
	}
	dims := allDims[0]
	for _, operandDims := range allDims[1:] {
		var ok bool
		dims, ok = shapes.Broadcast(dims, operandDims)
		if !ok {
			return nil, errors.WithStack(&ShapeMismatchError{Op: op.String(), Dims: allDims})
		}
	}
	return newOperationNode(op, dtype, dims, operands), nil
}

// Add returns the node a + b.
func Add(a, b Node) (*OperationNode, error) { return Build(OpAdd, a, b) }

// Sub returns the node a - b.
func Sub(a, b Node) (*OperationNode, error) { return Build(OpSub, a, b) }

// Mul returns the node a * b.
func Mul(a, b Node) (*OperationNode, error) { return Build(OpMul, a, b) }

// Div returns the node a / b.
func Div(a, b Node) (*OperationNode, error) { return Build(OpDiv, a, b) }

// Min returns the elementwise minimum of a and b.
func Min(a, b Node) (*OperationNode, error) { return Build(OpMin, a, b) }

// Max returns the elementwise maximum of a and b.
func Max(a, b Node) (*OperationNode, error) { return Build(OpMax, a, b) }

// Neg returns the node -x.
func Neg(x Node) (*OperationNode, error) { return Build(OpNeg, x) }

// Abs returns the node |x|.
func Abs(x Node) (*OperationNode, error) { return Build(OpAbs, x) }

// Sqrt returns the square root of x. Only for float dtypes.
func Sqrt(x Node) (*OperationNode, error) { return Build(OpSqrt, x) }

// Exp returns e^x. Only for float dtypes.
func Exp(x Node) (*OperationNode, error) { return Build(OpExp, x) }

// Log returns the natural logarithm of x. Only for float dtypes.
func Log(x Node) (*OperationNode, error) { return Build(OpLog, x) }
