// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// OpKind is the elementwise operation of an OperationNode.
type OpKind int

const (
	InvalidOp OpKind = iota

	// Binary operations.

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax

	// Unary operations.

	OpNeg
	OpAbs
	OpSqrt
	OpExp
	OpLog

	numOpKinds
)

type opKindInfo struct {
	// name is used in signatures, kernelName in the kernel source.
	name, kernelName string
	arity            int
	floatOnly        bool
}

var opKindInfos = [numOpKinds]opKindInfo{
	InvalidOp: {name: "Invalid"},
	OpAdd:     {"Add", "add", 2, false},
	OpSub:     {"Sub", "sub", 2, false},
	OpMul:     {"Mul", "mul", 2, false},
	OpDiv:     {"Div", "div", 2, false},
	OpMin:     {"Min", "min", 2, false},
	OpMax:     {"Max", "max", 2, false},
	OpNeg:     {"Neg", "neg", 1, false},
	OpAbs:     {"Abs", "abs", 1, false},
	OpSqrt:    {"Sqrt", "sqrt", 1, true},
	OpExp:     {"Exp", "exp", 1, true},
	OpLog:     {"Log", "log", 1, true},
}

// IsValid returns whether op is one of the defined operations.
func (op OpKind) IsValid() bool {
	return op > InvalidOp && op < numOpKinds
}

// Arity is the number of operands the operation takes.
func (op OpKind) Arity() int {
	if !op.IsValid() {
		return 0
	}
	return opKindInfos[op].arity
}

// FloatOnly returns whether the operation is only defined for float dtypes.
func (op OpKind) FloatOnly() bool {
	return op.IsValid() && opKindInfos[op].floatOnly
}

// String implements fmt.Stringer.
func (op OpKind) String() string {
	if !op.IsValid() {
		return fmt.Sprintf("OpKind(%d)", int(op))
	}
	return opKindInfos[op].name
}

func (op OpKind) kernelName() string {
	return opKindInfos[op].kernelName
}
