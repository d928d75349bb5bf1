// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/lazyjit/graph"
	"github.com/pkg/errors"
)

// binary applies op to t and other, which must share the same Evaluator.
func (t *Tensor) binary(op graph.OpKind, other *Tensor) (*Tensor, error) {
	if !other.Ok() {
		return nil, errors.Errorf("%s: nil or finalized operand", op)
	}
	if other.ev != t.ev {
		return nil, errors.Errorf("%s: operands use different Evaluators", op)
	}
	node, err := graph.Build(op, t.Node(), other.node)
	if err != nil {
		return nil, err
	}
	return FromNode(t.ev, node), nil
}

func (t *Tensor) unary(op graph.OpKind) (*Tensor, error) {
	node, err := graph.Build(op, t.Node())
	if err != nil {
		return nil, err
	}
	return FromNode(t.ev, node), nil
}

// withScalar applies op to t and a scalar of the dtype of t.
func (t *Tensor) withScalar(op graph.OpKind, value float64) (*Tensor, error) {
	scalar, err := graph.Scalar(t.DType(), value)
	if err != nil {
		return nil, err
	}
	node, err := graph.Build(op, t.node, scalar)
	if err != nil {
		return nil, err
	}
	return FromNode(t.ev, node), nil
}

// Add returns t + other, broadcasting axes of dimension 1.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) { return t.binary(graph.OpAdd, other) }

// Sub returns t - other.
func (t *Tensor) Sub(other *Tensor) (*Tensor, error) { return t.binary(graph.OpSub, other) }

// Mul returns t * other.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) { return t.binary(graph.OpMul, other) }

// Div returns t / other.
func (t *Tensor) Div(other *Tensor) (*Tensor, error) { return t.binary(graph.OpDiv, other) }

// Min returns the elementwise minimum of t and other.
func (t *Tensor) Min(other *Tensor) (*Tensor, error) { return t.binary(graph.OpMin, other) }

// Max returns the elementwise maximum of t and other.
func (t *Tensor) Max(other *Tensor) (*Tensor, error) { return t.binary(graph.OpMax, other) }

// Neg returns -t.
func (t *Tensor) Neg() (*Tensor, error) { return t.unary(graph.OpNeg) }

// Abs returns |t|.
func (t *Tensor) Abs() (*Tensor, error) { return t.unary(graph.OpAbs) }

// Sqrt returns the square root of t, which must be float.
func (t *Tensor) Sqrt() (*Tensor, error) { return t.unary(graph.OpSqrt) }

// Exp returns e^t, t must be float.
func (t *Tensor) Exp() (*Tensor, error) { return t.unary(graph.OpExp) }

// Log returns the natural logarithm of t, which must be float.
func (t *Tensor) Log() (*Tensor, error) { return t.unary(graph.OpLog) }

// AddScalar returns t + value.
func (t *Tensor) AddScalar(value float64) (*Tensor, error) { return t.withScalar(graph.OpAdd, value) }

// MulScalar returns t * value.
func (t *Tensor) MulScalar(value float64) (*Tensor, error) { return t.withScalar(graph.OpMul, value) }

// Reshape returns a tensor with the same elements in the same flat order, and the given dimensions.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	node, err := graph.Reshape(t.Node(), dimensions...)
	if err != nil {
		return nil, err
	}
	return FromNode(t.ev, node), nil
}
