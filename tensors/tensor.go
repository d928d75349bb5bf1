// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a handle to a multi-dimensional array of up to 4 axes computed lazily.
//
// A Tensor holds a reference to the graph.Node defining its value: operations on tensors only extend the
// graph, and no device work happens until the value is needed, by Eval or FlatData. Then the graph is fused
// into kernels by the graph.Evaluator of the tensor.
//
// Tensors are immutable, and can be shared by goroutines. Example:
//
//	a := must.M1(tensors.FromFlatData(ctx, ev, []float32{1, 2, 3, 4}, 2, 2))
//	b := must.M1(a.MulScalar(2))
//	c := must.M1(b.Add(a))
//	flat := must.M1(tensors.FlatData[float32](ctx, c)) // [3, 6, 9, 12]
package tensors

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/graph"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element are the Go types of the elements of a Tensor.
type Element interface {
	float16.Float16 | float32 | float64 | int32 | int64
}

// Tensor is a handle to the graph.Node defining its value.
type Tensor struct {
	ev   *graph.Evaluator
	node graph.Node
}

// FromNode returns a Tensor for node, evaluated by ev.
func FromNode(ev *graph.Evaluator, node graph.Node) *Tensor {
	return &Tensor{ev: ev, node: node}
}

// FromFlatData uploads flat to the device of the context, and returns a Tensor with the given dimensions.
// The values are in contiguous order, axis 0 fastest.
func FromFlatData[T Element](ctx context.Context, ev *graph.Evaluator, flat []T, dimensions ...int) (*Tensor, error) {
	dims, err := shapes.MakeDims(dimensions...)
	if err != nil {
		return nil, err
	}
	if dims.Size() != len(flat) {
		return nil, errors.Errorf("FromFlatData(): dimensions %s hold %d elements, but %d were given", dims, dims.Size(), len(flat))
	}
	dtype := dtypeOf[T]()
	node, err := ev.Upload(ctx, dtype, dims, bytesOf(flat))
	if err != nil {
		return nil, err
	}
	return FromNode(ev, node), nil
}

// dtypeOf returns the DType of the Go type T.
func dtypeOf[T Element]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// bytesOf returns the memory of flat as bytes, in the native (little-endian) layout the toolkits use.
func bytesOf[T Element](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(zero)))
}

// Node returns the node defining the value of the tensor.
func (t *Tensor) Node() graph.Node {
	t.assertValid()
	return t.node
}

// Evaluator of the tensor.
func (t *Tensor) Evaluator() *graph.Evaluator { return t.ev }

// DType of the elements.
func (t *Tensor) DType() dtypes.DType { return t.Node().DType() }

// Dims of the tensor.
func (t *Tensor) Dims() shapes.Dims { return t.Node().Dims() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.Dims().Size() }

// Ok returns whether the tensor is not nil and was not finalized.
func (t *Tensor) Ok() bool { return t != nil && t.node != nil }

// IsMaterialized returns whether the value of the tensor is already on the device.
func (t *Tensor) IsMaterialized() bool { return t.Node().IsMaterialized() }

// Clone returns a new Tensor sharing the node of t. Finalizing one doesn't affect the other.
func (t *Tensor) Clone() *Tensor {
	return FromNode(t.ev, t.Node())
}

// Finalize drops the reference of the tensor to its node. Device buffers no longer referenced by any node
// go back to the memory manager. The tensor can't be used afterward.
func (t *Tensor) Finalize() {
	t.node = nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "Tensor(finalized)"
	}
	return fmt.Sprintf("Tensor(%s%s)", t.node.DType(), t.node.Dims())
}

func (t *Tensor) assertValid() {
	if !t.Ok() {
		panic(errors.New("tensors: using a nil or finalized Tensor"))
	}
}

// Eval materializes the tensor on the device of the context.
func (t *Tensor) Eval(ctx context.Context) error {
	_, err := t.ev.Evaluate(ctx, t.Node())
	return err
}

// EvalAll materializes the tensors together: tensors of the same shape are computed by one kernel.
func EvalAll(ctx context.Context, tensors ...*Tensor) error {
	if len(tensors) == 0 {
		return nil
	}
	nodes := make([]graph.Node, len(tensors))
	for ii, t := range tensors {
		if !t.Ok() {
			return errors.Errorf("EvalAll(): tensor #%d is nil or finalized", ii)
		}
		if t.ev != tensors[0].ev {
			return errors.Errorf("EvalAll(): tensor #%d uses a different Evaluator", ii)
		}
		nodes[ii] = t.node
	}
	_, err := tensors[0].ev.EvaluateAll(ctx, nodes...)
	return err
}

// FlatData evaluates the tensor, if needed, and returns its values in contiguous order, axis 0 fastest.
// T must match the DType of the tensor.
func FlatData[T Element](ctx context.Context, t *Tensor) ([]T, error) {
	if !t.Ok() {
		return nil, errors.New("FlatData(): nil or finalized tensor")
	}
	if want := dtypeOf[T](); want != t.DType() {
		return nil, errors.Errorf("FlatData[%s](): tensor has dtype %s", want, t.DType())
	}
	data, err := t.ev.Download(ctx, t.node)
	if err != nil {
		return nil, err
	}
	flat := make([]T, t.Size())
	copy(bytesOf(flat), data)
	return flat, nil
}
