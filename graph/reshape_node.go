// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// ReshapeNode presents the elements of its source, in the same flat order, with different dims.
//
// It doesn't copy data: reads at a coordinate of the reshaped view are resolved to the corresponding
// element of the source. For that the source must be materialized, so the Evaluator always evaluates the
// source of a reshape in a separate kernel first. A ReshapeNode is never linear.
type ReshapeNode struct {
	materializedCell
	dims         shapes.Dims
	originalDims shapes.Dims
	dtype        dtypes.DType

	source Node
}

// Reshape returns a ReshapeNode of node with the given dimensions (trailing dimensions default to 1).
// The number of elements must be preserved, otherwise it returns a *ShapeMismatchError.
func Reshape(node Node, dimensions ...int) (*ReshapeNode, error) {
	if node == nil {
		return nil, errors.New("Reshape(nil)")
	}
	dims, err := shapes.MakeDims(dimensions...)
	if err != nil {
		return nil, errors.WithMessage(err, "Reshape")
	}
	originalDims := node.Dims()
	if dims.Size() != originalDims.Size() {
		return nil, errors.WithStack(&ShapeMismatchError{Op: "Reshape", Dims: []shapes.Dims{originalDims, dims}})
	}
	return &ReshapeNode{dims: dims, originalDims: originalDims, dtype: node.DType(), source: node}, nil
}

// Source returns the reshaped node.
func (r *ReshapeNode) Source() Node { return r.source }

// OriginalDims returns the dims of the source.
func (r *ReshapeNode) OriginalDims() shapes.Dims { return r.originalDims }

// DType implements Node.
func (r *ReshapeNode) DType() dtypes.DType { return r.dtype }

// Dims implements Node: the dims of the reshaped view.
func (r *ReshapeNode) Dims() shapes.Dims { return r.dims }

// Operands implements Node: the source of the reshape, or nothing once materialized.
//
// Unlike OperationNode, a materialized reshape keeps the reference to its source: a kernel generated
// concurrently may still read through it.
func (r *ReshapeNode) Operands() []Node {
	if r.IsMaterialized() {
		return nil
	}
	return []Node{r.source}
}

// String implements fmt.Stringer.
func (r *ReshapeNode) String() string {
	return fmt.Sprintf("Reshape(%s%s->%s)", r.dtype, r.originalDims, r.dims)
}

// sourceBuffer returns the materialized source. The Evaluator must have materialized it before a kernel
// reading the reshape is generated.
func (r *ReshapeNode) sourceBuffer() *BufferNode {
	buffer := materializedBuffer(r.source)
	if buffer == nil {
		exceptions.Panicf("%s: source %s was not materialized", r, r.source)
	}
	return buffer
}

// pitches are the end-to-start distances of the view: the flat index step of each axis, 0 for axes of
// dimension 1 so they are broadcast.
func (r *ReshapeNode) pitches() shapes.Strides {
	pitches := r.dims.ContiguousStrides()
	for axis, dim := range r.dims {
		if dim == 1 {
			pitches[axis] = 0
		}
	}
	return pitches
}

// The traversal stops at a reshape: its source was already evaluated in another kernel.
func (r *ReshapeNode) operands() []Node { return nil }

func pitchName(id, axis int) string { return fmt.Sprintf("q%d_%d", id, axis) }

func (r *ReshapeNode) genKerName(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "_R%s,%d", dtypeToken(r.dtype), id)
}

func (r *ReshapeNode) genParams(sb *strings.Builder, id int, _ bool) {
	genBufferParams(sb, id, r.dtype, false)
	for axis := range shapes.Rank {
		fmt.Fprintf(sb, "param int %s\n", pitchName(id, axis))
	}
}

func (r *ReshapeNode) genOffsets(sb *strings.Builder, id int, _ bool) {
	fmt.Fprintf(sb, "offset %s reshape %s", offsetName(id), bufferParamList(id))
	for axis := range shapes.Rank {
		sb.WriteByte(' ')
		sb.WriteString(pitchName(id, axis))
	}
	sb.WriteByte('\n')
}

func (r *ReshapeNode) genFuncs(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "read %s %s %s %s\n", valueName(id), dtypeToken(r.dtype), ptrName(id), offsetName(id))
}

func (r *ReshapeNode) setArgs(startID int, _ bool, setArg func(slot int, arg backends.Arg)) int {
	slot := setBufferArgs(startID, false, setArg, r.sourceBuffer().mustData(), r.dtype)
	for _, pitch := range r.pitches() {
		setArg(slot, backends.IntArg(pitch))
		slot++
	}
	return slot
}

func (r *ReshapeNode) getInfo(info *fusionInfo) {
	data := r.sourceBuffer().mustData()
	info.length++
	info.buffers.Insert(data.buffer)
	info.bytes += int64(data.dims.Size()) * int64(r.dtype.Size())
}

func (r *ReshapeNode) isLinear(shapes.Dims) bool { return false }
