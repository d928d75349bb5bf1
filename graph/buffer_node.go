// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/gomlx/lazyjit/types/xsync"
	"github.com/pkg/errors"
)

// bufferData is bound once to a BufferNode.
type bufferData struct {
	buffer     *memory.Buffer
	dims       shapes.Dims
	strides    shapes.Strides
	byteOffset int64
	linear     bool
	ref        *bufferRef
}

// bufferRef owns the reference of a BufferNode to its memory.Buffer.
// It is separate from the node, so it can be released by a runtime cleanup of the node.
type bufferRef struct {
	buffer   *memory.Buffer
	released atomic.Bool
}

func (ref *bufferRef) release() {
	if ref.released.CompareAndSwap(false, true) {
		ref.buffer.Release()
	}
}

// BufferNode is a leaf of the graph holding device memory, described by its dims, element strides and
// byte offset in the buffer.
//
// It is created unbound by NewBufferNode, and bound exactly once by SetData: any number of goroutines may
// race to bind it, only the first one succeeds and all of them observe the same binding afterward.
//
// The node holds one reference to its memory.Buffer, dropped by Release, or by a runtime cleanup once the
// node is unreachable.
type BufferNode struct {
	dtype dtypes.DType
	data  xsync.WriteOnce[*bufferData]
}

// NewBufferNode returns an unbound BufferNode of the given dtype.
func NewBufferNode(dtype dtypes.DType) *BufferNode {
	return &BufferNode{dtype: dtype}
}

// newBoundBufferNode returns a BufferNode owning a reference to a contiguous buffer with the given dims.
func newBoundBufferNode(dtype dtypes.DType, buffer *memory.Buffer, dims shapes.Dims) *BufferNode {
	b := NewBufferNode(dtype)
	if !b.SetData(buffer, dims, dims.ContiguousStrides(), 0, true) {
		exceptions.Panicf("failed to bind new BufferNode")
	}
	return b
}

// SetData binds the node to the buffer, if it is not bound yet. It returns whether this call did the binding.
//
// The node takes ownership of one reference of buffer if, and only if, it returns true. If it returns false
// the node was already bound, and the caller keeps its reference (and is responsible for releasing it).
//
// The linear flag tells whether the layout is contiguous for dims: it is only kept if strides are indeed
// the contiguous strides of dims.
func (b *BufferNode) SetData(buffer *memory.Buffer, dims shapes.Dims, strides shapes.Strides, byteOffset int64, linear bool) bool {
	if b.data.IsSet() {
		return false
	}
	data := &bufferData{
		buffer:     buffer,
		dims:       dims,
		strides:    strides,
		byteOffset: byteOffset,
		linear:     linear && strides.IsContiguousFor(dims),
		ref:        &bufferRef{buffer: buffer},
	}
	if !b.data.Store(data) {
		return false
	}
	runtime.AddCleanup(b, func(ref *bufferRef) { ref.release() }, data.ref)
	return true
}

// mustData returns the binding, and panics if the node is not bound.
func (b *BufferNode) mustData() *bufferData {
	data, ok := b.data.Load()
	if !ok {
		exceptions.Panicf("BufferNode used before it was bound with SetData")
	}
	return data
}

// IsBound returns whether SetData was called.
func (b *BufferNode) IsBound() bool {
	return b.data.IsSet()
}

// IsMaterialized implements Node: a BufferNode is materialized once bound.
func (b *BufferNode) IsMaterialized() bool {
	return b.IsBound()
}

// Buffer returns the memory.Buffer of the node, or nil if not bound.
func (b *BufferNode) Buffer() *memory.Buffer {
	if data, ok := b.data.Load(); ok {
		return data.buffer
	}
	return nil
}

// DType implements Node.
func (b *BufferNode) DType() dtypes.DType { return b.dtype }

// Dims implements Node. It returns all 1s if the node is not bound.
func (b *BufferNode) Dims() shapes.Dims {
	if data, ok := b.data.Load(); ok {
		return data.dims
	}
	return shapes.Dims{1, 1, 1, 1}
}

// Strides returns the element strides of the node.
func (b *BufferNode) Strides() shapes.Strides {
	return b.mustData().strides
}

// ByteOffset returns the offset in the buffer of the first element.
func (b *BufferNode) ByteOffset() int64 {
	return b.mustData().byteOffset
}

// IsLinearBuffer returns whether the layout of the node is contiguous.
func (b *BufferNode) IsLinearBuffer() bool {
	return b.mustData().linear
}

// Release drops the reference of this node to its buffer. The node must not be used afterward.
// It is a no-op if the node is not bound, or if already released.
func (b *BufferNode) Release() {
	if data, ok := b.data.Load(); ok {
		data.ref.release()
	}
}

// IsReleased returns whether Release was called.
func (b *BufferNode) IsReleased() bool {
	data, ok := b.data.Load()
	return ok && data.ref.released.Load()
}

// View returns a new BufferNode that shares the buffer of b, with the given dims and element strides,
// starting at element elemOffset of b. It returns an error if the view addresses elements outside of the
// buffer.
func (b *BufferNode) View(dims shapes.Dims, strides shapes.Strides, elemOffset int) (*BufferNode, error) {
	data, ok := b.data.Load()
	if !ok {
		return nil, errors.New("View() of an unbound BufferNode")
	}
	if data.ref.released.Load() {
		return nil, errors.New("View() of a released BufferNode")
	}
	if !dims.Ok() {
		return nil, errors.Errorf("View(): invalid dims %s", dims)
	}
	elemSize := int64(b.dtype.Size())
	byteOffset := data.byteOffset + int64(elemOffset)*elemSize
	for axis, stride := range strides {
		if stride < 0 && dims[axis] > 1 {
			return nil, errors.Errorf("View(): negative stride %d on axis %d is not supported", stride, axis)
		}
	}
	if elemOffset < 0 || byteOffset+int64(shapes.MaxOffset(dims, strides))*elemSize > data.buffer.Bytes() {
		return nil, errors.Errorf("View(dims=%s, strides=%s, offset=%d) is out of the bounds of %s",
			dims, strides, elemOffset, data.buffer)
	}
	data.buffer.Retain()
	view := NewBufferNode(b.dtype)
	view.SetData(data.buffer, dims, strides, byteOffset, true)
	return view, nil
}

// String implements fmt.Stringer.
func (b *BufferNode) String() string {
	data, ok := b.data.Load()
	if !ok {
		return fmt.Sprintf("Buffer(%s, unbound)", b.dtype)
	}
	return fmt.Sprintf("Buffer(%s%s, strides=%s, offset=%d)", b.dtype, data.dims, data.strides, data.byteOffset)
}

// Operands implements Node. A BufferNode has no operands.
func (b *BufferNode) Operands() []Node { return nil }

func (b *BufferNode) operands() []Node { return nil }

func (b *BufferNode) genKerName(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "_B%s,%d", dtypeToken(b.dtype), id)
}

func (b *BufferNode) genParams(sb *strings.Builder, id int, linear bool) {
	genBufferParams(sb, id, b.dtype, linear)
}

func (b *BufferNode) genOffsets(sb *strings.Builder, id int, linear bool) {
	if linear {
		fmt.Fprintf(sb, "offset %s linear %s_off\n", offsetName(id), ptrName(id))
		return
	}
	fmt.Fprintf(sb, "offset %s strided %s\n", offsetName(id), bufferParamList(id))
}

func (b *BufferNode) genFuncs(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "read %s %s %s %s\n", valueName(id), dtypeToken(b.dtype), ptrName(id), offsetName(id))
}

func (b *BufferNode) setArgs(startID int, linear bool, setArg func(slot int, arg backends.Arg)) int {
	return setBufferArgs(startID, linear, setArg, b.mustData(), b.dtype)
}

func (b *BufferNode) getInfo(info *fusionInfo) {
	data := b.mustData()
	info.length++
	info.buffers.Insert(data.buffer)
	info.bytes += int64(data.dims.Size()) * int64(b.dtype.Size())
}

// isLinear is true if the layout is contiguous and the number of elements matches: reinterpreting a
// contiguous buffer with other dims of the same size reads the same flat order.
func (b *BufferNode) isLinear(dims shapes.Dims) bool {
	data := b.mustData()
	return data.linear && (dims == data.dims || dims.Size() == data.dims.Size())
}
