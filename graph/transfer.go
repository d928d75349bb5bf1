// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// Upload allocates a buffer on the device of the context, copies data into it and returns a BufferNode
// bound to it. The data holds the elements in contiguous order (axis 0 fastest), len(data) must be
// dims.Size() * dtype.Size().
func (e *Evaluator) Upload(ctx context.Context, dtype dtypes.DType, dims shapes.Dims, data []byte) (*BufferNode, error) {
	if !backends.IsSupportedDType(dtype) {
		return nil, errors.Errorf("Upload(): dtype %s not supported", dtype)
	}
	if !dims.Ok() {
		return nil, errors.Errorf("Upload(): invalid dims %s", dims)
	}
	numBytes := int64(dims.Size()) * int64(dtype.Size())
	if int64(len(data)) != numBytes {
		return nil, errors.Errorf("Upload(): %s%s takes %d bytes, got %d", dtype, dims, numBytes, len(data))
	}
	buffer, err := e.memory.Allocate(ctx, numBytes)
	if err != nil {
		return nil, err
	}
	if err := e.memory.Write(buffer, 0, data); err != nil {
		buffer.Release()
		return nil, err
	}
	return newBoundBufferNode(dtype, buffer, dims), nil
}

// Download evaluates node, if needed, and returns its elements in contiguous order (axis 0 fastest).
func (e *Evaluator) Download(ctx context.Context, node Node) ([]byte, error) {
	b, err := e.Evaluate(ctx, node)
	if err != nil {
		return nil, err
	}
	data := b.mustData()
	elemSize := int64(b.dtype.Size())
	numElems := data.dims.Size()
	if data.linear {
		out := make([]byte, int64(numElems)*elemSize)
		if err := e.memory.Read(data.buffer, data.byteOffset, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	// Strided: read the span covering all elements, and gather them.
	span := make([]byte, int64(shapes.MaxOffset(data.dims, data.strides))*elemSize)
	if err := e.memory.Read(data.buffer, data.byteOffset, span); err != nil {
		return nil, err
	}
	out := make([]byte, int64(numElems)*elemSize)
	for flat, coords := range data.dims.Iter() {
		offset := int64(data.strides.Offset(coords))
		copy(out[int64(flat)*elemSize:], span[offset*elemSize:(offset+1)*elemSize])
	}
	return out, nil
}
