// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines the fixed rank-4 dimensions model used by the lazy graph.
//
// Every node in the graph has exactly Rank axes. Lower rank arrays are represented by
// padding the trailing axes with 1, so a matrix of 3 rows and 2 columns is `[3 2 1 1]`.
// Axis 0 is the fastest varying one (column-major), which is also the layout produced by
// Dims.ContiguousStrides.
//
// ## Glossary
//
//   - Axis: index of a dimension, from 0 to Rank-1.
//   - Dimension: size of one axis.
//   - Stride: distance, in elements, between two consecutive indices of one axis.
//   - Contiguous: a layout whose strides are exactly ContiguousStrides of its dims, so
//     that the element at flat index `i` is at offset `i`.
package shapes

import (
	"fmt"

	"github.com/pkg/errors"
)

// Rank is the fixed number of axes of every shape.
const Rank = 4

// Dims holds the dimension of each of the Rank axes.
type Dims [Rank]int

// Strides holds the element stride of each of the Rank axes.
type Strides [Rank]int

// MakeDims returns the Dims for the given dimensions, padding trailing axes with 1.
//
// It returns an error if more than Rank dimensions are given, or if any dimension is < 1.
func MakeDims(dimensions ...int) (Dims, error) {
	dims := Dims{1, 1, 1, 1}
	if len(dimensions) > Rank {
		return dims, errors.Errorf("shapes.MakeDims(%v): at most %d dimensions are supported, got %d",
			dimensions, Rank, len(dimensions))
	}
	for axis, dim := range dimensions {
		if dim < 1 {
			return dims, errors.Errorf("shapes.MakeDims(%v): axis %d has dimension %d, it must be >= 1",
				dimensions, axis, dim)
		}
		dims[axis] = dim
	}
	return dims, nil
}

// Size returns the number of elements, the product of all dimensions.
func (d Dims) Size() int {
	size := 1
	for _, dim := range d {
		size *= dim
	}
	return size
}

// Equal returns whether both dims are the same on every axis.
func (d Dims) Equal(other Dims) bool {
	return d == other
}

// Ok returns whether all dimensions are >= 1.
func (d Dims) Ok() bool {
	for _, dim := range d {
		if dim < 1 {
			return false
		}
	}
	return true
}

// ContiguousStrides returns the strides of a dense column-major layout for d.
func (d Dims) ContiguousStrides() Strides {
	var strides Strides
	stride := 1
	for axis, dim := range d {
		strides[axis] = stride
		stride *= dim
	}
	return strides
}

// String implements fmt.Stringer.
func (d Dims) String() string {
	return fmt.Sprintf("[%d %d %d %d]", d[0], d[1], d[2], d[3])
}

// IsContiguousFor returns whether strides are the dense layout of dims.
//
// Axes of dimension 1 are ignored, since their stride is never used to address an element.
func (s Strides) IsContiguousFor(dims Dims) bool {
	want := dims.ContiguousStrides()
	for axis := range s {
		if dims[axis] != 1 && s[axis] != want[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s Strides) String() string {
	return fmt.Sprintf("{%d %d %d %d}", s[0], s[1], s[2], s[3])
}

// Broadcast returns the dims resulting from combining a and b elementwise.
//
// On every axis the dimensions must be equal, or one of them must be 1, in which case
// the other is taken. It returns false if the dims are not compatible.
func Broadcast(a, b Dims) (Dims, bool) {
	var out Dims
	for axis := range a {
		switch {
		case a[axis] == b[axis]:
			out[axis] = a[axis]
		case a[axis] == 1:
			out[axis] = b[axis]
		case b[axis] == 1:
			out[axis] = a[axis]
		default:
			return out, false
		}
	}
	return out, true
}

// MaxOffset returns the largest element offset addressed by dims with the given strides,
// plus one. That is the minimum number of elements a buffer needs to hold such a view.
func MaxOffset(dims Dims, strides Strides) int {
	last := 0
	for axis := range dims {
		last += (dims[axis] - 1) * strides[axis]
	}
	return last + 1
}
