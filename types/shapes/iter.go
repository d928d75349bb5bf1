// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Iter iterates over all the coordinates of d in contiguous order (axis 0 fastest), along with
// their flat index.
//
// Axes of dimension 1 never change. Invalid dims yield nothing.
func (d Dims) Iter() iter.Seq2[int, [Rank]int] {
	return func(yield func(int, [Rank]int) bool) {
		if !d.Ok() {
			return
		}
		var coords [Rank]int
		for flat := range d.Size() {
			if !yield(flat, coords) {
				return
			}
			for axis := range coords {
				coords[axis]++
				if coords[axis] < d[axis] {
					break
				}
				// Carry over to the next axis.
				coords[axis] = 0
			}
		}
	}
}

// Offset returns the element offset of coords for the given strides.
func (s Strides) Offset(coords [Rank]int) int {
	offset := 0
	for axis, coord := range coords {
		offset += coord * s[axis]
	}
	return offset
}
