// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeDims(t *testing.T) {
	dims, err := MakeDims(3, 2)
	require.NoError(t, err)
	assert.Equal(t, Dims{3, 2, 1, 1}, dims)
	assert.Equal(t, 6, dims.Size())
	assert.Equal(t, "[3 2 1 1]", dims.String())

	dims, err = MakeDims()
	require.NoError(t, err)
	assert.Equal(t, 1, dims.Size())

	_, err = MakeDims(1, 2, 3, 4, 5)
	require.Error(t, err)
	_, err = MakeDims(3, 0)
	require.Error(t, err)
}

func TestContiguousStrides(t *testing.T) {
	dims := Dims{3, 2, 4, 1}
	strides := dims.ContiguousStrides()
	assert.Equal(t, Strides{1, 3, 6, 24}, strides)
	assert.True(t, strides.IsContiguousFor(dims))

	// Stride of axes with dimension 1 doesn't matter.
	assert.True(t, Strides{1, 3, 6, 1000}.IsContiguousFor(dims))
	assert.False(t, Strides{2, 6, 12, 24}.IsContiguousFor(dims))
	assert.Equal(t, 24, MaxOffset(dims, strides))
	assert.Equal(t, 47, MaxOffset(dims, Strides{2, 6, 12, 24}))
}

func TestBroadcast(t *testing.T) {
	out, ok := Broadcast(Dims{3, 1, 1, 1}, Dims{3, 4, 1, 1})
	require.True(t, ok)
	assert.Equal(t, Dims{3, 4, 1, 1}, out)

	out, ok = Broadcast(Dims{1, 1, 1, 1}, Dims{5, 6, 7, 8})
	require.True(t, ok)
	assert.Equal(t, Dims{5, 6, 7, 8}, out)

	_, ok = Broadcast(Dims{3, 1, 1, 1}, Dims{4, 1, 1, 1})
	assert.False(t, ok)
}
