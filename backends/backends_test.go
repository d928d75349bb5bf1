// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolkit only records the configuration it was created with.
type fakeToolkit struct {
	Toolkit
	name, config string
}

func (f *fakeToolkit) Name() string { return f.name }

func registerFake(name string) {
	Register(name, func(config string) (Toolkit, error) {
		if config == "fail" {
			return nil, errors.New("asked to fail")
		}
		return &fakeToolkit{name: name, config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	registerFake("fake_a")
	registerFake("fake_b")
	assert.Subset(t, List(), []string{"fake_a", "fake_b"})

	toolkit, err := NewWithConfig("fake_b:devices=3")
	require.NoError(t, err)
	assert.Equal(t, "fake_b", toolkit.Name())
	assert.Equal(t, "devices=3", toolkit.(*fakeToolkit).config)

	toolkit, err = NewWithConfig("fake_b")
	require.NoError(t, err)
	assert.Equal(t, "", toolkit.(*fakeToolkit).config)

	_, err = NewWithConfig("unknown:x")
	require.Error(t, err)
	_, err = NewWithConfig("fake_a:fail")
	require.ErrorContains(t, err, "asked to fail")

	t.Setenv(ConfigEnvVar, "fake_a:from_env")
	toolkit, err = New()
	require.NoError(t, err)
	assert.Equal(t, "fake_a", toolkit.Name())
	assert.Equal(t, "from_env", toolkit.(*fakeToolkit).config)
}

func TestDeviceContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DeviceNum(0), DeviceFromContext(ctx))
	ctx1 := WithDevice(ctx, 1)
	assert.Equal(t, DeviceNum(1), DeviceFromContext(ctx1))
	assert.Equal(t, DeviceNum(0), DeviceFromContext(ctx), "parent context must be unaffected")
	assert.Equal(t, DeviceNum(2), DeviceFromContext(WithDevice(ctx1, 2)))
}

func TestArgString(t *testing.T) {
	assert.Equal(t, "ptr(0x00000010)", PtrArg(16).String())
	assert.Equal(t, "int(-3)", IntArg(-3).String())
	assert.Equal(t, "scalar(f32:2.5)", ScalarArg(dtypes.Float32, 2.5).String())

	const big = int64(1)<<53 + 1
	assert.Equal(t, "scalar(s64:9007199254740993)", IntScalarArg(dtypes.Int64, big).String())
	assert.Equal(t, big, IntScalarArg(dtypes.Int64, big).Int)
	assert.Equal(t, int64(-2), ScalarArg(dtypes.Int32, -2.7).Int)
	assert.Equal(t, float64(3), IntScalarArg(dtypes.Float64, 3).Float)
}

func TestDTypeTokens(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64} {
		token := DTypeToken(dtype)
		require.NotEmpty(t, token)
		got, ok := DTypeFromToken(token)
		require.True(t, ok)
		assert.Equal(t, dtype, got)
	}
	assert.False(t, IsSupportedDType(dtypes.Bool))
	_, ok := DTypeFromToken("c64")
	assert.False(t, ok)
}
