// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/backends/backendtest"
	. "github.com/gomlx/lazyjit/graph"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/gomlx/lazyjit/types/xsync"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{MaxJITLen: DefaultMaxJITLen, MaxBuffers: DefaultMaxBuffers}

func newTestEvaluator(t *testing.T, toolkitConfig string, config Config) (*Evaluator, *backendtest.Recorder) {
	toolkit := backendtest.NewHost(t, toolkitConfig)
	manager := must.M1(memory.New(toolkit, memory.Options{StepSize: 256}))
	return must.M1(NewEvaluator(toolkit, manager, NewKernelCache(), config)), toolkit
}

func f32Bytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

func bytesF32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:]))
	}
	return values
}

func upload(t *testing.T, ctx context.Context, ev *Evaluator, dims shapes.Dims, values ...float32) *BufferNode {
	node, err := ev.Upload(ctx, dtypes.Float32, dims, f32Bytes(values...))
	require.NoError(t, err)
	return node
}

func download(t *testing.T, ctx context.Context, ev *Evaluator, node Node) []float32 {
	data, err := ev.Download(ctx, node)
	require.NoError(t, err)
	return bytesF32(data)
}

func TestFuseThenReshape(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{6, 1, 1, 1}, 1, 2, 3, 4, 5, 6)
	b := upload(t, ctx, ev, shapes.Dims{6, 1, 1, 1}, 10, 20, 30, 40, 50, 60)
	c := must.M1(Add(a, b))
	d := must.M1(Mul(c, must.M1(Scalar(dtypes.Float32, 2))))
	e := must.M1(Reshape(d, 2, 3))

	result, err := ev.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, shapes.Dims{2, 3, 1, 1}, result.Dims())
	assert.Equal(t, []float32{22, 44, 66, 88, 110, 132}, download(t, ctx, ev, e))

	// a+b and *2 fused in one kernel, the reshape in a separate one.
	launched := toolkit.Launched()
	require.Len(t, launched, 2)
	assert.NotEqual(t, launched[0], launched[1])
	assert.Equal(t, 2, toolkit.NumCompiles())
	assert.Equal(t, 2, ev.Cache().Len())
	assert.Contains(t, toolkit.Sources()[0], " linear\n")
	assert.Contains(t, toolkit.Sources()[1], " strided\n")

	// c was fused, never materialized. d was, and dropped its operands.
	assert.False(t, c.IsMaterialized())
	assert.True(t, d.IsMaterialized())
	assert.Empty(t, d.Operands())
	assert.True(t, e.IsMaterialized())
	assert.Empty(t, e.Operands())

	// Evaluating again is a no-op.
	again, err := ev.Evaluate(ctx, e)
	require.NoError(t, err)
	assert.Same(t, result, again)
	assert.Equal(t, 2, toolkit.NumLaunches())
	assert.Equal(t, EvaluatorStats{Launches: 2, Compiles: 2}, ev.Stats())
}

func TestScalarsShareKernel(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	x := upload(t, ctx, ev, shapes.Dims{3, 1, 1, 1}, 1, 2, 3)
	double := must.M1(Mul(x, must.M1(Scalar(dtypes.Float32, 2))))
	triple := must.M1(Mul(x, must.M1(Scalar(dtypes.Float32, 3))))
	assert.Equal(t, []float32{2, 4, 6}, download(t, ctx, ev, double))
	assert.Equal(t, []float32{3, 6, 9}, download(t, ctx, ev, triple))
	assert.Equal(t, 1, toolkit.NumCompiles())
	assert.Equal(t, 2, toolkit.NumLaunches())
	stats := ev.Cache().Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestEvaluateAll(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{2, 2, 1, 1}, 1, 2, 3, 4)
	b := upload(t, ctx, ev, shapes.Dims{2, 2, 1, 1}, 5, 6, 7, 8)
	c := must.M1(Add(a, b))
	d := must.M1(Mul(c, c))
	e := must.M1(Sub(c, a))
	results, err := ev.EvaluateAll(ctx, d, e, d, a)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Same(t, results[0], results[2])
	assert.Same(t, a, results[3])
	assert.Equal(t, 1, toolkit.NumLaunches(), "outputs with the same shape share one kernel")
	assert.Equal(t, []float32{36, 64, 100, 144}, download(t, ctx, ev, d))
	assert.Equal(t, []float32{5, 6, 7, 8}, download(t, ctx, ev, e))

	// Different shapes need different kernels.
	f := must.M1(Neg(must.M1(Reshape(a, 4))))
	g := must.M1(Abs(b))
	_, err = ev.EvaluateAll(ctx, f, g)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, -2, -3, -4}, download(t, ctx, ev, f))
	assert.Equal(t, []float32{5, 6, 7, 8}, download(t, ctx, ev, g))

	_, err = ev.EvaluateAll(ctx, d, nil)
	require.Error(t, err)
	_, err = ev.Evaluate(ctx, NewBufferNode(dtypes.Float32))
	require.ErrorContains(t, err, "unbound")
}

func TestBroadcasting(t *testing.T) {
	ev, _ := newTestEvaluator(t, "workers=3", testConfig)
	ctx := context.Background()
	column := upload(t, ctx, ev, shapes.Dims{3, 1, 1, 1}, 1, 2, 3)
	row := upload(t, ctx, ev, shapes.Dims{1, 2, 1, 1}, 10, 20)
	sum := must.M1(Add(column, row))
	assert.Equal(t, shapes.Dims{3, 2, 1, 1}, sum.Dims())
	assert.Equal(t, []float32{11, 12, 13, 21, 22, 23}, download(t, ctx, ev, sum))

	maxed := must.M1(Max(sum, must.M1(Scalar(dtypes.Float32, 20))))
	assert.Equal(t, []float32{20, 20, 20, 21, 22, 23}, download(t, ctx, ev, maxed))
}

func TestViews(t *testing.T) {
	ev, _ := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	// 2x3 matrix, column-major: [[1 3 5] [2 4 6]].
	m := upload(t, ctx, ev, shapes.Dims{2, 3, 1, 1}, 1, 2, 3, 4, 5, 6)
	transposed := must.M1(m.View(shapes.Dims{3, 2, 1, 1}, shapes.Strides{2, 1, 1, 1}, 0))
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, download(t, ctx, ev, transposed))

	ones := upload(t, ctx, ev, shapes.Dims{3, 2, 1, 1}, 1, 1, 1, 1, 1, 1)
	sum := must.M1(Add(transposed, ones))
	assert.Equal(t, []float32{2, 4, 6, 3, 5, 7}, download(t, ctx, ev, sum))

	lastColumn := must.M1(m.View(shapes.Dims{2, 1, 1, 1}, shapes.Strides{1, 1, 1, 1}, 4))
	assert.Equal(t, []float32{5, 6}, download(t, ctx, ev, lastColumn))

	_, err := m.View(shapes.Dims{2, 3, 1, 1}, shapes.Strides{1, 2, 1, 1}, 1)
	require.NoError(t, err, "still within the rounded-up allocation")
	_, err = m.View(shapes.Dims{100, 1, 1, 1}, shapes.Strides{1, 1, 1, 1}, 0)
	require.Error(t, err)
}

func TestFusionLimits(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", Config{MaxJITLen: 5, MaxBuffers: DefaultMaxBuffers})
	ctx := context.Background()
	var x Node = upload(t, ctx, ev, shapes.Dims{4, 1, 1, 1}, 1, 2, 3, 4)
	for range 10 {
		x = must.M1(Add(x, must.M1(Scalar(dtypes.Float32, 1))))
	}
	assert.Equal(t, []float32{11, 12, 13, 14}, download(t, ctx, ev, x))
	stats := ev.Stats()
	assert.Greater(t, stats.Intermediates, int64(0))
	assert.Equal(t, stats.Intermediates+1, stats.Launches)
	assert.Equal(t, int(stats.Launches), toolkit.NumLaunches())

	// Too many buffers in a sum of 6 inputs.
	ev, toolkit = newTestEvaluator(t, "", Config{MaxJITLen: DefaultMaxJITLen, MaxBuffers: 2})
	var sum Node
	for ii := range 6 {
		input := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, float32(ii), float32(10*ii))
		if sum == nil {
			sum = input
			continue
		}
		sum = must.M1(Add(sum, input))
	}
	assert.Equal(t, []float32{15, 150}, download(t, ctx, ev, sum))
	assert.Greater(t, toolkit.NumLaunches(), 1)

	// A single node over the limits can't be split: it is fused anyway.
	ev, toolkit = newTestEvaluator(t, "", Config{MaxJITLen: 1, MaxBuffers: 1, MaxBytes: 4})
	a := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	b := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 3, 4)
	assert.Equal(t, []float32{4, 6}, download(t, ctx, ev, must.M1(Add(a, b))))
	assert.Equal(t, 1, toolkit.NumLaunches())
}

func TestKernelCompilationFailure(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	sum := must.M1(Add(a, a))
	toolkit.FailCompiles(1)
	_, err := ev.Evaluate(ctx, sum)
	var compileErr *KernelCompilationFailure
	require.ErrorAs(t, err, &compileErr)
	require.ErrorIs(t, err, backendtest.ErrInjected)
	assert.Contains(t, compileErr.Source, "op v1 f32 add v0 v0")
	assert.Equal(t, "L_Bf32,0_Addf32,0,0,1_Of32,1", compileErr.Signature)
	assert.False(t, sum.IsMaterialized())
	assert.Equal(t, 0, ev.Cache().Len())
	assert.Equal(t, 0, toolkit.NumLaunches())

	// Failures are not cached: the next evaluation compiles again.
	assert.Equal(t, []float32{2, 4}, download(t, ctx, ev, sum))
	assert.Equal(t, 2, toolkit.NumCompiles())
}

func TestDeviceExecutionFailure(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	b := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 3, 4)
	sum := must.M1(Add(a, b))
	toolkit.FailLaunches(1)
	_, err := ev.Evaluate(ctx, sum)
	var execErr *DeviceExecutionFailure
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, backends.DeviceNum(0), execErr.Device)
	assert.False(t, sum.IsMaterialized())

	// The output buffer was released.
	info := must.M1(ev.MemInfo(0))
	assert.Equal(t, int64(2), info.LockBuffers)
	assert.Equal(t, int64(3), info.AllocBuffers)

	assert.Equal(t, []float32{4, 6}, download(t, ctx, ev, sum))
	info = must.M1(ev.MemInfo(0))
	assert.Equal(t, int64(3), info.AllocBuffers, "output buffer reused from its bucket")

	// A real device fault: integer division by zero.
	i := must.M1(ev.Upload(ctx, dtypes.Int32, shapes.Dims{1, 1, 1, 1}, []byte{1, 0, 0, 0}))
	quotient := must.M1(Div(i, must.M1(Scalar(dtypes.Int32, 0))))
	_, err = ev.Evaluate(ctx, quotient)
	require.ErrorAs(t, err, &execErr)
}

func TestIntScalars(t *testing.T) {
	ev, _ := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	const big = int64(1)<<53 + 1
	zeros := must.M1(ev.Upload(ctx, dtypes.Int64, shapes.Dims{2, 1, 1, 1}, make([]byte, 16)))
	sum := must.M1(Add(zeros, must.M1(IntScalar(dtypes.Int64, big))))
	data, err := ev.Download(ctx, sum)
	require.NoError(t, err)
	assert.Equal(t, big, int64(binary.LittleEndian.Uint64(data)))
	assert.Equal(t, big, int64(binary.LittleEndian.Uint64(data[8:])))

	scalar := must.M1(IntScalar(dtypes.Int32, -7))
	assert.Contains(t, scalar.String(), ":-7)")
	assert.Equal(t, float64(-7), scalar.Value())
	halved := must.M1(Scalar(dtypes.Int32, 2.9))
	assert.Equal(t, int64(2), halved.IntValue())
	_, err = IntScalar(dtypes.Bool, 1)
	require.Error(t, err)

	// Float kernels take the float value of an integer scalar.
	x := upload(t, ctx, ev, shapes.Dims{1, 1, 1, 1}, 0.5)
	assert.Equal(t, []float32{3.5}, download(t, ctx, ev, must.M1(Add(x, must.M1(IntScalar(dtypes.Float32, 3))))))
}

func TestReleasedBuffers(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	x := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	y := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 3, 4)
	x.Release()
	_, err := ev.Download(ctx, x)
	require.Error(t, err)
	_, err = ev.Evaluate(ctx, x)
	require.Error(t, err)
	_, err = ev.Evaluate(ctx, must.M1(Add(x, y)))
	require.Error(t, err)
	assert.Equal(t, 0, toolkit.NumLaunches())

	// The result of a materialized node, once released, can't be read either.
	neg := must.M1(Neg(y))
	result := must.M1(ev.Evaluate(ctx, neg))
	assert.Equal(t, []float32{-3, -4}, download(t, ctx, ev, neg))
	result.Release()
	_, err = ev.Download(ctx, neg)
	require.Error(t, err)
	_, err = ev.Download(ctx, must.M1(Abs(neg)))
	require.Error(t, err)
	assert.Equal(t, 1, toolkit.NumLaunches())
}

func TestAllocationFailure(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	toolkit.FailAllocs(2)
	_, err := ev.Evaluate(ctx, must.M1(Neg(a)))
	var allocErr *memory.DeviceAllocationFailure
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, 0, toolkit.NumLaunches())
}

func TestConcurrentEvaluation(t *testing.T) {
	ev, toolkit := newTestEvaluator(t, "workers=2", testConfig)
	ctx := context.Background()
	a := upload(t, ctx, ev, shapes.Dims{8, 1, 1, 1}, 1, 2, 3, 4, 5, 6, 7, 8)
	b := upload(t, ctx, ev, shapes.Dims{8, 1, 1, 1}, 8, 7, 6, 5, 4, 3, 2, 1)
	shared := must.M1(Mul(must.M1(Add(a, b)), must.M1(Scalar(dtypes.Float32, 0.5))))

	const numGoroutines = 16
	latch := xsync.NewLatch()
	results := make([]*BufferNode, numGoroutines)
	errs := make([]error, numGoroutines)
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			latch.Wait()
			results[ii], errs[ii] = ev.Evaluate(ctx, shared)
		}()
	}
	latch.Trigger()
	wg.Wait()
	for ii := range numGoroutines {
		require.NoError(t, errs[ii])
		assert.Same(t, results[0], results[ii])
	}
	assert.Equal(t, []float32{4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5}, download(t, ctx, ev, shared))
	// A goroutine that finds the node materialized between its checks may compile a copy kernel.
	assert.LessOrEqual(t, toolkit.NumCompiles(), 2)

	// Losers of the race released their outputs.
	info := must.M1(ev.MemInfo(0))
	assert.Equal(t, int64(3), info.LockBuffers)
	require.NoError(t, ev.GarbageCollect(0))
	info = must.M1(ev.MemInfo(0))
	assert.Equal(t, int64(3), info.AllocBuffers)
}

func TestMultipleDevices(t *testing.T) {
	ev, _ := newTestEvaluator(t, "devices=2", testConfig)
	var wg sync.WaitGroup
	for device := range backends.DeviceNum(2) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := backends.WithDevice(context.Background(), device)
			x := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, float32(device))
			assert.Equal(t, device, x.Buffer().Device())
			y := must.M1(Add(x, x))
			result, err := ev.Evaluate(ctx, y)
			if assert.NoError(t, err) {
				assert.Equal(t, device, result.Buffer().Device())
				assert.Equal(t, []float32{2, 2 * float32(device)}, download(t, ctx, ev, y))
			}
		}()
	}
	wg.Wait()
	for device := range backends.DeviceNum(2) {
		info := must.M1(ev.MemInfo(device))
		assert.Equal(t, int64(2), info.LockBuffers)
	}
}

func TestDiagnostics(t *testing.T) {
	ev, _ := newTestEvaluator(t, "", testConfig)
	ctx := context.Background()
	x := upload(t, ctx, ev, shapes.Dims{2, 1, 1, 1}, 1, 2)
	require.NoError(t, ev.SetStepSize(512))
	assert.Equal(t, int64(512), ev.Memory().StepSize())
	require.Error(t, ev.SetStepSize(0))
	x.Release()
	info := must.M1(ev.MemInfo(0))
	assert.Equal(t, int64(1), info.FreeBuffers())
	require.NoError(t, ev.GarbageCollect(0))
	info = must.M1(ev.MemInfo(0))
	assert.Equal(t, memory.MemInfo{}, info)
	require.Error(t, ev.GarbageCollect(3))

	_, err := NewEvaluator(ev.Toolkit(), ev.Memory(), nil, Config{})
	require.Error(t, err)
	other, err := NewEvaluator(ev.Toolkit(), ev.Memory(), nil, testConfig)
	require.NoError(t, err)
	assert.NotNil(t, other.Cache())
}

func TestConfig(t *testing.T) {
	t.Setenv(MaxJITLenEnvVar, "")
	t.Setenv(MaxBuffersEnvVar, "")
	t.Setenv(MaxBytesEnvVar, "")
	config, err := DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, testConfig, config)

	t.Setenv(MaxJITLenEnvVar, "20")
	t.Setenv(MaxBuffersEnvVar, "4")
	t.Setenv(MaxBytesEnvVar, "1KiB")
	config, err = DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{MaxJITLen: 20, MaxBuffers: 4, MaxBytes: 1024}, config)

	t.Setenv(MaxJITLenEnvVar, "0")
	_, err = DefaultConfig()
	require.Error(t, err)
	t.Setenv(MaxJITLenEnvVar, "many")
	_, err = DefaultConfig()
	require.Error(t, err)
	t.Setenv(MaxJITLenEnvVar, "")

	config, err = ParseConfig([]byte("max_jit_len: 8\nmax_bytes: 2MiB\n"))
	require.NoError(t, err)
	assert.Equal(t, Config{MaxJITLen: 8, MaxBuffers: 4, MaxBytes: 2 << 20}, config)
	_, err = ParseConfig([]byte("max_buffers: -1\n"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("max_jit_len: [1, 2]\n"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("max_jitlen: 8\n"))
	require.Error(t, err)
	config, err = ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, config.MaxBuffers)

	path := filepath.Join(t.TempDir(), "lazyjit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_buffers: 16\n"), 0o644))
	config, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, config.MaxBuffers)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
