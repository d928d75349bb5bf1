// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/backends/backendtest"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newTestManager(t *testing.T, config string, opts Options) (*Manager, *backendtest.Recorder) {
	toolkit := backendtest.NewHost(t, config)
	return must.M1(New(toolkit, opts)), toolkit
}

func memInfo(t *testing.T, m *Manager, device backends.DeviceNum) MemInfo {
	info, err := m.MemInfo(device)
	require.NoError(t, err)
	return info
}

func TestOptions(t *testing.T) {
	t.Setenv(StepSizeEnvVar, "4KiB")
	t.Setenv(MaxBytesEnvVar, "1MB")
	opts, err := DefaultOptions()
	require.NoError(t, err)
	assert.Equal(t, Options{StepSize: 4096, MaxBytes: 1000 * 1000}, opts)

	t.Setenv(StepSizeEnvVar, "")
	t.Setenv(MaxBytesEnvVar, "")
	opts, err = DefaultOptions()
	require.NoError(t, err)
	assert.Equal(t, Options{StepSize: DefaultStepSize}, opts)

	t.Setenv(StepSizeEnvVar, "a lot")
	_, err = DefaultOptions()
	require.Error(t, err)

	require.Error(t, Options{StepSize: 0}.Validate())
	require.Error(t, Options{StepSize: 1, MaxBytes: -1}.Validate())
}

func TestRoundUp(t *testing.T) {
	m, _ := newTestManager(t, "", Options{StepSize: 1024})
	ctx := context.Background()
	for _, tc := range []struct{ request, want int64 }{{0, 1024}, {1, 1024}, {1024, 1024}, {1025, 2048}} {
		buf := must.M1(m.Allocate(ctx, tc.request))
		assert.Equal(t, tc.want, buf.Bytes(), "Allocate(%d)", tc.request)
		buf.Release()
	}
	require.NoError(t, m.SetStepSize(100))
	assert.Equal(t, int64(100), m.StepSize())
	require.Error(t, m.SetStepSize(0))
	buf := must.M1(m.Allocate(ctx, 150))
	assert.Equal(t, int64(200), buf.Bytes())
	buf.Release()
}

// TestReuseFromBucket allocates 32 buffers of 1024 bytes each, releases them, and checks a new
// allocation is served from the bucket.
func TestReuseFromBucket(t *testing.T) {
	m, toolkit := newTestManager(t, "", Options{StepSize: 1024})
	ctx := context.Background()
	buffers := make([]*Buffer, 32)
	for ii := range buffers {
		buffers[ii] = must.M1(m.Allocate(ctx, 1024))
		assert.Equal(t, Locked, buffers[ii].State())
	}
	assert.Equal(t, MemInfo{AllocBytes: 32 * 1024, AllocBuffers: 32, LockBytes: 32 * 1024, LockBuffers: 32}, memInfo(t, m, 0))

	for _, buf := range buffers {
		buf.Release()
		assert.Equal(t, Free, buf.State())
	}
	assert.Equal(t, MemInfo{AllocBytes: 32 * 1024, AllocBuffers: 32}, memInfo(t, m, 0))

	buf := must.M1(m.Allocate(ctx, 1024))
	info := memInfo(t, m, 0)
	assert.Equal(t, int64(32), info.AllocBuffers)
	assert.Equal(t, int64(1), info.LockBuffers)
	assert.Equal(t, int64(31), info.FreeBuffers())
	assert.Equal(t, 32, toolkit.NumAllocs())
	assert.Contains(t, buffers, buf)

	buf.Release()
	require.NoError(t, m.GarbageCollect(0))
	assert.Equal(t, MemInfo{}, memInfo(t, m, 0))
	assert.Equal(t, 32, toolkit.NumFrees())

	// Nothing to collect is a no-op.
	require.NoError(t, m.GarbageCollect(0))
	assert.Equal(t, 32, toolkit.NumFrees())
	require.Error(t, m.GarbageCollect(1))
}

// TestSteadyStateReuse: sequential allocate/release cycles never hold more than one buffer.
func TestSteadyStateReuse(t *testing.T) {
	m, toolkit := newTestManager(t, "", Options{StepSize: 1024})
	ctx := context.Background()
	for range 1000 {
		buf := must.M1(m.Allocate(ctx, 1000))
		require.LessOrEqual(t, memInfo(t, m, 0).AllocBuffers, int64(1))
		buf.Release()
	}
	assert.Equal(t, 1, toolkit.NumAllocs())

	// With two buffers held at any time, only two are ever allocated.
	first := must.M1(m.Allocate(ctx, 1000))
	for range 1000 {
		second := must.M1(m.Allocate(ctx, 1000))
		first.Release()
		first = second
		require.LessOrEqual(t, memInfo(t, m, 0).AllocBuffers, int64(2))
	}
	first.Release()
	assert.Equal(t, 2, toolkit.NumAllocs())
}

func TestRefCounting(t *testing.T) {
	m, _ := newTestManager(t, "", Options{StepSize: 64})
	buf := must.M1(m.Allocate(context.Background(), 10))
	buf.Retain()
	assert.Equal(t, 2, buf.NumRefs())
	buf.Release()
	assert.Equal(t, Locked, buf.State())
	buf.Release()
	assert.Equal(t, Free, buf.State())
	assert.Panics(t, buf.Release, "over-release must panic")
	assert.Panics(t, buf.Retain, "retain of a released buffer must panic")
}

// TestConservation: Locked plus Free buffers always equal the allocated buffers, and the locked count
// equals the number of still referenced buffers.
func TestConservation(t *testing.T) {
	m, _ := newTestManager(t, "", Options{StepSize: 256})
	ctx := context.Background()
	var live []*Buffer
	sizes := []int64{10, 300, 256, 700, 1, 512}
	for step := range 200 {
		if step%3 == 2 && len(live) > 0 {
			idx := (step * 7) % len(live)
			live[idx].Release()
			live = append(live[:idx], live[idx+1:]...)
		} else {
			live = append(live, must.M1(m.Allocate(ctx, sizes[step%len(sizes)])))
		}
		info := memInfo(t, m, 0)
		require.Equal(t, int64(len(live)), info.LockBuffers)
		var free int64
		for _, bucket := range m.devices[0].buckets {
			free += int64(len(bucket))
		}
		require.Equal(t, info.AllocBuffers, info.LockBuffers+free)
	}
	for _, buf := range live {
		buf.Release()
	}
	m.GarbageCollectAll()
	assert.Equal(t, MemInfo{}, memInfo(t, m, 0))
}

func TestDevices(t *testing.T) {
	m, _ := newTestManager(t, "devices=2", Options{StepSize: 1024})
	ctx := context.Background()
	buf0 := must.M1(m.Allocate(ctx, 10))
	buf1 := must.M1(m.Allocate(backends.WithDevice(ctx, 1), 3000))
	assert.Equal(t, backends.DeviceNum(0), buf0.Device())
	assert.Equal(t, backends.DeviceNum(1), buf1.Device())
	assert.Equal(t, int64(1), memInfo(t, m, 0).AllocBuffers)
	assert.Equal(t, int64(3072), memInfo(t, m, 1).AllocBytes)
	_, err := m.Allocate(backends.WithDevice(ctx, 2), 10)
	require.Error(t, err)

	// Collecting device 0 doesn't touch device 1.
	buf0.Release()
	buf1.Release()
	require.NoError(t, m.GarbageCollect(0))
	assert.Equal(t, int64(0), memInfo(t, m, 0).AllocBuffers)
	assert.Equal(t, int64(1), memInfo(t, m, 1).AllocBuffers)
}

func TestAllocationFailure(t *testing.T) {
	m, toolkit := newTestManager(t, "max_bytes=4KiB", Options{StepSize: 1024})
	ctx := context.Background()
	held := must.M1(m.Allocate(ctx, 2048))
	free := must.M1(m.Allocate(ctx, 2048))
	free.Release()

	// Device is full: the free buffer must be collected, and the retry succeeds.
	buf, err := m.Allocate(ctx, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1, toolkit.NumFrees())
	buf.Release()

	// Larger than the device can hold, even after collecting.
	_, err = m.Allocate(ctx, 3*1024)
	var allocErr *DeviceAllocationFailure
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, int64(3*1024), allocErr.Bytes)
	assert.Equal(t, backends.DeviceNum(0), allocErr.Device)

	// Injected failures: one failure is retried, two are not.
	toolkit.FailAllocs(1)
	buf = must.M1(m.Allocate(ctx, 5000-4096))
	buf.Release()
	require.NoError(t, m.GarbageCollect(0))
	toolkit.FailAllocs(2)
	numAllocs := toolkit.NumAllocs()
	_, err = m.Allocate(ctx, 1024)
	require.ErrorAs(t, err, &allocErr)
	require.True(t, errors.Is(err, backendtest.ErrInjected))
	assert.Equal(t, numAllocs+2, toolkit.NumAllocs(), "allocation must be retried exactly once")
	held.Release()
}

func TestSoftLimit(t *testing.T) {
	m, toolkit := newTestManager(t, "", Options{StepSize: 1024, MaxBytes: 2048})
	ctx := context.Background()
	a := must.M1(m.Allocate(ctx, 1024))
	b := must.M1(m.Allocate(ctx, 1024))
	a.Release()
	b.Release()
	// A different size class would cross the soft limit: free buffers are collected first.
	c := must.M1(m.Allocate(ctx, 2048))
	assert.Equal(t, 2, toolkit.NumFrees())
	assert.Equal(t, MemInfo{AllocBytes: 2048, AllocBuffers: 1, LockBytes: 2048, LockBuffers: 1}, memInfo(t, m, 0))
	c.Release()
}

func TestReadWrite(t *testing.T) {
	m, _ := newTestManager(t, "", Options{StepSize: 16})
	buf := must.M1(m.Allocate(context.Background(), 16))
	defer buf.Release()
	require.NoError(t, m.Write(buf, 4, []byte{1, 2, 3}))
	got := make([]byte, 5)
	require.NoError(t, m.Read(buf, 3, got))
	assert.Equal(t, []byte{0, 1, 2, 3, 0}, got)
	require.Error(t, m.Write(buf, 14, []byte{1, 2, 3}))
	require.Error(t, m.Read(buf, -1, got))
}

func TestPrintInfo(t *testing.T) {
	m, _ := newTestManager(t, "", Options{StepSize: 1024})
	ctx := context.Background()
	a := must.M1(m.Allocate(ctx, 1024))
	b := must.M1(m.Allocate(ctx, 2000))
	b.Release()
	var out bytes.Buffer
	require.NoError(t, m.PrintInfo(&out, "after allocating", 0))
	text := out.String()
	assert.Contains(t, text, "after allocating")
	assert.Contains(t, text, "Locked")
	assert.Contains(t, text, "Free")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "allocated 2 buffers (3.0 KiB), locked 1 buffers (1.0 KiB)")
	a.Release()
	require.Error(t, m.PrintInfo(&out, "", 3))
}

// TestConcurrentDevices runs allocate/release loops on several goroutines per device, interleaved with
// garbage collection, and checks the final counters.
func TestConcurrentDevices(t *testing.T) {
	m, _ := newTestManager(t, "devices=2", Options{StepSize: 1024})
	var g errgroup.Group
	var muHeld sync.Mutex
	var held []*Buffer
	for worker := range 8 {
		ctx := backends.WithDevice(context.Background(), backends.DeviceNum(worker%2))
		g.Go(func() error {
			for ii := range 200 {
				buf, err := m.Allocate(ctx, int64(1+(ii%3)*1024))
				if err != nil {
					return err
				}
				if ii%50 == 0 {
					muHeld.Lock()
					held = append(held, buf)
					muHeld.Unlock()
					continue
				}
				if ii%17 == 0 {
					if err := m.GarbageCollect(backends.DeviceFromContext(ctx)); err != nil {
						return err
					}
				}
				buf.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	m.GarbageCollectAll()
	var locked int64
	for device := range backends.DeviceNum(2) {
		info := memInfo(t, m, device)
		assert.Equal(t, info.AllocBuffers, info.LockBuffers, "only held buffers survive garbage collection")
		locked += info.LockBuffers
	}
	assert.Equal(t, int64(len(held)), locked)
	for _, buf := range held {
		buf.Release()
	}
	m.GarbageCollectAll()
	for device := range backends.DeviceNum(2) {
		assert.Equal(t, MemInfo{}, memInfo(t, m, device))
	}
}
