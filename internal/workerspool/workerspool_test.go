// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/lazyjit/types/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 4} {
		pool := New(parallelism)
		var count atomic.Int32
		seen := make([]atomic.Bool, 100)
		pool.Run(len(seen), func(taskIdx int) {
			count.Add(1)
			seen[taskIdx].Store(true)
		})
		require.Equal(t, int32(len(seen)), count.Load(), "parallelism=%d", parallelism)
		for ii := range seen {
			assert.True(t, seen[ii].Load(), "parallelism=%d, task %d not run", parallelism, ii)
		}
	}
	New(2).Run(0, func(int) { t.Fatal("no task should run") })
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New(1)
	release := xsync.NewLatch()
	started := xsync.NewLatch()
	require.True(t, pool.StartIfAvailable(func() {
		started.Trigger()
		release.Wait()
	}))
	started.Wait()
	assert.False(t, pool.StartIfAvailable(func() {}), "pool should be full")
	release.Trigger()

	done := xsync.NewLatch()
	go pool.WaitToStart(done.Trigger)
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("WaitToStart never ran the task")
	}

	disabled := New(0)
	assert.False(t, disabled.IsEnabled())
	assert.False(t, disabled.StartIfAvailable(func() {}))
}
