// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"sync/atomic"

	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/xsync"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// KernelCache maps kernel signatures to compiled kernels. It is shared by all evaluations, and is safe
// for concurrent use.
//
// Lookups of compiled kernels don't take any lock. Concurrent misses of the same signature compile it
// only once: the other callers wait for that compilation and get its result. Failed compilations are not
// cached.
//
// Entries are never evicted.
type KernelCache struct {
	kernels xsync.SyncMap[string, backends.CompiledKernel]
	group   singleflight.Group

	hits, misses, compiles atomic.Int64
}

// CacheStats are counters of a KernelCache.
type CacheStats struct {
	// Hits are the lookups that found a compiled kernel.
	Hits int64

	// Misses are the lookups that didn't, including the ones that waited on a concurrent compilation.
	Misses int64

	// Compiles is the number of calls to the compile function.
	Compiles int64
}

// NewKernelCache returns an empty KernelCache.
func NewKernelCache() *KernelCache {
	return &KernelCache{}
}

// GetOrCompile returns the kernel compiled for signature, calling compile if there is none yet.
//
// Errors returned by compile are returned as is, and the signature is left uncached so a later call
// tries again.
func (c *KernelCache) GetOrCompile(signature string, compile func() (backends.CompiledKernel, error)) (backends.CompiledKernel, error) {
	if kernel, found := c.kernels.Load(signature); found {
		c.hits.Add(1)
		return kernel, nil
	}
	c.misses.Add(1)
	value, err, shared := c.group.Do(signature, func() (any, error) {
		// Another caller may have finished compiling between the lookup and Do.
		if kernel, found := c.kernels.Load(signature); found {
			return kernel, nil
		}
		c.compiles.Add(1)
		kernel, err := compile()
		if err != nil {
			return nil, err
		}
		c.kernels.Store(signature, kernel)
		if klog.V(1).Enabled() {
			klog.Infof("compiled kernel %s, %d kernels cached", kernel.Name(), c.kernels.Len())
		}
		return kernel, nil
	})
	if err != nil {
		return nil, err
	}
	if shared && klog.V(2).Enabled() {
		klog.Infof("kernel %q compilation shared by concurrent callers", signature)
	}
	return value.(backends.CompiledKernel), nil
}

// Lookup returns the compiled kernel for signature, if cached.
func (c *KernelCache) Lookup(signature string) (backends.CompiledKernel, bool) {
	return c.kernels.Load(signature)
}

// Len returns the number of compiled kernels cached.
func (c *KernelCache) Len() int {
	return c.kernels.Len()
}

// Stats returns the counters of the cache.
func (c *KernelCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Compiles: c.compiles.Load()}
}
