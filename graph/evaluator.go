// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"math"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/types/sets"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluator materializes nodes: it fuses their graphs into kernels, compiles them (through the
// KernelCache) and launches them on the device of the context, with output buffers from the memory.Manager.
//
// It is safe for concurrent use, including concurrent evaluations of graphs sharing nodes: each node is
// materialized at most once, and every evaluation observes the same result.
type Evaluator struct {
	toolkit backends.Toolkit
	memory  *memory.Manager
	cache   *KernelCache
	config  Config

	launches, compiles, intermediates atomic.Int64
}

// EvaluatorStats are counters of an Evaluator.
type EvaluatorStats struct {
	// Launches is the number of kernels launched.
	Launches int64

	// Compiles is the number of kernels compiled by this Evaluator.
	Compiles int64

	// Intermediates is the number of nodes materialized because a graph exceeded the fusion limits.
	Intermediates int64
}

// NewEvaluator returns an Evaluator running on toolkit. If cache is nil, a new KernelCache is created.
func NewEvaluator(toolkit backends.Toolkit, manager *memory.Manager, cache *KernelCache, config Config) (*Evaluator, error) {
	if toolkit == nil {
		return nil, errors.New("NewEvaluator(): nil toolkit")
	}
	if manager == nil {
		return nil, errors.New("NewEvaluator(): nil memory manager")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NewEvaluator()")
	}
	if cache == nil {
		cache = NewKernelCache()
	}
	return &Evaluator{toolkit: toolkit, memory: manager, cache: cache, config: config}, nil
}

// Toolkit used by the Evaluator.
func (e *Evaluator) Toolkit() backends.Toolkit { return e.toolkit }

// Memory returns the memory.Manager used to allocate outputs.
func (e *Evaluator) Memory() *memory.Manager { return e.memory }

// Cache returns the KernelCache of the Evaluator.
func (e *Evaluator) Cache() *KernelCache { return e.cache }

// Config returns the fusion limits of the Evaluator.
func (e *Evaluator) Config() Config { return e.config }

// Stats returns the counters of the Evaluator.
func (e *Evaluator) Stats() EvaluatorStats {
	return EvaluatorStats{
		Launches:      e.launches.Load(),
		Compiles:      e.compiles.Load(),
		Intermediates: e.intermediates.Load(),
	}
}

// MemInfo returns the memory usage of the device, see memory.Manager.MemInfo.
func (e *Evaluator) MemInfo(device backends.DeviceNum) (memory.MemInfo, error) {
	return e.memory.MemInfo(device)
}

// SetStepSize of the memory allocations, see memory.Manager.SetStepSize.
func (e *Evaluator) SetStepSize(bytes int64) error {
	return e.memory.SetStepSize(bytes)
}

// GarbageCollect returns the free buffers of the device to the toolkit, see memory.Manager.GarbageCollect.
func (e *Evaluator) GarbageCollect(device backends.DeviceNum) error {
	return e.memory.GarbageCollect(device)
}

// Evaluate materializes node on the device of the context (see backends.WithDevice), and returns the
// BufferNode holding its value.
//
// The returned BufferNode is owned by node: it stays valid while node is reachable, and the caller
// must not Release it.
func (e *Evaluator) Evaluate(ctx context.Context, node Node) (*BufferNode, error) {
	results, err := e.EvaluateAll(ctx, node)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// EvaluateAll materializes all the nodes, like Evaluate. Nodes with the same dims and dtype are computed by
// the same kernel, so shared subgraphs are computed only once.
func (e *Evaluator) EvaluateAll(ctx context.Context, nodes ...Node) ([]*BufferNode, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var results []*BufferNode
	var err error
	panicErr := exceptions.TryCatch[error](func() {
		results, err = e.evaluateAll(ctx, nodes)
	})
	if panicErr != nil {
		return nil, panicErr
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

// outputGroup is a set of outputs computed by one kernel.
type outputGroup struct {
	dims  shapes.Dims
	dtype dtypes.DType
	nodes []Node
}

func (e *Evaluator) evaluateAll(ctx context.Context, nodes []Node) ([]*BufferNode, error) {
	groups := make([]*outputGroup, 0, 1)
	seen := sets.Make[Node]()
	for ii, node := range nodes {
		if node == nil {
			return nil, errors.Errorf("Evaluate(): node #%d is nil", ii)
		}
		if b, ok := node.(*BufferNode); ok && !b.IsBound() {
			return nil, errors.Errorf("Evaluate(): node #%d is an unbound BufferNode", ii)
		}
		if b, ok := resolve(node).(*BufferNode); ok && b.IsReleased() {
			return nil, errors.Errorf("Evaluate(): node #%d %s holds a released buffer", ii, node)
		}
		if materializedBuffer(node) != nil || seen.Has(node) {
			continue
		}
		seen.Insert(node)
		var group *outputGroup
		for _, g := range groups {
			if g.dims == node.Dims() && g.dtype == node.DType() {
				group = g
				break
			}
		}
		if group == nil {
			group = &outputGroup{dims: node.Dims(), dtype: node.DType()}
			groups = append(groups, group)
		}
		group.nodes = append(group.nodes, node)
	}
	for _, group := range groups {
		if err := e.materialize(ctx, group.nodes); err != nil {
			return nil, err
		}
	}
	results := make([]*BufferNode, len(nodes))
	for ii, node := range nodes {
		results[ii] = materializedBuffer(node)
		if results[ii] == nil {
			exceptions.Panicf("Evaluate(): node #%d %s was not materialized", ii, node)
		}
	}
	return results, nil
}

// materialize computes outputs, which must have the same dims and dtype, in one kernel. Before that, it
// materializes the sources of reshapes and, while the graph exceeds the fusion limits, intermediate nodes.
func (e *Evaluator) materialize(ctx context.Context, outputs []Node) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "evaluation interrupted")
	}
	for {
		if err := e.prepareReshapes(ctx, outputs); err != nil {
			return err
		}
		t := newTraversal(outputs)
		err := e.config.checkLimits(t.info())
		if err == nil {
			break
		}
		if !errors.Is(err, errFusionLimitExceeded) {
			return err
		}
		victim := largestIntermediate(t, outputs, e.config.MaxJITLen)
		if victim == nil {
			// Nothing left to split: the outputs and their leaves alone exceed the limits.
			klog.V(1).Infof("graph of %d nodes can't be split further (%v), fusing anyway", len(t.nodes), err)
			break
		}
		klog.V(1).Infof("materializing intermediate %s: %v", victim, err)
		if err := e.materialize(ctx, []Node{victim}); err != nil {
			return err
		}
		e.intermediates.Add(1)
	}
	return e.launch(ctx, outputs)
}

// prepareReshapes materializes the source of every reshape in the graph that is not materialized yet.
func (e *Evaluator) prepareReshapes(ctx context.Context, outputs []Node) error {
	visited := sets.Make[Node]()
	var visit func(node Node) error
	visit = func(node Node) error {
		node = resolve(node)
		if visited.Has(node) {
			return nil
		}
		visited.Insert(node)
		if r, ok := node.(*ReshapeNode); ok {
			if source := r.Source(); materializedBuffer(source) == nil {
				if err := e.materialize(ctx, []Node{source}); err != nil {
					return errors.WithMessagef(err, "materializing source of %s", r)
				}
			}
			return nil
		}
		for _, operand := range node.operands() {
			if err := visit(operand); err != nil {
				return err
			}
		}
		return nil
	}
	for _, output := range outputs {
		if err := visit(output); err != nil {
			return err
		}
	}
	return nil
}

// largestIntermediate returns the unmaterialized operation, not one of the outputs, with the largest
// subgraph that still fits maxLen nodes. If none fits, it returns the one with the smallest subgraph.
// It returns nil if there are no candidates.
//
// Subgraph sizes count shared nodes once per use, so they are upper bounds of the distinct node count.
func largestIntermediate(t *traversal, outputs []Node, maxLen int) Node {
	isOutput := sets.Make[Node]()
	for _, output := range outputs {
		isOutput.Insert(resolve(output))
	}
	sizes := make([]int, len(t.nodes))
	var best, smallest Node
	bestSize, smallestSize := 0, math.MaxInt
	for id, node := range t.nodes {
		size := 1
		for _, operandID := range t.operandIDs[id] {
			size = min(size+sizes[operandID], math.MaxInt32)
		}
		sizes[id] = size
		if _, ok := node.(*OperationNode); !ok || isOutput.Has(node) {
			continue
		}
		if size <= maxLen && size > bestSize {
			best, bestSize = node, size
		}
		if size < smallestSize {
			smallest, smallestSize = node, size
		}
	}
	if best != nil {
		return best
	}
	return smallest
}

// launch generates, compiles (if not cached) and launches the kernel computing outputs, and stores the
// results in the outputs.
func (e *Evaluator) launch(ctx context.Context, outputs []Node) error {
	// Skip outputs materialized concurrently meanwhile.
	outputs = slices.DeleteFunc(slices.Clone(outputs), func(node Node) bool { return materializedBuffer(node) != nil })
	if len(outputs) == 0 {
		return nil
	}
	kernel, err := Generate(outputs)
	if err != nil {
		return err
	}
	if klog.V(2).Enabled() {
		klog.Infof("kernel %s:\n%s", kernel.Name, kernel.Source)
	}
	compiled, err := e.cache.GetOrCompile(kernel.Signature, func() (backends.CompiledKernel, error) {
		e.compiles.Add(1)
		compiled, err := e.toolkit.Compile(kernel.Source)
		if err == nil && compiled.NumParams() != kernel.NumParams() {
			err = errors.Errorf("compiled kernel has %d parameters, %d were generated", compiled.NumParams(), kernel.NumParams())
		}
		if err != nil {
			return nil, errors.WithStack(&KernelCompilationFailure{Signature: kernel.Signature, Source: kernel.Source, Cause: err})
		}
		return compiled, nil
	})
	if err != nil {
		return err
	}

	device := backends.DeviceFromContext(ctx)
	outputBytes := int64(kernel.Dims.Size()) * int64(kernel.DType.Size())
	buffers := make([]*memory.Buffer, 0, len(outputs))
	releaseBuffers := func() {
		for _, buffer := range buffers {
			buffer.Release()
		}
	}
	for range outputs {
		buffer, err := e.memory.Allocate(ctx, outputBytes)
		if err != nil {
			releaseBuffers()
			return errors.WithMessagef(err, "allocating %s for the output of kernel %s",
				humanize.IBytes(uint64(outputBytes)), kernel.Name)
		}
		buffers = append(buffers, buffer)
	}
	args, err := kernel.Args(buffers)
	if err != nil {
		releaseBuffers()
		return err
	}
	if err := e.toolkit.Launch(ctx, compiled, args, device); err != nil {
		releaseBuffers()
		return errors.WithStack(&DeviceExecutionFailure{Device: device, Kernel: kernel.Name, Cause: err})
	}
	e.launches.Add(1)

	for ii, output := range outputs {
		result := newBoundBufferNode(kernel.DType, buffers[ii], kernel.Dims)
		m, ok := output.(materializable)
		if !ok {
			exceptions.Panicf("kernel output %s can't be materialized", output)
		}
		if !m.storeMaterialized(result) {
			// Another evaluation materialized it first.
			result.Release()
		}
	}
	return nil
}
