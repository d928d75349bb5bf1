// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph records elementwise array operations lazily as a DAG of nodes, and materializes them by
// fusing the graph into generated kernels that run on a backends.Toolkit.
//
// Nodes are immutable once built, and may be shared by any number of downstream nodes and goroutines.
// The only mutation point is the single-assignment binding of a BufferNode, and the write-once cell
// where the result of a materialized node is stored. Since operands must exist before the node that
// uses them, graphs are acyclic by construction.
//
// The node variants are BufferNode (a leaf bound to device memory), ScalarNode (a constant broadcast
// to any shape), OperationNode (an elementwise operation over its operands) and ReshapeNode (a
// different shape over the same elements of its source).
//
// # Kernel source format
//
// Kernels are generated as line-oriented text, one statement per line, with whitespace separated tokens:
//
//	kernel <name> <linear|strided>
//	param ptr <dtype> <name>
//	param int <name>
//	param scalar <dtype> <name>
//	offset <o> linear <off>
//	offset <o> strided <off> <d0> <d1> <d2> <d3> <s0> <s1> <s2> <s3>
//	offset <o> reshape <off> <d0> <d1> <d2> <d3> <s0> <s1> <s2> <s3> <q0> <q1> <q2> <q3>
//	read <v> <dtype> <ptr> <o>
//	scalar <v> <dtype> <param>
//	op <v> <dtype> <opname> <v>...
//	store <ptr> <v>
//	end
//
// The last four parameters are always the iteration dimensions "param int n0" ... "param int n3". The
// kernel runs once per flat output index g. Strided kernels decompose g into coordinates c0...c3 over
// the iteration dimensions (axis 0 fastest). The element read by a strided offset is
// off + Σ (c_i < d_i) * c_i * s_i, so axes of dimension 1 are broadcast. A reshape offset first computes
// the flat index l = Σ c_i * q_i of the coordinates in the reshaped view, and decomposes l over the
// source dimensions d_i, the result is off + Σ cc_i * s_i. Linear kernels read element off + g.
// Outputs are contiguous, element g is written at index g.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/types/sets"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/gomlx/lazyjit/types/xsync"
)

// Node is one unit of the lazily built expression graph: either device memory (BufferNode) or a pending
// computation.
//
// The set of variants is closed: the code generation protocol methods are unexported, and only the
// node types of this package implement them.
type Node interface {
	// DType of the elements.
	DType() dtypes.DType

	// Dims of the node.
	Dims() shapes.Dims

	// Operands returns the nodes this node reads from. It is empty for leaves, and for nodes already
	// materialized, since their operands are dropped.
	Operands() []Node

	// IsMaterialized returns whether the node has concrete device memory: either a bound BufferNode, or
	// a node that was already evaluated.
	IsMaterialized() bool

	// String implements fmt.Stringer.
	String() string

	// operands used by the kernel generator traversal.
	operands() []Node

	// genKerName appends the fragment of the kernel signature of this node.
	genKerName(sb *strings.Builder, id int, operandIDs []int)

	// genParams appends the parameter declarations of this node.
	genParams(sb *strings.Builder, id int, linear bool)

	// genOffsets appends the address computations of this node.
	genOffsets(sb *strings.Builder, id int, linear bool)

	// genFuncs appends the statements that compute the value "v<id>" of this node.
	genFuncs(sb *strings.Builder, id int, operandIDs []int)

	// setArgs binds the arguments of the parameters declared by genParams, starting at the parameter
	// slot startID. It returns the next free slot.
	setArgs(startID int, linear bool, setArg func(slot int, arg backends.Arg)) int

	// getInfo accumulates the size of this node into info.
	getInfo(info *fusionInfo)

	// isLinear returns whether the node can be read with flat indexing, when iterating over dims.
	isLinear(dims shapes.Dims) bool
}

// fusionInfo accumulates the size of a graph to be fused in one kernel.
type fusionInfo struct {
	length  int
	buffers sets.Set[*memory.Buffer]
	bytes   int64
}

func newFusionInfo() *fusionInfo {
	return &fusionInfo{buffers: sets.Make[*memory.Buffer]()}
}

func (info *fusionInfo) String() string {
	return fmt.Sprintf("{nodes=%d, buffers=%d, bytes=%d}", info.length, len(info.buffers), info.bytes)
}

// materializedCell holds the result of evaluating a computation node.
type materializedCell struct {
	result xsync.WriteOnce[*BufferNode]
}

// materialized returns the stored result, or nil.
func (c *materializedCell) materialized() *BufferNode {
	result, _ := c.result.Load()
	return result
}

func (c *materializedCell) storeMaterialized(result *BufferNode) bool {
	return c.result.Store(result)
}

// IsMaterialized implements Node.
func (c *materializedCell) IsMaterialized() bool {
	return c.result.IsSet()
}

// materializable is implemented by the nodes that store the result of their evaluation.
type materializable interface {
	Node
	materialized() *BufferNode
	storeMaterialized(result *BufferNode) bool
}

// resolve returns the BufferNode holding the result of node if it was materialized, or node itself.
func resolve(node Node) Node {
	if m, ok := node.(materializable); ok {
		if result := m.materialized(); result != nil {
			return result
		}
	}
	return node
}

// materializedBuffer returns the BufferNode with the value of node, or nil if it is not materialized
// or its buffer was released.
func materializedBuffer(node Node) *BufferNode {
	switch n := resolve(node).(type) {
	case *BufferNode:
		if n.IsBound() && !n.IsReleased() {
			return n
		}
	}
	return nil
}

// dtypeToken is the short name of dtype used in kernel sources and signatures.
func dtypeToken(dtype dtypes.DType) string {
	return backends.DTypeToken(dtype)
}

// Names of the parameters and registers of a node with the given id in the kernel source.

func ptrName(id int) string    { return fmt.Sprintf("in%d", id) }
func offsetName(id int) string { return fmt.Sprintf("o%d", id) }
func valueName(id int) string  { return fmt.Sprintf("v%d", id) }

// genBufferParams declares the pointer and addressing parameters of a buffer read, shared by BufferNode and
// ReshapeNode.
func genBufferParams(sb *strings.Builder, id int, dtype dtypes.DType, linear bool) {
	in := ptrName(id)
	fmt.Fprintf(sb, "param ptr %s %s\n", dtypeToken(dtype), in)
	fmt.Fprintf(sb, "param int %s_off\n", in)
	if linear {
		return
	}
	for axis := range shapes.Rank {
		fmt.Fprintf(sb, "param int %s_d%d\n", in, axis)
	}
	for axis := range shapes.Rank {
		fmt.Fprintf(sb, "param int %s_s%d\n", in, axis)
	}
}

// bufferParamList returns the "<off> <d0..d3> <s0..s3>" arguments of a strided or reshape offset.
func bufferParamList(id int) string {
	in := ptrName(id)
	parts := make([]string, 0, 1+2*shapes.Rank)
	parts = append(parts, in+"_off")
	for axis := range shapes.Rank {
		parts = append(parts, fmt.Sprintf("%s_d%d", in, axis))
	}
	for axis := range shapes.Rank {
		parts = append(parts, fmt.Sprintf("%s_s%d", in, axis))
	}
	return strings.Join(parts, " ")
}

// setBufferArgs binds the parameters declared by genBufferParams.
func setBufferArgs(startID int, linear bool, setArg func(slot int, arg backends.Arg), data *bufferData, dtype dtypes.DType) int {
	slot := startID
	setArg(slot, backends.PtrArg(data.buffer.Ptr()))
	slot++
	setArg(slot, backends.IntArg(int(data.byteOffset)/int(dtype.Size())))
	slot++
	if linear {
		return slot
	}
	for axis := range shapes.Rank {
		setArg(slot, backends.IntArg(data.dims[axis]))
		slot++
	}
	for axis := range shapes.Rank {
		setArg(slot, backends.IntArg(data.strides[axis]))
		slot++
	}
	return slot
}
