// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/memory"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// traversal of a graph in depth-first post-order: operands are visited before the nodes using them,
// and each node is visited once. Materialized nodes are replaced by their BufferNode.
type traversal struct {
	ids        map[Node]int
	nodes      []Node
	operandIDs [][]int
}

func newTraversal(outputs []Node) *traversal {
	t := &traversal{ids: make(map[Node]int)}
	for _, output := range outputs {
		t.visit(output)
	}
	return t
}

func (t *traversal) visit(node Node) int {
	node = resolve(node)
	if id, found := t.ids[node]; found {
		return id
	}
	operands := node.operands()
	if m, ok := node.(materializable); ok && m.materialized() != nil {
		// Materialized concurrently: its operands may have been dropped already.
		return t.visit(node)
	}
	operandIDs := make([]int, len(operands))
	for ii, operand := range operands {
		operandIDs[ii] = t.visit(operand)
	}
	id := len(t.nodes)
	t.ids[node] = id
	t.nodes = append(t.nodes, node)
	t.operandIDs = append(t.operandIDs, operandIDs)
	return id
}

// validate checks that every leaf of the traversal can be read by a kernel.
func (t *traversal) validate() error {
	for _, node := range t.nodes {
		switch n := node.(type) {
		case *BufferNode:
			if !n.IsBound() {
				return errors.Errorf("graph has an unbound %s: SetData must be called before it is evaluated", n)
			}
			if n.IsReleased() {
				return errors.Errorf("graph uses a released %s", n)
			}
		case *ReshapeNode:
			if materializedBuffer(n.Source()) == nil {
				return errors.Errorf("%s: source must be materialized before it is fused in a kernel", n)
			}
		}
	}
	return nil
}

// linear returns, for each traversed node, whether it can be read with flat indexing when iterating over
// dims. It uses the operands recorded by the traversal, which are the ones emitted in the kernel, and not
// the current operands of the nodes, that are dropped if they get materialized concurrently.
func (t *traversal) linear(dims shapes.Dims) []bool {
	linear := make([]bool, len(t.nodes))
	for id, node := range t.nodes {
		if _, ok := node.(*OperationNode); !ok {
			linear[id] = node.isLinear(dims)
			continue
		}
		linear[id] = true
		for _, operandID := range t.operandIDs[id] {
			if !linear[operandID] {
				linear[id] = false
				break
			}
		}
	}
	return linear
}

// info returns the accumulated fusion size of the traversed nodes.
func (t *traversal) info() *fusionInfo {
	info := newFusionInfo()
	for _, node := range t.nodes {
		node.getInfo(info)
	}
	return info
}

// Kernel is a generated kernel: its source text, the signature used as cache key, and what is needed to
// bind the arguments of a launch.
type Kernel struct {
	// Name of the kernel, derived from the signature.
	Name string

	// Signature identifies the structure of the graph: structurally identical graphs have the same signature.
	Signature string

	// Source text of the kernel, see package documentation for the format.
	Source string

	// Linear is true if the kernel uses flat indexing.
	Linear bool

	// Dims of the iteration, which are the dims of every output.
	Dims  shapes.Dims
	DType dtypes.DType

	nodes     []Node
	outputIDs []int
	numParams int
}

// NumParams is the number of parameters of the kernel, and of arguments of a launch.
func (k *Kernel) NumParams() int { return k.numParams }

// NumOutputs of the kernel.
func (k *Kernel) NumOutputs() int { return len(k.outputIDs) }

// Generate returns the kernel computing the given outputs. All outputs must have the same dims and dtype.
//
// Every BufferNode in the graph must be bound, and the source of every ReshapeNode must be materialized.
func Generate(outputs []Node) (*Kernel, error) {
	if len(outputs) == 0 {
		return nil, errors.New("Generate(): no outputs given")
	}
	dims, dtype := outputs[0].Dims(), outputs[0].DType()
	for ii, output := range outputs {
		if output.Dims() != dims || output.DType() != dtype {
			return nil, errors.Errorf("Generate(): output #%d is %s%s, but output #0 is %s%s: all outputs of a kernel must match",
				ii, output.DType(), output.Dims(), dtype, dims)
		}
	}
	return generate(newTraversal(outputs), outputs)
}

// generate the kernel for the traversal of outputs.
func generate(t *traversal, outputs []Node) (*Kernel, error) {
	if err := t.validate(); err != nil {
		return nil, errors.WithMessage(err, "Generate()")
	}
	dims, dtype := outputs[0].Dims(), outputs[0].DType()
	k := &Kernel{Dims: dims, DType: dtype, nodes: t.nodes, Linear: true}
	linear := t.linear(dims)
	for _, output := range outputs {
		id, found := t.ids[resolve(output)]
		if !found {
			// Materialized after the traversal: its value is still computed from the traversed nodes.
			id = t.ids[output]
		}
		k.outputIDs = append(k.outputIDs, id)
		if !linear[id] {
			k.Linear = false
		}
	}

	var sig strings.Builder
	if k.Linear {
		sig.WriteString("L")
	} else {
		sig.WriteString("G")
	}
	for id, node := range t.nodes {
		node.genKerName(&sig, id, t.operandIDs[id])
	}
	for _, outputID := range k.outputIDs {
		fmt.Fprintf(&sig, "_O%s,%d", dtypeToken(dtype), outputID)
	}
	k.Signature = sig.String()
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(k.Signature))
	k.Name = fmt.Sprintf("KER%016x", hash.Sum64())

	var params, body strings.Builder
	for id, node := range t.nodes {
		node.genParams(&params, id, k.Linear)
	}
	for outputIdx := range k.outputIDs {
		fmt.Fprintf(&params, "param ptr %s out%d\n", dtypeToken(dtype), outputIdx)
	}
	for axis := range shapes.Rank {
		fmt.Fprintf(&params, "param int n%d\n", axis)
	}
	for id, node := range t.nodes {
		node.genOffsets(&body, id, k.Linear)
	}
	for id, node := range t.nodes {
		node.genFuncs(&body, id, t.operandIDs[id])
	}
	for outputIdx, outputID := range k.outputIDs {
		fmt.Fprintf(&body, "store out%d %s\n", outputIdx, valueName(outputID))
	}
	k.numParams = strings.Count(params.String(), "\n")

	var source strings.Builder
	variant := "strided"
	if k.Linear {
		variant = "linear"
	}
	fmt.Fprintf(&source, "kernel %s %s\n", k.Name, variant)
	source.WriteString(params.String())
	source.WriteString(body.String())
	source.WriteString("end\n")
	k.Source = source.String()
	return k, nil
}

// Args returns the arguments of a launch of the kernel over the graph it was generated from, writing to
// the given output buffers. The arguments follow the order of the parameters: the parameters of each node
// in traversal order, then the outputs, then the iteration dims.
func (k *Kernel) Args(outputs []*memory.Buffer) ([]backends.Arg, error) {
	if len(outputs) != len(k.outputIDs) {
		return nil, errors.Errorf("kernel %s has %d outputs, %d buffers given", k.Name, len(k.outputIDs), len(outputs))
	}
	args := make([]backends.Arg, k.numParams)
	setArg := func(slot int, arg backends.Arg) {
		args[slot] = arg
	}
	slot := 0
	for _, node := range k.nodes {
		slot = node.setArgs(slot, k.Linear, setArg)
	}
	for _, buffer := range outputs {
		args[slot] = backends.PtrArg(buffer.Ptr())
		slot++
	}
	for _, dim := range k.Dims {
		args[slot] = backends.IntArg(dim)
		slot++
	}
	if slot != k.numParams {
		return nil, errors.Errorf("kernel %s: %d arguments bound for %d parameters", k.Name, slot, k.numParams)
	}
	return args, nil
}
