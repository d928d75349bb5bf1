// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
)

// OperationNode is an elementwise operation over its operands, broadcast to its dims.
//
// Once materialized it drops the references to its operands, so upstream nodes no longer referenced
// elsewhere can be collected.
type OperationNode struct {
	materializedCell
	op    OpKind
	dtype dtypes.DType
	dims  shapes.Dims

	// inputs is set to nil once the node is materialized.
	inputs atomic.Pointer[[]Node]
}

func newOperationNode(op OpKind, dtype dtypes.DType, dims shapes.Dims, operands []Node) *OperationNode {
	n := &OperationNode{op: op, dtype: dtype, dims: dims}
	inputs := append([]Node(nil), operands...)
	n.inputs.Store(&inputs)
	return n
}

// Op returns the operation of the node.
func (n *OperationNode) Op() OpKind { return n.op }

// DType implements Node.
func (n *OperationNode) DType() dtypes.DType { return n.dtype }

// Dims implements Node.
func (n *OperationNode) Dims() shapes.Dims { return n.dims }

// Operands implements Node.
func (n *OperationNode) Operands() []Node {
	return n.operands()
}

func (n *OperationNode) operands() []Node {
	inputs := n.inputs.Load()
	if inputs == nil {
		return nil
	}
	return *inputs
}

// storeMaterialized stores the result and drops the operands.
func (n *OperationNode) storeMaterialized(result *BufferNode) bool {
	if !n.materializedCell.storeMaterialized(result) {
		return false
	}
	n.inputs.Store(nil)
	return true
}

// String implements fmt.Stringer.
func (n *OperationNode) String() string {
	return fmt.Sprintf("%s(%s%s)", n.op, n.dtype, n.dims)
}

func (n *OperationNode) genKerName(sb *strings.Builder, id int, operandIDs []int) {
	fmt.Fprintf(sb, "_%s%s", n.op, dtypeToken(n.dtype))
	for _, operandID := range operandIDs {
		fmt.Fprintf(sb, ",%d", operandID)
	}
	fmt.Fprintf(sb, ",%d", id)
}

func (n *OperationNode) genParams(*strings.Builder, int, bool) {}

func (n *OperationNode) genOffsets(*strings.Builder, int, bool) {}

func (n *OperationNode) genFuncs(sb *strings.Builder, id int, operandIDs []int) {
	fmt.Fprintf(sb, "op %s %s %s", valueName(id), dtypeToken(n.dtype), n.op.kernelName())
	for _, operandID := range operandIDs {
		sb.WriteByte(' ')
		sb.WriteString(valueName(operandID))
	}
	sb.WriteByte('\n')
}

func (n *OperationNode) setArgs(startID int, _ bool, _ func(slot int, arg backends.Arg)) int {
	return startID
}

func (n *OperationNode) getInfo(info *fusionInfo) {
	info.length++
}

func (n *OperationNode) isLinear(dims shapes.Dims) bool {
	for _, operand := range n.operands() {
		if !resolve(operand).isLinear(dims) {
			return false
		}
	}
	return true
}
