// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// ScalarNode is a constant, broadcast to the dims of its consumer.
//
// Its value is passed as a kernel argument, so graphs that only differ in their scalar values share the
// same kernel.
type ScalarNode struct {
	materializedCell
	dtype    dtypes.DType
	value    float64
	intValue int64
}

// Scalar returns a ScalarNode with the given value converted to dtype.
//
// For integer dtypes the value is truncated, and integers beyond 2^53 can't be represented exactly:
// use IntScalar for those.
func Scalar(dtype dtypes.DType, value float64) (*ScalarNode, error) {
	if err := checkScalarDType(dtype); err != nil {
		return nil, err
	}
	return &ScalarNode{dtype: dtype, value: value, intValue: int64(value)}, nil
}

// IntScalar returns a ScalarNode with the integer value. It is exact for Int32 and Int64.
func IntScalar(dtype dtypes.DType, value int64) (*ScalarNode, error) {
	if err := checkScalarDType(dtype); err != nil {
		return nil, err
	}
	return &ScalarNode{dtype: dtype, value: float64(value), intValue: value}, nil
}

func checkScalarDType(dtype dtypes.DType) error {
	if !backends.IsSupportedDType(dtype) {
		return errors.WithStack(&TypeMismatchError{Op: "Scalar", DTypes: []dtypes.DType{dtype},
			Reason: "dtype not supported in kernels"})
	}
	return nil
}

// Value of the scalar.
func (s *ScalarNode) Value() float64 { return s.value }

// IntValue of the scalar, exact for integer dtypes.
func (s *ScalarNode) IntValue() int64 { return s.intValue }

// DType implements Node.
func (s *ScalarNode) DType() dtypes.DType { return s.dtype }

// Dims implements Node: a scalar has all dimensions 1.
func (s *ScalarNode) Dims() shapes.Dims { return shapes.Dims{1, 1, 1, 1} }

// Operands implements Node.
func (s *ScalarNode) Operands() []Node { return nil }

// String implements fmt.Stringer.
func (s *ScalarNode) String() string {
	if !s.dtype.IsFloat() {
		return fmt.Sprintf("Scalar(%s:%d)", s.dtype, s.intValue)
	}
	return fmt.Sprintf("Scalar(%s:%g)", s.dtype, s.value)
}

func (s *ScalarNode) operands() []Node { return nil }

func scalarName(id int) string { return fmt.Sprintf("s%d", id) }

func (s *ScalarNode) genKerName(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "_S%s,%d", dtypeToken(s.dtype), id)
}

func (s *ScalarNode) genParams(sb *strings.Builder, id int, _ bool) {
	fmt.Fprintf(sb, "param scalar %s %s\n", dtypeToken(s.dtype), scalarName(id))
}

func (s *ScalarNode) genOffsets(*strings.Builder, int, bool) {}

func (s *ScalarNode) genFuncs(sb *strings.Builder, id int, _ []int) {
	fmt.Fprintf(sb, "scalar %s %s %s\n", valueName(id), dtypeToken(s.dtype), scalarName(id))
}

func (s *ScalarNode) setArgs(startID int, _ bool, setArg func(slot int, arg backends.Arg)) int {
	if s.dtype.IsFloat() {
		setArg(startID, backends.ScalarArg(s.dtype, s.value))
	} else {
		setArg(startID, backends.IntScalarArg(s.dtype, s.intValue))
	}
	return startID + 1
}

func (s *ScalarNode) getInfo(info *fusionInfo) {
	info.length++
}

func (s *ScalarNode) isLinear(shapes.Dims) bool { return true }
