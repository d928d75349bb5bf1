// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// CompiledKernel is the API for compiled kernels ready to launch.
type CompiledKernel interface {
	// Name of the kernel, as declared in its source.
	Name() string

	// NumParams returns the number of parameters the kernel takes, which is also the number of arguments
	// Toolkit.Launch expects.
	NumParams() int
}

// ArgKind is the kind of kernel argument.
type ArgKind int

const (
	// ArgPointer is a device memory pointer, set in Arg.Ptr.
	ArgPointer ArgKind = iota

	// ArgInt is an integer (offsets, dimensions, strides), set in Arg.Int.
	ArgInt

	// ArgScalar is a scalar value of Arg.DType, set in Arg.Float for float dtypes and in Arg.Int
	// for integer dtypes.
	ArgScalar
)

var argKindNames = [...]string{"ptr", "int", "scalar"}

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	if k < 0 || int(k) >= len(argKindNames) {
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
	return argKindNames[k]
}

// Arg is one argument of a kernel launch.
type Arg struct {
	Kind ArgKind
	Ptr  DevicePtr
	Int  int64

	// Float holds the value of float ArgScalar arguments, converted by the kernel to DType.
	Float float64
	DType dtypes.DType
}

// PtrArg returns an ArgPointer argument.
func PtrArg(ptr DevicePtr) Arg { return Arg{Kind: ArgPointer, Ptr: ptr} }

// IntArg returns an ArgInt argument.
func IntArg(value int) Arg { return Arg{Kind: ArgInt, Int: int64(value)} }

// ScalarArg returns an ArgScalar argument. For integer dtypes the value is truncated, use IntScalarArg
// for values that don't fit exactly in a float64.
func ScalarArg(dtype dtypes.DType, value float64) Arg {
	if !dtype.IsFloat() {
		return IntScalarArg(dtype, int64(value))
	}
	return Arg{Kind: ArgScalar, Float: value, DType: dtype}
}

// IntScalarArg returns an ArgScalar argument holding an integer value.
func IntScalarArg(dtype dtypes.DType, value int64) Arg {
	if dtype.IsFloat() {
		return Arg{Kind: ArgScalar, Float: float64(value), DType: dtype}
	}
	return Arg{Kind: ArgScalar, Int: value, DType: dtype}
}

// String implements fmt.Stringer.
func (a Arg) String() string {
	switch a.Kind {
	case ArgPointer:
		return fmt.Sprintf("ptr(%s)", a.Ptr)
	case ArgInt:
		return fmt.Sprintf("int(%d)", a.Int)
	case ArgScalar:
		if !a.DType.IsFloat() {
			return fmt.Sprintf("scalar(%s:%d)", DTypeToken(a.DType), a.Int)
		}
		return fmt.Sprintf("scalar(%s:%g)", DTypeToken(a.DType), a.Float)
	}
	return a.Kind.String()
}

// dtypeTokens are the names of the dtypes supported in kernel sources.
var dtypeTokens = map[dtypes.DType]string{
	dtypes.Float16: "f16",
	dtypes.Float32: "f32",
	dtypes.Float64: "f64",
	dtypes.Int32:   "s32",
	dtypes.Int64:   "s64",
}

// DTypeToken returns the short name used for dtype in kernel sources and signatures.
// It returns "" if the dtype is not supported in kernels.
func DTypeToken(dtype dtypes.DType) string {
	return dtypeTokens[dtype]
}

// DTypeFromToken is the inverse of DTypeToken.
func DTypeFromToken(token string) (dtypes.DType, bool) {
	for dtype, name := range dtypeTokens {
		if name == token {
			return dtype, true
		}
	}
	return dtypes.InvalidDType, false
}

// IsSupportedDType returns whether kernels can be generated for values of dtype.
func IsSupportedDType(dtype dtypes.DType) bool {
	_, found := dtypeTokens[dtype]
	return found
}
