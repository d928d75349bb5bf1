// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// chunkSize is the number of elements processed by each parallel task of a launch.
var chunkSize = 1024

// number is the type used to compute the values of a kernel. Float16 is computed as float32.
type number interface {
	constraints.Signed | constraints.Float
}

// codec loads and stores values of one dtype from raw little-endian memory.
type codec[T number] struct {
	size  int
	load  func(data []byte, idx int) T
	store func(data []byte, idx int, value T)
}

var (
	float16Codec = codec[float32]{
		size: 2,
		load: func(data []byte, idx int) float32 {
			return float16.Frombits(binary.LittleEndian.Uint16(data[2*idx:])).Float32()
		},
		store: func(data []byte, idx int, value float32) {
			binary.LittleEndian.PutUint16(data[2*idx:], float16.Fromfloat32(value).Bits())
		},
	}
	float32Codec = codec[float32]{
		size: 4,
		load: func(data []byte, idx int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(data[4*idx:]))
		},
		store: func(data []byte, idx int, value float32) {
			binary.LittleEndian.PutUint32(data[4*idx:], math.Float32bits(value))
		},
	}
	float64Codec = codec[float64]{
		size: 8,
		load: func(data []byte, idx int) float64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(data[8*idx:]))
		},
		store: func(data []byte, idx int, value float64) {
			binary.LittleEndian.PutUint64(data[8*idx:], math.Float64bits(value))
		},
	}
	int32Codec = codec[int32]{
		size: 4,
		load: func(data []byte, idx int) int32 {
			return int32(binary.LittleEndian.Uint32(data[4*idx:]))
		},
		store: func(data []byte, idx int, value int32) {
			binary.LittleEndian.PutUint32(data[4*idx:], uint32(value))
		},
	}
	int64Codec = codec[int64]{
		size: 8,
		load: func(data []byte, idx int) int64 {
			return int64(binary.LittleEndian.Uint64(data[8*idx:]))
		},
		store: func(data []byte, idx int, value int64) {
			binary.LittleEndian.PutUint64(data[8*idx:], uint64(value))
		},
	}
)

// launchArgs are the launch arguments resolved to host memory, indexed by parameter index.
type launchArgs struct {
	data    [][]byte
	ints    []int
	scalars []backends.Arg
	total   int
}

// Launch implements backends.Toolkit. It returns only after the kernel finished running.
func (t *Toolkit) Launch(ctx context.Context, compiled backends.CompiledKernel, args []backends.Arg, device backends.DeviceNum) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "host toolkit: kernel launch cancelled")
	}
	kernel, ok := compiled.(*Kernel)
	if !ok {
		return errors.Errorf("host toolkit: kernel %T was not compiled by the host toolkit", compiled)
	}
	if err := t.checkDevice(device); err != nil {
		return err
	}
	resolved, err := t.resolveArgs(kernel, args, device)
	if err != nil {
		return errors.WithMessagef(err, "host toolkit: launching kernel %s", kernel.name)
	}
	if klog.V(2).Enabled() {
		klog.Infof("host toolkit: launching %s on device #%d over %d elements", kernel.name, device, resolved.total)
	}
	switch kernel.dtype {
	case dtypes.Float16:
		err = execute(t, kernel, float16Codec, resolved)
	case dtypes.Float32:
		err = execute(t, kernel, float32Codec, resolved)
	case dtypes.Float64:
		err = execute(t, kernel, float64Codec, resolved)
	case dtypes.Int32:
		err = execute(t, kernel, int32Codec, resolved)
	case dtypes.Int64:
		err = execute(t, kernel, int64Codec, resolved)
	default:
		err = errors.Errorf("dtype %s not supported", kernel.dtype)
	}
	if err != nil {
		return errors.WithMessagef(err, "host toolkit: device #%d fault running kernel %s", device, kernel.name)
	}
	return nil
}

func (t *Toolkit) resolveArgs(kernel *Kernel, args []backends.Arg, device backends.DeviceNum) (*launchArgs, error) {
	if len(args) != len(kernel.params) {
		return nil, errors.Errorf("kernel takes %d arguments, %d given", len(kernel.params), len(args))
	}
	numParams := len(kernel.params)
	resolved := &launchArgs{
		data:    make([][]byte, numParams),
		ints:    make([]int, numParams),
		scalars: make([]backends.Arg, numParams),
	}
	for ii, param := range kernel.params {
		arg := args[ii]
		if arg.Kind != param.kind {
			return nil, errors.Errorf("argument #%d (%q) must be %s, got %s", ii, param.name, param.kind, arg)
		}
		switch arg.Kind {
		case backends.ArgPointer:
			alloc, err := t.lookup(arg.Ptr, 0, 0)
			if err != nil {
				return nil, errors.WithMessagef(err, "argument #%d (%q)", ii, param.name)
			}
			if alloc.device != device {
				return nil, errors.Errorf("argument #%d (%q): pointer %s is on device #%d, launching on device #%d",
					ii, param.name, arg.Ptr, alloc.device, device)
			}
			resolved.data[ii] = alloc.data
		case backends.ArgInt:
			resolved.ints[ii] = int(arg.Int)
		case backends.ArgScalar:
			resolved.scalars[ii] = arg
		}
	}
	resolved.total = 1
	for axis, paramIdx := range kernel.iterDims {
		dim := resolved.ints[paramIdx]
		if dim < 1 {
			return nil, errors.Errorf("iteration dimension n%d must be >= 1, got %d", axis, dim)
		}
		resolved.total *= dim
	}
	return resolved, nil
}

// execute the kernel in chunks, in parallel if workers are available.
func execute[T number](t *Toolkit, kernel *Kernel, c codec[T], args *launchArgs) error {
	for _, st := range kernel.stores {
		if need := args.total * c.size; need > len(args.data[st.ptr]) {
			return errors.Errorf("output %q needs %d bytes, allocation has only %d",
				kernel.params[st.ptr].name, need, len(args.data[st.ptr]))
		}
	}
	scalars := make([]T, len(kernel.params))
	for ii, param := range kernel.params {
		if param.kind == backends.ArgScalar {
			scalars[ii] = scalarValue[T](args.scalars[ii])
		}
	}
	numChunks := (args.total + chunkSize - 1) / chunkSize
	var (
		muErr    sync.Mutex
		firstErr error
	)
	t.pool.Run(numChunks, func(chunkIdx int) {
		start := chunkIdx * chunkSize
		end := min(start+chunkSize, args.total)
		var err error
		panicErr := exceptions.TryCatch[error](func() {
			err = runRange(kernel, c, args, scalars, start, end)
		})
		if panicErr != nil {
			err = errors.Wrapf(panicErr, "elements [%d, %d)", start, end)
		}
		if err != nil {
			muErr.Lock()
			if firstErr == nil {
				firstErr = err
			}
			muErr.Unlock()
		}
	})
	return firstErr
}

// scalarValue converts a scalar argument to T. Integer kernels take Arg.Int, so 64-bit values are exact.
func scalarValue[T number](arg backends.Arg) T {
	var zero T
	switch any(zero).(type) {
	case int32, int64:
		if arg.DType.IsFloat() {
			return T(arg.Float)
		}
		return T(arg.Int)
	}
	if !arg.DType.IsFloat() {
		return T(arg.Int)
	}
	return T(arg.Float)
}

// runRange executes the kernel for the flat iteration indices in [start, end).
func runRange[T number](kernel *Kernel, c codec[T], args *launchArgs, scalars []T, start, end int) error {
	regs := make([]T, kernel.numRegs)
	offsets := make([]int, len(kernel.offsets))
	var iterDims, coords [shapes.Rank]int
	for axis, paramIdx := range kernel.iterDims {
		iterDims[axis] = args.ints[paramIdx]
	}
	for g := start; g < end; g++ {
		if !kernel.linear {
			rest := g
			for axis := range shapes.Rank {
				coords[axis] = rest % iterDims[axis]
				rest /= iterDims[axis]
			}
		}
		for ii := range kernel.offsets {
			offsets[ii] = kernel.offsets[ii].eval(g, coords, args.ints)
		}
		for ii := range kernel.instrs {
			in := &kernel.instrs[ii]
			switch in.kind {
			case instrRead:
				idx := offsets[in.offset]
				data := args.data[in.param]
				if idx < 0 || (idx+1)*c.size > len(data) {
					return errors.Errorf("out of bounds read of element %d of %q (%d bytes) at iteration index %d",
						idx, kernel.params[in.param].name, len(data), g)
				}
				regs[in.dst] = c.load(data, idx)
			case instrScalar:
				regs[in.dst] = scalars[in.param]
			case instrOp:
				regs[in.dst] = applyOp(in.op, regs[in.srcs[0]], regs[in.srcs[1]])
			}
		}
		for _, st := range kernel.stores {
			c.store(args.data[st.ptr], g, regs[st.src])
		}
	}
	return nil
}

// eval returns the element index of the offset for the iteration index g with coordinates coords.
func (o *offsetDecl) eval(g int, coords [shapes.Rank]int, ints []int) int {
	idx := ints[o.base]
	switch o.kind {
	case offsetLinear:
		return idx + g
	case offsetStrided:
		for axis := range shapes.Rank {
			if coords[axis] < ints[o.dims[axis]] {
				idx += coords[axis] * ints[o.strides[axis]]
			}
		}
	case offsetReshape:
		flat := 0
		for axis := range shapes.Rank {
			flat += coords[axis] * ints[o.pitches[axis]]
		}
		for axis := range shapes.Rank {
			dim := ints[o.dims[axis]]
			idx += (flat % dim) * ints[o.strides[axis]]
			flat /= dim
		}
	}
	return idx
}

// applyOp for binary ops takes both operands, unary ops ignore b.
// Integer division by zero panics, and is reported by execute as a device fault.
func applyOp[T number](op opCode, a, b T) T {
	switch op {
	case opAdd:
		return a + b
	case opSub:
		return a - b
	case opMul:
		return a * b
	case opDiv:
		return a / b
	case opMin:
		return min(a, b)
	case opMax:
		return max(a, b)
	case opNeg:
		return -a
	case opAbs:
		if a < 0 {
			return -a
		}
		return a
	case opSqrt:
		return T(math.Sqrt(float64(a)))
	case opExp:
		return T(math.Exp(float64(a)))
	case opLog:
		return T(math.Log(float64(a)))
	}
	exceptions.Panicf("host toolkit: unknown op code %d", op)
	return a
}
