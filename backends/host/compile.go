// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lazyjit/backends"
	"github.com/gomlx/lazyjit/types/shapes"
	"github.com/pkg/errors"
)

// opCode of an "op" statement.
type opCode int

const (
	opAdd opCode = iota
	opSub
	opMul
	opDiv
	opMin
	opMax
	opNeg
	opAbs
	opSqrt
	opExp
	opLog
)

type opDef struct {
	code      opCode
	arity     int
	floatOnly bool
}

var opDefs = map[string]opDef{
	"add":  {opAdd, 2, false},
	"sub":  {opSub, 2, false},
	"mul":  {opMul, 2, false},
	"div":  {opDiv, 2, false},
	"min":  {opMin, 2, false},
	"max":  {opMax, 2, false},
	"neg":  {opNeg, 1, false},
	"abs":  {opAbs, 1, false},
	"sqrt": {opSqrt, 1, true},
	"exp":  {opExp, 1, true},
	"log":  {opLog, 1, true},
}

type paramDecl struct {
	kind  backends.ArgKind
	dtype dtypes.DType
	name  string
}

type offsetKind int

const (
	offsetLinear offsetKind = iota
	offsetStrided
	offsetReshape
)

// offsetDecl computes the element index read by an input, for each iteration index.
// All fields are indices of int parameters.
type offsetDecl struct {
	kind    offsetKind
	base    int
	dims    [shapes.Rank]int
	strides [shapes.Rank]int
	pitches [shapes.Rank]int
}

type instrKind int

const (
	instrRead instrKind = iota
	instrScalar
	instrOp
)

// instr computes the value of one register.
type instr struct {
	kind   instrKind
	dst    int
	param  int // Pointer param for reads, scalar param for scalars.
	offset int
	op     opCode
	srcs   [2]int
}

type storeDecl struct {
	ptr, src int
}

// Kernel is the host toolkit's backends.CompiledKernel: a parsed kernel program.
type Kernel struct {
	name     string
	linear   bool
	dtype    dtypes.DType
	params   []paramDecl
	iterDims [shapes.Rank]int
	offsets  []offsetDecl
	instrs   []instr
	stores   []storeDecl
	numRegs  int
}

// Compile-time check that Kernel implements backends.CompiledKernel.
var _ backends.CompiledKernel = &Kernel{}

// Name implements backends.CompiledKernel.
func (k *Kernel) Name() string { return k.name }

// NumParams implements backends.CompiledKernel.
func (k *Kernel) NumParams() int { return len(k.params) }

// IsLinear returns whether the kernel uses the flat indexing variant.
func (k *Kernel) IsLinear() bool { return k.linear }

// kernelParser holds the symbol tables while parsing one kernel source.
type kernelParser struct {
	k         *Kernel
	lineNum   int
	line      string
	params    map[string]int
	offsets   map[string]int
	registers map[string]int
	finished  bool
}

// Compile parses the kernel source into a Kernel. See package graph for the format.
func (t *Toolkit) Compile(source string) (backends.CompiledKernel, error) {
	return Parse(source)
}

// Parse kernel source text into a Kernel.
func Parse(source string) (*Kernel, error) {
	p := &kernelParser{
		k:         &Kernel{dtype: dtypes.InvalidDType},
		params:    make(map[string]int),
		offsets:   make(map[string]int),
		registers: make(map[string]int),
	}
	for lineIdx, line := range strings.Split(source, "\n") {
		p.lineNum = lineIdx + 1
		p.line = strings.TrimSpace(line)
		if p.line == "" || strings.HasPrefix(p.line, "#") {
			continue
		}
		if p.finished {
			return nil, p.errorf("statement after \"end\"")
		}
		if err := p.statement(strings.Fields(p.line)); err != nil {
			return nil, err
		}
	}
	if p.k.name == "" {
		return nil, errors.New("host toolkit: empty kernel source, missing \"kernel\" statement")
	}
	if !p.finished {
		return nil, errors.Errorf("host toolkit: kernel %s: missing \"end\" statement", p.k.name)
	}
	if err := p.checkIterationParams(); err != nil {
		return nil, err
	}
	if len(p.k.stores) == 0 {
		return nil, errors.Errorf("host toolkit: kernel %s has no outputs", p.k.name)
	}
	return p.k, nil
}

func (p *kernelParser) errorf(format string, args ...any) error {
	return errors.Errorf("host toolkit: kernel source line %d (%q): "+format, append([]any{p.lineNum, p.line}, args...)...)
}

func (p *kernelParser) statement(tokens []string) error {
	if p.k.name == "" && tokens[0] != "kernel" {
		return p.errorf("first statement must be \"kernel\"")
	}
	switch tokens[0] {
	case "kernel":
		if p.k.name != "" {
			return p.errorf("duplicate \"kernel\" statement")
		}
		if len(tokens) != 3 {
			return p.errorf("expected \"kernel <name> <linear|strided>\"")
		}
		p.k.name = tokens[1]
		switch tokens[2] {
		case "linear":
			p.k.linear = true
		case "strided":
			p.k.linear = false
		default:
			return p.errorf("unknown kernel variant %q", tokens[2])
		}
		return nil
	case "param":
		return p.param(tokens)
	case "offset":
		return p.offset(tokens)
	case "read":
		return p.read(tokens)
	case "scalar":
		return p.scalar(tokens)
	case "op":
		return p.op(tokens)
	case "store":
		return p.store(tokens)
	case "end":
		if len(tokens) != 1 {
			return p.errorf("unexpected tokens after \"end\"")
		}
		p.finished = true
		return nil
	}
	return p.errorf("unknown statement %q", tokens[0])
}

// useDType checks the dtype token and that it matches the kernel dtype: the host toolkit
// only runs kernels of one dtype.
func (p *kernelParser) useDType(token string) (dtypes.DType, error) {
	dtype, ok := backends.DTypeFromToken(token)
	if !ok {
		return dtype, p.errorf("unknown dtype %q", token)
	}
	if p.k.dtype == dtypes.InvalidDType {
		p.k.dtype = dtype
	} else if p.k.dtype != dtype {
		return dtype, p.errorf("mixed dtypes %s and %s are not supported in one kernel",
			backends.DTypeToken(p.k.dtype), token)
	}
	return dtype, nil
}

func (p *kernelParser) param(tokens []string) error {
	var decl paramDecl
	switch {
	case len(tokens) == 4 && tokens[1] == "ptr":
		decl.kind = backends.ArgPointer
	case len(tokens) == 3 && tokens[1] == "int":
		decl.kind = backends.ArgInt
	case len(tokens) == 4 && tokens[1] == "scalar":
		decl.kind = backends.ArgScalar
	default:
		return p.errorf("expected \"param ptr|scalar <dtype> <name>\" or \"param int <name>\"")
	}
	if decl.kind != backends.ArgInt {
		var err error
		if decl.dtype, err = p.useDType(tokens[2]); err != nil {
			return err
		}
	}
	decl.name = tokens[len(tokens)-1]
	if _, found := p.params[decl.name]; found {
		return p.errorf("duplicate parameter %q", decl.name)
	}
	p.params[decl.name] = len(p.k.params)
	p.k.params = append(p.k.params, decl)
	return nil
}

func (p *kernelParser) paramOfKind(name string, kind backends.ArgKind) (int, error) {
	idx, found := p.params[name]
	if !found {
		return 0, p.errorf("undeclared parameter %q", name)
	}
	if p.k.params[idx].kind != kind {
		return 0, p.errorf("parameter %q is %s, expected %s", name, p.k.params[idx].kind, kind)
	}
	return idx, nil
}

func (p *kernelParser) intParams(names []string, dst []int) error {
	for ii, name := range names {
		idx, err := p.paramOfKind(name, backends.ArgInt)
		if err != nil {
			return err
		}
		dst[ii] = idx
	}
	return nil
}

func (p *kernelParser) offset(tokens []string) error {
	if len(tokens) < 4 {
		return p.errorf("expected \"offset <name> <linear|strided|reshape> <params...>\"")
	}
	name := tokens[1]
	if _, found := p.offsets[name]; found {
		return p.errorf("duplicate offset %q", name)
	}
	var decl offsetDecl
	var wantArgs int
	switch tokens[2] {
	case "linear":
		decl.kind, wantArgs = offsetLinear, 1
	case "strided":
		decl.kind, wantArgs = offsetStrided, 1+2*shapes.Rank
	case "reshape":
		decl.kind, wantArgs = offsetReshape, 1+3*shapes.Rank
	default:
		return p.errorf("unknown offset kind %q", tokens[2])
	}
	args := tokens[3:]
	if len(args) != wantArgs {
		return p.errorf("offset %s takes %d parameters, got %d", tokens[2], wantArgs, len(args))
	}
	if decl.kind != offsetLinear && p.k.linear {
		return p.errorf("offset %s not allowed in a linear kernel", tokens[2])
	}
	var err error
	if decl.base, err = p.paramOfKind(args[0], backends.ArgInt); err != nil {
		return err
	}
	if decl.kind != offsetLinear {
		if err = p.intParams(args[1:1+shapes.Rank], decl.dims[:]); err != nil {
			return err
		}
		if err = p.intParams(args[1+shapes.Rank:1+2*shapes.Rank], decl.strides[:]); err != nil {
			return err
		}
	}
	if decl.kind == offsetReshape {
		if err = p.intParams(args[1+2*shapes.Rank:], decl.pitches[:]); err != nil {
			return err
		}
	}
	p.offsets[name] = len(p.k.offsets)
	p.k.offsets = append(p.k.offsets, decl)
	return nil
}

func (p *kernelParser) newRegister(name string) (int, error) {
	if _, found := p.registers[name]; found {
		return 0, p.errorf("register %q assigned twice", name)
	}
	idx := p.k.numRegs
	p.registers[name] = idx
	p.k.numRegs++
	return idx, nil
}

func (p *kernelParser) register(name string) (int, error) {
	idx, found := p.registers[name]
	if !found {
		return 0, p.errorf("undefined register %q", name)
	}
	return idx, nil
}

func (p *kernelParser) read(tokens []string) error {
	if len(tokens) != 5 {
		return p.errorf("expected \"read <register> <dtype> <ptr> <offset>\"")
	}
	in := instr{kind: instrRead}
	var err error
	if _, err = p.useDType(tokens[2]); err != nil {
		return err
	}
	if in.param, err = p.paramOfKind(tokens[3], backends.ArgPointer); err != nil {
		return err
	}
	var found bool
	if in.offset, found = p.offsets[tokens[4]]; !found {
		return p.errorf("undeclared offset %q", tokens[4])
	}
	if in.dst, err = p.newRegister(tokens[1]); err != nil {
		return err
	}
	p.k.instrs = append(p.k.instrs, in)
	return nil
}

func (p *kernelParser) scalar(tokens []string) error {
	if len(tokens) != 4 {
		return p.errorf("expected \"scalar <register> <dtype> <param>\"")
	}
	in := instr{kind: instrScalar}
	var err error
	if _, err = p.useDType(tokens[2]); err != nil {
		return err
	}
	if in.param, err = p.paramOfKind(tokens[3], backends.ArgScalar); err != nil {
		return err
	}
	if in.dst, err = p.newRegister(tokens[1]); err != nil {
		return err
	}
	p.k.instrs = append(p.k.instrs, in)
	return nil
}

func (p *kernelParser) op(tokens []string) error {
	if len(tokens) < 5 {
		return p.errorf("expected \"op <register> <dtype> <opname> <operands...>\"")
	}
	dtype, err := p.useDType(tokens[2])
	if err != nil {
		return err
	}
	def, found := opDefs[tokens[3]]
	if !found {
		return p.errorf("unknown op %q", tokens[3])
	}
	if def.floatOnly && !dtype.IsFloat() {
		return p.errorf("op %q requires a float dtype, got %s", tokens[3], tokens[2])
	}
	operands := tokens[4:]
	if len(operands) != def.arity {
		return p.errorf("op %q takes %d operands, got %d", tokens[3], def.arity, len(operands))
	}
	in := instr{kind: instrOp, op: def.code}
	for ii, name := range operands {
		if in.srcs[ii], err = p.register(name); err != nil {
			return err
		}
	}
	if in.dst, err = p.newRegister(tokens[1]); err != nil {
		return err
	}
	p.k.instrs = append(p.k.instrs, in)
	return nil
}

func (p *kernelParser) store(tokens []string) error {
	if len(tokens) != 3 {
		return p.errorf("expected \"store <ptr> <register>\"")
	}
	var decl storeDecl
	var err error
	if decl.ptr, err = p.paramOfKind(tokens[1], backends.ArgPointer); err != nil {
		return err
	}
	if decl.src, err = p.register(tokens[2]); err != nil {
		return err
	}
	p.k.stores = append(p.k.stores, decl)
	return nil
}

// checkIterationParams: the last Rank parameters must be the int parameters n0...n3.
func (p *kernelParser) checkIterationParams() error {
	numParams := len(p.k.params)
	if numParams < shapes.Rank {
		return errors.Errorf("host toolkit: kernel %s: missing iteration dimension parameters", p.k.name)
	}
	for axis := range shapes.Rank {
		idx := numParams - shapes.Rank + axis
		param := p.k.params[idx]
		want := "n" + string(rune('0'+axis))
		if param.kind != backends.ArgInt || param.name != want {
			return errors.Errorf("host toolkit: kernel %s: parameter #%d must be \"param int %s\", got %s %q",
				p.k.name, idx, want, param.kind, param.name)
		}
		p.k.iterDims[axis] = idx
	}
	return nil
}
