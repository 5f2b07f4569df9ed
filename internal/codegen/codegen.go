// Package codegen lowers the functions of a program.Program one operation at a time,
// using a regalloc.Pool to decide where every value lives.
package codegen

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/regalloc"
	"github.com/dspjit/jitpool/internal/scope"
	"github.com/dspjit/jitpool/internal/types"
	"github.com/dspjit/jitpool/program"
)

// Arithmetic is the emitter used for lowering: the pool's emitter plus the
// instructions operations compile to.
type Arithmetic interface {
	regalloc.Emitter
	// Move copies src (register, memory or immediate) into dst.
	Move(dst asm.Register, src asm.Operand) error
	// Binary emits dst = dst op src.
	Binary(op asm.BinaryOp, dst asm.Register, src asm.Operand) error
}

// Options configure a Lowerer.
type Options struct {
	AutoVectorization bool
	Logger            *logrus.Entry
	// NewEmitter returns the emitter of one function. Required.
	NewEmitter func() (Arithmetic, error)
}

// Result is one lowered function.
type Result struct {
	Name string
	// Flushed are the globals written back at the end of the function, in write-back order.
	Flushed []string
	Emitter Arithmetic
}

// Lowerer holds the scope tree of a program and the pool reused by all its functions.
type Lowerer struct {
	prog   *program.Program
	opts   Options
	logger *logrus.Entry

	tree      *scope.Tree
	class     scope.ID
	functions map[string]scope.ID
	// initial are the initializers of locals, per function.
	initial map[string]map[string]types.Value

	pool *regalloc.Pool
}

// New declares the constants, globals and locals of p and returns a Lowerer for its functions.
func New(p *program.Program, opts Options) (*Lowerer, error) {
	if opts.NewEmitter == nil {
		return nil, errors.New("no emitter factory")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	l := &Lowerer{
		prog:      p,
		opts:      opts,
		logger:    logger.WithField("program", p.Name),
		tree:      scope.NewTree(),
		functions: map[string]scope.ID{},
		initial:   map[string]map[string]types.Value{},
	}
	if err := l.declare(); err != nil {
		return nil, err
	}
	l.pool = regalloc.NewPool(nil, l.tree, regalloc.Config{AutoVectorization: opts.AutoVectorization, Logger: l.logger})
	return l, nil
}

func (l *Lowerer) declare() (err error) {
	root := l.tree.Root()
	for _, c := range l.prog.Constants {
		if err = l.declareStorage(root, c, true); err != nil {
			return
		}
	}

	if l.class, err = l.tree.NewScope(root, scope.KindClass, l.prog.Name); err != nil {
		return
	}
	for _, g := range l.prog.Globals {
		if err = l.declareStorage(l.class, g, false); err != nil {
			return
		}
	}

	for _, fn := range l.prog.Functions {
		s, err := l.tree.NewScope(l.class, scope.KindFunction, fn.Name)
		if err != nil {
			return err
		}
		l.functions[fn.Name] = s
		initial := map[string]types.Value{}
		for _, v := range fn.Locals {
			t, err := types.Parse(v.Type)
			if err != nil {
				return errors.Wrapf(err, "%s: local %q", fn.Name, v.Name)
			}
			if _, err = l.tree.Declare(s, scope.Symbol{ID: v.Name, Type: t}); err != nil {
				return errors.Wrapf(err, "%s", fn.Name)
			}
			if initial[v.Name], err = types.ValueOf(t, v.InitialValue()); err != nil {
				return errors.Wrapf(err, "%s: local %q", fn.Name, v.Name)
			}
		}
		l.initial[fn.Name] = initial
	}
	return nil
}

func (l *Lowerer) declareStorage(s scope.ID, v program.Variable, constant bool) error {
	t, err := types.Parse(v.Type)
	if err != nil {
		return errors.Wrapf(err, "%q", v.Name)
	}
	// Spans are initialized from their element.
	scalar := t
	if t.Kind == types.KindSpan {
		scalar = types.Type{Kind: t.Elem}
	}
	init, err := types.ValueOf(scalar, v.InitialValue())
	if err != nil {
		return errors.Wrapf(err, "%q", v.Name)
	}
	_, err = l.tree.DeclareStorage(s, scope.Symbol{ID: v.Name, Type: t, Const: constant}, init)
	return err
}

// Tree returns the scope tree of the program.
func (l *Lowerer) Tree() *scope.Tree {
	return l.tree
}

// Class returns the class scope owning the globals.
func (l *Lowerer) Class() scope.ID {
	return l.class
}

// Pool returns the pool shared by all functions.
func (l *Lowerer) Pool() *regalloc.Pool {
	return l.pool
}

// LowerAll lowers every function in declaration order.
func (l *Lowerer) LowerAll() ([]*Result, error) {
	ret := make([]*Result, 0, len(l.prog.Functions))
	for _, fn := range l.prog.Functions {
		res, err := l.Lower(fn.Name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, res)
	}
	return ret, nil
}

// Lower lowers the function name as one compilation unit. Pending writes to globals are
// flushed at its end. A violated pool invariant aborts only this function and is
// returned as *regalloc.AssertionError.
func (l *Lowerer) Lower(name string) (res *Result, err error) {
	var fn *program.Function
	for i := range l.prog.Functions {
		if l.prog.Functions[i].Name == name {
			fn = &l.prog.Functions[i]
			break
		}
	}
	if fn == nil {
		return nil, errors.Errorf("unknown function %q", name)
	}

	e, err := l.opts.NewEmitter()
	if err != nil {
		return nil, errors.Wrap(err, "new emitter")
	}
	l.pool.Reset()
	l.pool.SetEmitter(e)

	defer func() {
		if r := recover(); r != nil {
			bug, ok := r.(*regalloc.AssertionError)
			if !ok {
				panic(r)
			}
			l.logger.WithError(bug).WithField("function", name).Error("aborted function")
			res, err = nil, errors.Wrapf(bug, "%s", name)
		}
	}()

	c := &compiler{
		l:         l,
		e:         e,
		scope:     l.functions[name],
		initial:   l.initial[name],
		values:    map[string]regalloc.Ref{},
		iterators: map[string]bool{},
		released:  map[string]bool{},
	}
	for i, op := range fn.Body {
		if err = c.compile(op); err != nil {
			return nil, errors.Wrapf(err, "%s: op %d (%s)", name, i, op.Op)
		}
	}

	res = &Result{Name: name, Emitter: e}
	if res.Flushed, err = c.compileExit(); err != nil {
		return nil, errors.Wrapf(err, "%s: exit", name)
	}
	l.logger.WithFields(logrus.Fields{"function": name, "flushed": len(res.Flushed)}).Debug("lowered function")
	return res, nil
}

// compiler lowers the operations of one function.
type compiler struct {
	l       *Lowerer
	e       Arithmetic
	scope   scope.ID
	initial map[string]types.Value
	// values holds one pool reference per live named value.
	values    map[string]regalloc.Ref
	iterators map[string]bool
	// released are the names whose lifetime ended in this function.
	released map[string]bool
}

func (c *compiler) compile(op program.Op) error {
	switch op.Op {
	case program.OpConst:
		return c.compileConst(op)
	case program.OpCopy:
		return c.compileCopy(op)
	case program.OpAdd:
		return c.compileBinary(asm.BinaryOpAdd, op)
	case program.OpSub:
		return c.compileBinary(asm.BinaryOpSub, op)
	case program.OpMul:
		return c.compileBinary(asm.BinaryOpMul, op)
	case program.OpIterate:
		return c.compileIterate(op)
	case program.OpRelease:
		return c.compileRelease(op)
	case program.OpFlush:
		return c.l.pool.FlushDirtyGlobals()
	default:
		return errors.Errorf("unknown operation %q", op.Op)
	}
}

// value returns the handle of name, resolving it on first use.
func (c *compiler) value(name string) (regalloc.Ref, error) {
	if r, ok := c.values[name]; ok {
		return r, nil
	}
	if c.released[name] {
		return regalloc.Ref{}, errors.Errorf("use of released %q", name)
	}
	sym, ok := c.l.tree.Lookup(c.scope, name)
	if !ok {
		return regalloc.Ref{}, errors.Errorf("undeclared %q", name)
	}
	r := c.l.pool.Resolve(c.scope, sym)
	if v, ok := c.initial[name]; ok && sym.Scope == c.scope {
		r.SetConstant(v)
	}
	c.values[name] = r
	return r, nil
}

// checkArithmetic rejects spans that do not live in a vector register.
func (c *compiler) checkArithmetic(r regalloc.Ref) error {
	t := r.Type()
	if class, _ := c.l.pool.RegisterClass(t); t.Kind == types.KindSpan && class != asm.RegisterClassVector {
		return errors.Errorf("%s of type %s is not vectorized", r.Symbol().ID, t)
	}
	return nil
}

// constant returns the operand holding v converted to the type of dst.
// Integers are immediates, floats and vectors constant pool entries.
func (c *compiler) constant(dst regalloc.Ref, v float64) (asm.Operand, error) {
	t := dst.Type()
	_, w := c.l.pool.RegisterClass(t)
	if t.Kind == types.KindSpan {
		// Vectors are broadcast from the scalar.
		lane := make([]byte, 4*t.Len)
		for i := 0; i < t.Len; i++ {
			binary.LittleEndian.PutUint32(lane[4*i:], math.Float32bits(float32(v)))
		}
		op, err := c.e.ConstantPool(lane)
		op.Width = w
		return op, err
	}

	val, err := types.ValueOf(t, v)
	if err != nil {
		return asm.Operand{}, err
	}
	switch t.RegisterKind() {
	case types.KindInteger, types.KindBlock:
		op := c.e.Immediate(val.Int64())
		op.Width = w
		return op, nil
	default:
		op, err := c.e.ConstantPool(val.Bytes())
		op.Width = w
		return op, err
	}
}

func (c *compiler) compileConst(op program.Op) error {
	dst, err := c.value(op.Dst)
	if err != nil {
		return err
	}
	if err = c.checkArithmetic(dst); err != nil {
		return err
	}

	declaring, _ := c.l.tree.ScopeForSymbol(c.scope, op.Dst)
	if !dst.IsGlobalMemory() && !c.iterators[op.Dst] && !c.l.tree.IsPureGlobalScope(declaring) {
		// Locals only need to remember the value.
		v, err := types.ValueOf(dst.Type(), op.Value)
		if err != nil {
			return err
		}
		dst.SetConstant(v)
		return nil
	}

	reg, err := dst.Write()
	if err != nil {
		return err
	}
	src, err := c.constant(dst, op.Value)
	if err != nil {
		return err
	}
	return c.e.Move(reg, src)
}

func (c *compiler) compileCopy(op program.Op) error {
	src, err := c.value(op.Src)
	if err != nil {
		return err
	}
	dst, err := c.value(op.Dst)
	if err != nil {
		return err
	}
	if err = c.checkSameClass(dst, src); err != nil {
		return err
	}

	from, err := src.Read()
	if err != nil {
		return err
	}
	reg, err := dst.Write()
	if err != nil {
		return err
	}
	if from.IsRegister() && from.Register == reg {
		return nil
	}
	return c.e.Move(reg, from)
}

func (c *compiler) compileBinary(kind asm.BinaryOp, op program.Op) error {
	dst, err := c.value(op.Dst)
	if err != nil {
		return err
	}
	if err = c.checkArithmetic(dst); err != nil {
		return err
	}

	var from asm.Operand
	if op.Src != "" {
		src, err := c.value(op.Src)
		if err != nil {
			return err
		}
		if err = c.checkSameClass(dst, src); err != nil {
			return err
		}
		if from, err = src.Read(); err != nil {
			return err
		}
	} else if from, err = c.constant(dst, op.Value); err != nil {
		return err
	}

	reg, err := dst.Write()
	if err != nil {
		return err
	}
	return c.e.Binary(kind, reg, from)
}

func (c *compiler) checkSameClass(dst, src regalloc.Ref) error {
	for _, r := range []regalloc.Ref{dst, src} {
		if err := c.checkArithmetic(r); err != nil {
			return err
		}
	}
	dc, dw := c.l.pool.RegisterClass(dst.Type())
	sc, sw := c.l.pool.RegisterClass(src.Type())
	if dc != sc || dw != sw {
		return errors.Errorf("type mismatch: %s is %s, %s is %s", dst.Symbol().ID, dst.Type(), src.Symbol().ID, src.Type())
	}
	return nil
}

func (c *compiler) compileIterate(op program.Op) error {
	r, err := c.value(op.Dst)
	if err != nil {
		return err
	}
	r.MarkIterator()
	c.iterators[op.Dst] = true
	return nil
}

func (c *compiler) compileRelease(op program.Op) error {
	if c.released[op.Dst] {
		return errors.Errorf("use of released %q", op.Dst)
	}
	r, ok := c.values[op.Dst]
	if !ok {
		return errors.Errorf("release of %q which is not live", op.Dst)
	}
	delete(c.values, op.Dst)
	delete(c.iterators, op.Dst)
	c.released[op.Dst] = true
	return c.l.pool.Release(r)
}

// compileExit writes back all dirty globals and releases the remaining values.
func (c *compiler) compileExit() ([]string, error) {
	var flushed []string
	for _, r := range c.l.pool.CollectDirtyGlobals() {
		flushed = append(flushed, r.Symbol().ID)
	}
	if err := c.l.pool.FlushDirtyGlobals(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.l.pool.Release(c.values[name]); err != nil {
			return nil, err
		}
		delete(c.values, name)
	}
	return flushed, nil
}
