// Package emittertest provides an in-memory emitter recording every call, for tests of
// the register pool and of the lowering driver.
package emittertest

import (
	"bytes"
	"fmt"
	"math"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dspjit/jitpool/internal/asm"
)

// Operation names recorded in Call.Op.
const (
	OpAllocate    = "allocate"
	OpFree        = "free"
	OpLoad        = "load"
	OpLoadAddress = "lea"
	OpStore       = "store"
	OpMove        = "move"
	OpBinary      = "binary"
)

// Call is one recorded emitter call.
type Call struct {
	Op    string
	Class asm.RegisterClass
	// Binary is only set for OpBinary.
	Binary asm.BinaryOp
	Dst    asm.Operand
	Src    asm.Operand
}

// String implements fmt.Stringer.
func (c Call) String() string {
	switch c.Op {
	case OpAllocate:
		return fmt.Sprintf("%s %s -> %s", c.Op, c.Class, c.Dst)
	case OpFree:
		return fmt.Sprintf("%s %s", c.Op, c.Dst)
	case OpBinary:
		return fmt.Sprintf("%s %s %s, %s", c.Op, c.Binary, c.Dst, c.Src)
	default:
		return fmt.Sprintf("%s %s, %s", c.Op, c.Dst, c.Src)
	}
}

// Virtual register numbering per class. Registers are never reused.
var registerBase = map[asm.RegisterClass]asm.Register{
	asm.RegisterClassGeneralPurpose: 1,
	asm.RegisterClassFloat:          1001,
	asm.RegisterClassVector:         2001,
}

// Recorder implements regalloc.Emitter and codegen.Arithmetic without emitting anything.
type Recorder struct {
	Calls []Call

	next      map[asm.RegisterClass]asm.Register
	classes   map[asm.Register]asm.RegisterClass
	inUse     mapset.Set[asm.Register]
	constants [][]byte
	frame     int64
	failures  map[string]error
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		next:     map[asm.RegisterClass]asm.Register{},
		classes:  map[asm.Register]asm.RegisterClass{},
		inUse:    mapset.NewThreadUnsafeSet[asm.Register](),
		failures: map[string]error{},
	}
}

// FailNext makes the next call of op return err.
func (r *Recorder) FailNext(op string, err error) {
	r.failures[op] = err
}

func (r *Recorder) fail(op string) error {
	if err, ok := r.failures[op]; ok {
		delete(r.failures, op)
		return err
	}
	return nil
}

func (r *Recorder) record(c Call) {
	r.Calls = append(r.Calls, c)
}

// Count returns the number of recorded calls of op.
func (r *Recorder) Count(op string) (n int) {
	for _, c := range r.Calls {
		if c.Op == op {
			n++
		}
	}
	return
}

// Ops returns the recorded operation names in order.
func (r *Recorder) Ops() []string {
	ret := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		ret[i] = c.Op
	}
	return ret
}

// InUse returns the number of allocated and not freed registers.
func (r *Recorder) InUse() int {
	return r.inUse.Cardinality()
}

// IsInUse returns true if reg is allocated and not freed.
func (r *Recorder) IsInUse(reg asm.Register) bool {
	return r.inUse.Contains(reg)
}

// ClassOf returns the class reg was allocated for.
func (r *Recorder) ClassOf(reg asm.Register) asm.RegisterClass {
	return r.classes[reg]
}

// Allocate implements regalloc.Emitter.
func (r *Recorder) Allocate(class asm.RegisterClass) (asm.Register, error) {
	if err := r.fail(OpAllocate); err != nil {
		return asm.NilRegister, err
	}
	base, ok := registerBase[class]
	if !ok {
		return asm.NilRegister, fmt.Errorf("unknown register class %s", class)
	}
	reg := base + r.next[class]
	r.next[class]++
	r.classes[reg] = class
	r.inUse.Add(reg)
	r.record(Call{Op: OpAllocate, Class: class, Dst: asm.RegisterOperand(reg, 0)})
	return reg, nil
}

// Free implements regalloc.Emitter.
func (r *Recorder) Free(reg asm.Register) {
	r.inUse.Remove(reg)
	r.record(Call{Op: OpFree, Class: r.classes[reg], Dst: asm.RegisterOperand(reg, 0)})
}

// Load implements regalloc.Emitter.
func (r *Recorder) Load(dst asm.Register, src asm.Operand) error {
	if err := r.fail(OpLoad); err != nil {
		return err
	}
	if src.IsRegister() {
		return fmt.Errorf("load from register %s", src)
	}
	r.record(Call{Op: OpLoad, Class: r.classes[dst], Dst: asm.RegisterOperand(dst, src.Width), Src: src})
	return nil
}

// LoadAddress implements regalloc.Emitter.
func (r *Recorder) LoadAddress(dst asm.Register, src asm.Operand) error {
	if err := r.fail(OpLoadAddress); err != nil {
		return err
	}
	if !src.IsMemory() {
		return fmt.Errorf("address of non memory operand %s", src)
	}
	r.record(Call{Op: OpLoadAddress, Class: r.classes[dst], Dst: asm.RegisterOperand(dst, asm.Width64), Src: src})
	return nil
}

// Store implements regalloc.Emitter.
func (r *Recorder) Store(dst asm.Operand, src asm.Register) error {
	if err := r.fail(OpStore); err != nil {
		return err
	}
	if !dst.IsMemory() {
		return fmt.Errorf("store to non memory operand %s", dst)
	}
	r.record(Call{Op: OpStore, Class: r.classes[src], Dst: dst, Src: asm.RegisterOperand(src, dst.Width)})
	return nil
}

// Move implements codegen.Arithmetic.
func (r *Recorder) Move(dst asm.Register, src asm.Operand) error {
	if err := r.fail(OpMove); err != nil {
		return err
	}
	r.record(Call{Op: OpMove, Class: r.classes[dst], Dst: asm.RegisterOperand(dst, src.Width), Src: src})
	return nil
}

// Binary implements codegen.Arithmetic.
func (r *Recorder) Binary(op asm.BinaryOp, dst asm.Register, src asm.Operand) error {
	if err := r.fail(OpBinary); err != nil {
		return err
	}
	r.record(Call{Op: OpBinary, Binary: op, Class: r.classes[dst], Dst: asm.RegisterOperand(dst, src.Width), Src: src})
	return nil
}

// Immediate implements regalloc.Emitter.
func (r *Recorder) Immediate(v int64) asm.Operand {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return asm.ImmediateOperand(v, asm.Width64)
	}
	return asm.ImmediateOperand(v, asm.Width32)
}

// StackSlot implements regalloc.Emitter.
func (r *Recorder) StackSlot(w asm.Width) (asm.Operand, error) {
	off := r.frame
	r.frame += int64(w)
	return asm.MemoryOperand(asm.MemoryKindStackSlot, asm.NilRegister, off, w), nil
}

// ConstantPool implements regalloc.Emitter. Entries are 16 bytes apart and deduplicated.
func (r *Recorder) ConstantPool(data []byte) (asm.Operand, error) {
	if len(data) == 0 || len(data) > 16 {
		return asm.Operand{}, fmt.Errorf("invalid constant size %d", len(data))
	}
	idx := -1
	for i, c := range r.constants {
		if bytes.Equal(c, data) {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(r.constants)
		r.constants = append(r.constants, append([]byte(nil), data...))
	}
	return asm.MemoryOperand(asm.MemoryKindConstantPool, asm.NilRegister, int64(idx*16), asm.Width(len(data))), nil
}

// Constants returns the number of distinct constant pool entries.
func (r *Recorder) Constants() int {
	return len(r.constants)
}

// GlobalAddress implements regalloc.Emitter.
func (r *Recorder) GlobalAddress(addr uintptr, w asm.Width) (asm.Operand, error) {
	if addr == 0 {
		return asm.Operand{}, fmt.Errorf("nil global address")
	}
	return asm.MemoryOperand(asm.MemoryKindGlobal, asm.NilRegister, int64(addr), w), nil
}
