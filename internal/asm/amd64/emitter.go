// Package amd64 implements the register pool's emitter for amd64 on top of golang-asm.
package amd64

import (
	"bytes"
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/asm/golang_asm"
)

// constantAlignment is the alignment of constant pool entries so that vectors can be loaded with aligned moves.
const constantAlignment = 16

// Emitter emits the instructions of one function. Emitters are not reused across functions.
//
// Stack slots are addressed relative to R14 and constant pool entries relative to R13.
// The caller of the generated code must set both up.
type Emitter struct {
	*golang_asm.GolangAsmBaseAssembler
	// inUse holds the allocated registers.
	inUse mapset.Set[asm.Register]
	// constants are the constant pool entries, each constantAlignment bytes apart.
	constants [][]byte
	frameSize int64
}

// NewEmitter returns an Emitter with an empty instruction list.
func NewEmitter() (*Emitter, error) {
	base, err := golang_asm.NewGolangAsmBaseAssembler("amd64")
	if err != nil {
		return nil, err
	}
	return &Emitter{GolangAsmBaseAssembler: base, inUse: mapset.NewThreadUnsafeSet[asm.Register]()}, nil
}

// Allocate implements regalloc.Emitter.
func (e *Emitter) Allocate(class asm.RegisterClass) (asm.Register, error) {
	var candidates []asm.Register
	switch class {
	case asm.RegisterClassGeneralPurpose:
		candidates = unreservedGeneralPurposeRegisters
	case asm.RegisterClassFloat, asm.RegisterClassVector:
		candidates = unreservedVectorRegisters
	default:
		return asm.NilRegister, errors.Errorf("unknown register class %s", class)
	}
	for _, r := range candidates {
		if !e.inUse.Contains(r) {
			e.inUse.Add(r)
			return r, nil
		}
	}
	return asm.NilRegister, errors.Errorf("no free %s register", class)
}

// Free implements regalloc.Emitter.
func (e *Emitter) Free(reg asm.Register) {
	e.inUse.Remove(reg)
}

// InUse returns the number of allocated registers.
func (e *Emitter) InUse() int {
	return e.inUse.Cardinality()
}

func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

// Immediate implements regalloc.Emitter.
func (e *Emitter) Immediate(v int64) asm.Operand {
	if !fitsInt32(v) {
		return asm.ImmediateOperand(v, asm.Width64)
	}
	return asm.ImmediateOperand(v, asm.Width32)
}

// StackSlot implements regalloc.Emitter.
func (e *Emitter) StackSlot(w asm.Width) (asm.Operand, error) {
	switch w {
	case asm.Width32, asm.Width64, asm.Width128:
	default:
		return asm.Operand{}, errors.Errorf("invalid stack slot width %d", w)
	}
	// Align to the width.
	off := (e.frameSize + int64(w) - 1) &^ (int64(w) - 1)
	e.frameSize = off + int64(w)
	return asm.MemoryOperand(asm.MemoryKindStackSlot, frameBaseRegister, off, w), nil
}

// FrameSize returns the number of bytes of stack slots reserved so far.
func (e *Emitter) FrameSize() int64 {
	return e.frameSize
}

// ConstantPool implements regalloc.Emitter. Equal entries are stored once.
func (e *Emitter) ConstantPool(data []byte) (asm.Operand, error) {
	if len(data) == 0 || len(data) > constantAlignment {
		return asm.Operand{}, errors.Errorf("invalid constant size %d", len(data))
	}
	idx := -1
	for i, c := range e.constants {
		if bytes.Equal(c, data) {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(e.constants)
		e.constants = append(e.constants, append([]byte(nil), data...))
	}
	return asm.MemoryOperand(asm.MemoryKindConstantPool, constantPoolBaseRegister,
		int64(idx*constantAlignment), asm.Width(len(data))), nil
}

// ConstantPoolData returns the contents of the constant pool, each entry padded to 16 bytes.
func (e *Emitter) ConstantPoolData() []byte {
	ret := make([]byte, len(e.constants)*constantAlignment)
	for i, c := range e.constants {
		copy(ret[i*constantAlignment:], c)
	}
	return ret
}

// GlobalAddress implements regalloc.Emitter.
func (e *Emitter) GlobalAddress(addr uintptr, w asm.Width) (asm.Operand, error) {
	if addr == 0 {
		return asm.Operand{}, errors.New("nil global address")
	}
	return asm.MemoryOperand(asm.MemoryKindGlobal, asm.NilRegister, int64(addr), w), nil
}

// memoryAddr converts the memory operand to obj.Addr. Globals first have their absolute
// address loaded into the scratch register.
func (e *Emitter) memoryAddr(op asm.Operand) (obj.Addr, error) {
	if !op.IsMemory() {
		return obj.Addr{}, errors.Errorf("%s is not a memory operand", op)
	}
	switch op.Memory {
	case asm.MemoryKindGlobal:
		e.compileConstToRegister(x86.AMOVQ, op.Offset, globalAddressRegister)
		return obj.Addr{Type: obj.TYPE_MEM, Reg: int16(globalAddressRegister)}, nil
	case asm.MemoryKindStackSlot, asm.MemoryKindConstantPool:
		return obj.Addr{Type: obj.TYPE_MEM, Reg: int16(op.Base), Offset: op.Offset}, nil
	default:
		return obj.Addr{}, errors.Errorf("unknown memory kind %s", op.Memory)
	}
}

func (e *Emitter) compileConstToRegister(inst obj.As, v int64, dst asm.Register) {
	p := e.NewProg()
	p.As = inst
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = v
	p.To.Type = obj.TYPE_REG
	p.To.Reg = int16(dst)
	e.AddInstruction(p)
}

func (e *Emitter) compile(inst obj.As, from, to obj.Addr) {
	p := e.NewProg()
	p.As = inst
	p.From = from
	p.To = to
	e.AddInstruction(p)
}

func registerAddr(r asm.Register) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: int16(r)}
}

// moveInstruction selects the move for a register of the given bank and width.
func moveInstruction(reg asm.Register, w asm.Width) (obj.As, error) {
	switch {
	case isGeneralPurposeRegister(reg):
		switch w {
		case asm.Width32:
			return x86.AMOVL, nil
		case asm.Width64:
			return x86.AMOVQ, nil
		}
	case isVectorRegister(reg):
		switch w {
		case asm.Width32:
			return x86.AMOVSS, nil
		case asm.Width64:
			return x86.AMOVSD, nil
		case asm.Width128:
			return x86.AMOVUPS, nil
		}
	}
	return obj.AXXX, errors.Errorf("no move for %s with width %d", RegisterName(reg), w)
}

// Load implements regalloc.Emitter.
func (e *Emitter) Load(dst asm.Register, src asm.Operand) error {
	switch {
	case src.IsImmediate():
		if !isGeneralPurposeRegister(dst) {
			return errors.Errorf("immediate load into %s", RegisterName(dst))
		}
		inst, err := moveInstruction(dst, src.Width)
		if err != nil {
			return err
		}
		if src.Width == asm.Width32 && !fitsInt32(src.Immediate) {
			return errors.Errorf("immediate %d does not fit %d bytes", src.Immediate, src.Width)
		}
		e.compileConstToRegister(inst, src.Immediate, dst)
		return nil
	case src.IsMemory():
		inst, err := moveInstruction(dst, src.Width)
		if err != nil {
			return err
		}
		from, err := e.memoryAddr(src)
		if err != nil {
			return err
		}
		e.compile(inst, from, registerAddr(dst))
		return nil
	default:
		return errors.Errorf("cannot load %s", src)
	}
}

// LoadAddress implements regalloc.Emitter.
func (e *Emitter) LoadAddress(dst asm.Register, src asm.Operand) error {
	if !isGeneralPurposeRegister(dst) {
		return errors.Errorf("address load into %s", RegisterName(dst))
	}
	if src.IsMemory() && src.Memory == asm.MemoryKindGlobal {
		e.compileConstToRegister(x86.AMOVQ, src.Offset, dst)
		return nil
	}
	from, err := e.memoryAddr(src)
	if err != nil {
		return err
	}
	e.compile(x86.ALEAQ, from, registerAddr(dst))
	return nil
}

// Store implements regalloc.Emitter.
func (e *Emitter) Store(dst asm.Operand, src asm.Register) error {
	inst, err := moveInstruction(src, dst.Width)
	if err != nil {
		return err
	}
	to, err := e.memoryAddr(dst)
	if err != nil {
		return err
	}
	e.compile(inst, registerAddr(src), to)
	return nil
}

// Move copies src into dst.
func (e *Emitter) Move(dst asm.Register, src asm.Operand) error {
	if !src.IsRegister() {
		return e.Load(dst, src)
	}
	if isVectorRegister(dst) != isVectorRegister(src.Register) {
		return errors.Errorf("move between register banks %s <- %s", RegisterName(dst), RegisterName(src.Register))
	}
	inst, err := moveInstruction(dst, src.Width)
	if err != nil {
		return err
	}
	if inst == x86.AMOVUPS {
		inst = x86.AMOVAPS
	}
	e.compile(inst, registerAddr(src.Register), registerAddr(dst))
	return nil
}

var binaryInstructions = map[asm.BinaryOp]map[bool]map[asm.Width]obj.As{
	asm.BinaryOpAdd: {
		false: {asm.Width32: x86.AADDL, asm.Width64: x86.AADDQ},
		true:  {asm.Width32: x86.AADDSS, asm.Width64: x86.AADDSD, asm.Width128: x86.AADDPS},
	},
	asm.BinaryOpSub: {
		false: {asm.Width32: x86.ASUBL, asm.Width64: x86.ASUBQ},
		true:  {asm.Width32: x86.ASUBSS, asm.Width64: x86.ASUBSD, asm.Width128: x86.ASUBPS},
	},
	asm.BinaryOpMul: {
		false: {asm.Width32: x86.AIMULL, asm.Width64: x86.AIMULQ},
		true:  {asm.Width32: x86.AMULSS, asm.Width64: x86.AMULSD, asm.Width128: x86.AMULPS},
	},
}

// Binary emits dst = dst op src.
func (e *Emitter) Binary(op asm.BinaryOp, dst asm.Register, src asm.Operand) error {
	vector := isVectorRegister(dst)
	inst, ok := binaryInstructions[op][vector][src.Width]
	if !ok {
		return errors.Errorf("no %s instruction for %s with width %d", op, RegisterName(dst), src.Width)
	}

	var from obj.Addr
	switch {
	case src.IsRegister():
		from = registerAddr(src.Register)
	case src.IsImmediate():
		if vector {
			return errors.Errorf("immediate operand for %s", RegisterName(dst))
		}
		// Arithmetic immediates are sign extended from 32 bits.
		if !fitsInt32(src.Immediate) {
			return errors.Errorf("immediate %d does not fit 4 bytes", src.Immediate)
		}
		from = obj.Addr{Type: obj.TYPE_CONST, Offset: src.Immediate}
	case src.IsMemory():
		if src.Width == asm.Width128 && src.Memory != asm.MemoryKindConstantPool {
			// Packed arithmetic requires aligned memory operands, which only the constant pool guarantees.
			return errors.Errorf("unaligned vector operand %s", src)
		}
		var err error
		if from, err = e.memoryAddr(src); err != nil {
			return err
		}
	default:
		return errors.Errorf("invalid operand %s", src)
	}
	e.compile(inst, from, registerAddr(dst))
	return nil
}
