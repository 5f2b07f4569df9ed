package asm

import "fmt"

// Register represents architecture-specific registers.
//
// The value space matches golang-asm's register numbering so that amd64 registers
// pass through to obj.Addr without translation.
type Register int16

// NilRegister is the only architecture-independent register, and
// can be used to indicate that no register is specified.
const NilRegister Register = 0

// RegisterClass selects the bank a register is allocated from.
type RegisterClass byte

const (
	// RegisterClassGeneralPurpose holds integers, blocks and scalar pointers.
	RegisterClassGeneralPurpose RegisterClass = iota
	// RegisterClassFloat holds scalar float and double values.
	RegisterClassFloat
	// RegisterClassVector holds fixed-width vectors (four packed floats).
	RegisterClassVector
)

func (c RegisterClass) String() (ret string) {
	switch c {
	case RegisterClassGeneralPurpose:
		ret = "gp"
	case RegisterClassFloat:
		ret = "float"
	case RegisterClassVector:
		ret = "vector"
	default:
		ret = fmt.Sprintf("class(%d)", byte(c))
	}
	return
}

// Width is the size of an operand in bytes.
type Width byte

const (
	Width32  Width = 4
	Width64  Width = 8
	Width128 Width = 16
)

// OperandKind tells which fields of Operand are meaningful.
type OperandKind byte

const (
	OperandKindNone OperandKind = iota
	OperandKindRegister
	OperandKindImmediate
	OperandKindMemory
)

// MemoryKind is the storage class behind a memory operand.
type MemoryKind byte

const (
	MemoryKindNone MemoryKind = iota
	// MemoryKindStackSlot is a slot in the function's frame.
	MemoryKindStackSlot
	// MemoryKindConstantPool is an entry of the function's constant pool.
	MemoryKindConstantPool
	// MemoryKindGlobal is the backing store of a global symbol. Offset holds the absolute address.
	MemoryKindGlobal
)

func (k MemoryKind) String() (ret string) {
	switch k {
	case MemoryKindNone:
		ret = "none"
	case MemoryKindStackSlot:
		ret = "stack"
	case MemoryKindConstantPool:
		ret = "const"
	case MemoryKindGlobal:
		ret = "global"
	}
	return
}

// Operand is an instruction operand as resolved by an emitter.
//
// Operand is comparable: two operands are the same storage exactly when they are ==.
type Operand struct {
	Kind      OperandKind
	Memory    MemoryKind
	Register  Register
	Base      Register
	Offset    int64
	Immediate int64
	Width     Width
}

// RegisterOperand returns the operand reading reg with the given width.
func RegisterOperand(reg Register, w Width) Operand {
	return Operand{Kind: OperandKindRegister, Register: reg, Width: w}
}

// ImmediateOperand returns an immediate operand.
func ImmediateOperand(v int64, w Width) Operand {
	return Operand{Kind: OperandKindImmediate, Immediate: v, Width: w}
}

// MemoryOperand returns a memory operand addressed as base+offset.
func MemoryOperand(kind MemoryKind, base Register, offset int64, w Width) Operand {
	return Operand{Kind: OperandKindMemory, Memory: kind, Base: base, Offset: offset, Width: w}
}

func (o Operand) IsValid() bool     { return o.Kind != OperandKindNone }
func (o Operand) IsRegister() bool  { return o.Kind == OperandKindRegister }
func (o Operand) IsImmediate() bool { return o.Kind == OperandKindImmediate }
func (o Operand) IsMemory() bool    { return o.Kind == OperandKindMemory }

// String implements fmt.Stringer.
func (o Operand) String() string {
	switch o.Kind {
	case OperandKindRegister:
		return fmt.Sprintf("reg(%d)", o.Register)
	case OperandKindImmediate:
		return fmt.Sprintf("$%d", o.Immediate)
	case OperandKindMemory:
		if o.Memory == MemoryKindGlobal {
			return fmt.Sprintf("%s[%#x]:%d", o.Memory, uint64(o.Offset), o.Width)
		}
		return fmt.Sprintf("%s[%d+%d]:%d", o.Memory, o.Base, o.Offset, o.Width)
	default:
		return "none"
	}
}

// BinaryOp is an arithmetic operation of the form dst = dst op src.
type BinaryOp byte

const (
	BinaryOpAdd BinaryOp = iota
	BinaryOpSub
	BinaryOpMul
)

func (op BinaryOp) String() (ret string) {
	switch op {
	case BinaryOpAdd:
		ret = "add"
	case BinaryOpSub:
		ret = "sub"
	case BinaryOpMul:
		ret = "mul"
	}
	return
}
