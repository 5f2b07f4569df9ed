package amd64

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dspjit/jitpool/internal/asm"
)

func newTestEmitter(t *testing.T) *Emitter {
	e, err := NewEmitter()
	require.NoError(t, err)
	return e
}

func TestEmitter_Allocate(t *testing.T) {
	e := newTestEmitter(t)

	allocated := map[asm.Register]struct{}{}
	for range unreservedGeneralPurposeRegisters {
		r, err := e.Allocate(asm.RegisterClassGeneralPurpose)
		require.NoError(t, err)
		require.True(t, isGeneralPurposeRegister(r))
		for _, reserved := range []asm.Register{constantPoolBaseRegister, frameBaseRegister, globalAddressRegister, reservedRegister, RegSP, RegBP} {
			require.NotEqual(t, reserved, r)
		}
		allocated[r] = struct{}{}
	}
	require.Len(t, allocated, len(unreservedGeneralPurposeRegisters))

	_, err := e.Allocate(asm.RegisterClassGeneralPurpose)
	require.Error(t, err)

	e.Free(RegCX)
	r, err := e.Allocate(asm.RegisterClassGeneralPurpose)
	require.NoError(t, err)
	require.Equal(t, RegCX, r)

	f, err := e.Allocate(asm.RegisterClassFloat)
	require.NoError(t, err)
	require.Equal(t, RegX0, f)
	v, err := e.Allocate(asm.RegisterClassVector)
	require.NoError(t, err)
	require.True(t, isVectorRegister(v))
	require.NotEqual(t, f, v)
	require.Equal(t, len(unreservedGeneralPurposeRegisters)+2, e.InUse())
}

func TestEmitter_Load(t *testing.T) {
	tests := []struct {
		name     string
		class    asm.RegisterClass
		src      func(e *Emitter) asm.Operand
		expected string
	}{
		{
			name:     "int immediate",
			class:    asm.RegisterClassGeneralPurpose,
			src:      func(e *Emitter) asm.Operand { return e.Immediate(5) },
			expected: "MOVL\t$5, AX\n",
		},
		{
			name:  "block immediate",
			class: asm.RegisterClassGeneralPurpose,
			src: func(e *Emitter) asm.Operand {
				op := e.Immediate(7)
				op.Width = asm.Width64
				return op
			},
			expected: "MOVQ\t$7, AX\n",
		},
		{
			name:  "float constant",
			class: asm.RegisterClassFloat,
			src: func(e *Emitter) asm.Operand {
				op, err := e.ConstantPool([]byte{0, 0, 0x80, 0x3f})
				require.NoError(t, err)
				return op
			},
			expected: "MOVSS\t(R13), X0\n",
		},
		{
			name:  "double stack slot",
			class: asm.RegisterClassFloat,
			src: func(e *Emitter) asm.Operand {
				_, err := e.StackSlot(asm.Width32)
				require.NoError(t, err)
				op, err := e.StackSlot(asm.Width64)
				require.NoError(t, err)
				return op
			},
			expected: "MOVSD\t8(R14), X0\n",
		},
		{
			name:  "vector global",
			class: asm.RegisterClassVector,
			src: func(e *Emitter) asm.Operand {
				op, err := e.GlobalAddress(0x1000, asm.Width128)
				require.NoError(t, err)
				return op
			},
			expected: "MOVQ\t$4096, R12\nMOVUPS\t(R12), X0\n",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEmitter(t)
			dst, err := e.Allocate(tc.class)
			require.NoError(t, err)
			require.NoError(t, e.Load(dst, tc.src(e)))
			require.Equal(t, tc.expected, e.Listing())
		})
	}
}

func TestEmitter_Load_errors(t *testing.T) {
	e := newTestEmitter(t)
	x, err := e.Allocate(asm.RegisterClassFloat)
	require.NoError(t, err)
	require.Error(t, e.Load(x, e.Immediate(1)))
	require.Error(t, e.Load(x, asm.RegisterOperand(RegAX, asm.Width32)))
	require.Error(t, e.LoadAddress(x, asm.MemoryOperand(asm.MemoryKindStackSlot, frameBaseRegister, 0, asm.Width64)))
	require.Equal(t, 0, e.Len())
}

func TestEmitter_immediateRange(t *testing.T) {
	e := newTestEmitter(t)
	require.Equal(t, asm.ImmediateOperand(5000000000, asm.Width64), e.Immediate(5000000000))
	require.Equal(t, asm.ImmediateOperand(-5, asm.Width32), e.Immediate(-5))

	require.EqualError(t, e.Load(RegAX, asm.ImmediateOperand(5000000000, asm.Width32)),
		"immediate 5000000000 does not fit 4 bytes")
	require.EqualError(t, e.Binary(asm.BinaryOpAdd, RegAX, asm.ImmediateOperand(5000000000, asm.Width64)),
		"immediate 5000000000 does not fit 4 bytes")
	require.Equal(t, 0, e.Len())

	require.NoError(t, e.Load(RegAX, e.Immediate(5000000000)))
	require.Equal(t, "MOVQ\t$5000000000, AX\n", e.Listing())
}

func TestEmitter_StoreAndAddress(t *testing.T) {
	e := newTestEmitter(t)
	global, err := e.GlobalAddress(0x2000, asm.Width32)
	require.NoError(t, err)
	require.NoError(t, e.Store(global, RegX0))
	require.NoError(t, e.LoadAddress(RegAX, global))

	slot, err := e.StackSlot(asm.Width64)
	require.NoError(t, err)
	require.NoError(t, e.LoadAddress(RegCX, slot))

	require.Equal(t, "MOVQ\t$8192, R12\nMOVSS\tX0, (R12)\nMOVQ\t$8192, AX\nLEAQ\t(R14), CX\n", e.Listing())
}

func TestEmitter_Binary(t *testing.T) {
	e := newTestEmitter(t)
	require.NoError(t, e.Binary(asm.BinaryOpAdd, RegAX, asm.RegisterOperand(RegCX, asm.Width32)))
	require.NoError(t, e.Binary(asm.BinaryOpMul, RegAX, e.Immediate(3)))
	require.NoError(t, e.Binary(asm.BinaryOpSub, RegX0, asm.RegisterOperand(RegX0+1, asm.Width64)))
	require.NoError(t, e.Binary(asm.BinaryOpMul, RegX0, asm.RegisterOperand(RegX0+1, asm.Width128)))
	require.Error(t, e.Binary(asm.BinaryOpAdd, RegX0, e.Immediate(1)))

	lines := strings.Split(strings.TrimSpace(e.Listing()), "\n")
	require.Equal(t, []string{"ADDL\tCX, AX", "IMULL\t$3, AX", "SUBSD\tX1, X0", "MULPS\tX1, X0"}, lines)
}

func TestEmitter_Move(t *testing.T) {
	e := newTestEmitter(t)
	require.NoError(t, e.Move(RegAX, asm.RegisterOperand(RegCX, asm.Width64)))
	require.NoError(t, e.Move(RegX0, asm.RegisterOperand(RegX0+1, asm.Width128)))
	require.Error(t, e.Move(RegAX, asm.RegisterOperand(RegX0, asm.Width32)))
	require.Equal(t, "MOVQ\tCX, AX\nMOVAPS\tX1, X0\n", e.Listing())
}

func TestEmitter_ConstantPool(t *testing.T) {
	e := newTestEmitter(t)
	one := []byte{0, 0, 0x80, 0x3f}
	a, err := e.ConstantPool(one)
	require.NoError(t, err)
	b, err := e.ConstantPool([]byte{0, 0, 0, 0x40})
	require.NoError(t, err)
	c, err := e.ConstantPool(one)
	require.NoError(t, err)

	require.Equal(t, a, c)
	require.NotEqual(t, a, b)
	require.Equal(t, int64(16), b.Offset)

	data := e.ConstantPoolData()
	require.Len(t, data, 32)
	require.Equal(t, one, data[:4])

	_, err = e.ConstantPool(make([]byte, 17))
	require.Error(t, err)
}

func TestEmitter_StackSlot(t *testing.T) {
	e := newTestEmitter(t)
	a, err := e.StackSlot(asm.Width32)
	require.NoError(t, err)
	b, err := e.StackSlot(asm.Width128)
	require.NoError(t, err)
	require.Equal(t, int64(0), a.Offset)
	require.Equal(t, int64(16), b.Offset)
	require.Equal(t, int64(32), e.FrameSize())
	_, err = e.StackSlot(asm.Width(3))
	require.Error(t, err)
}

func TestEmitter_Assemble(t *testing.T) {
	e := newTestEmitter(t)
	code, err := e.Assemble()
	require.NoError(t, err)
	require.Nil(t, code)

	require.NoError(t, e.Load(RegAX, e.Immediate(5)))
	code, err = e.Assemble()
	require.NoError(t, err)
	require.Equal(t, []byte{0xb8, 0x05, 0x00, 0x00, 0x00}, code)
}

func TestRegisterName(t *testing.T) {
	require.Equal(t, "AX", RegisterName(RegAX))
	require.Equal(t, "X15", RegisterName(RegX15))
	require.Equal(t, "nil", RegisterName(asm.NilRegister))
}
