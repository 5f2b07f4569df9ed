package amd64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/dspjit/jitpool/internal/asm"
)

// AMD64 registers, numbered as in golang-asm.
//
// Note: naming convension is exactly the same as Go assembler: https://go.dev/doc/asm
const (
	RegAX  = asm.Register(x86.REG_AX)
	RegCX  = asm.Register(x86.REG_CX)
	RegDX  = asm.Register(x86.REG_DX)
	RegBX  = asm.Register(x86.REG_BX)
	RegSP  = asm.Register(x86.REG_SP)
	RegBP  = asm.Register(x86.REG_BP)
	RegSI  = asm.Register(x86.REG_SI)
	RegDI  = asm.Register(x86.REG_DI)
	RegR8  = asm.Register(x86.REG_R8)
	RegR9  = asm.Register(x86.REG_R9)
	RegR10 = asm.Register(x86.REG_R10)
	RegR11 = asm.Register(x86.REG_R11)
	RegR12 = asm.Register(x86.REG_R12)
	RegR13 = asm.Register(x86.REG_R13)
	RegR14 = asm.Register(x86.REG_R14)
	RegR15 = asm.Register(x86.REG_R15)
	RegX0  = asm.Register(x86.REG_X0)
	RegX15 = asm.Register(x86.REG_X15)
)

// Reserved registers.
const (
	// constantPoolBaseRegister holds the address of the constant pool of the function.
	constantPoolBaseRegister = RegR13
	// frameBaseRegister holds the address of the stack slots of the function.
	frameBaseRegister = RegR14
	// globalAddressRegister is the scratch register absolute addresses of globals are loaded into.
	globalAddressRegister = RegR12
	// reservedRegister is kept for the caller's execution context.
	reservedRegister = RegR15
)

var (
	unreservedGeneralPurposeRegisters = []asm.Register{
		RegAX, RegCX, RegDX, RegBX, RegSI, RegDI, RegR8, RegR9, RegR10, RegR11,
	}
	// Scalar floats and vectors share the XMM registers.
	unreservedVectorRegisters = func() (ret []asm.Register) {
		for r := RegX0; r <= RegX15; r++ {
			ret = append(ret, r)
		}
		return
	}()
)

func isVectorRegister(r asm.Register) bool {
	return r >= RegX0 && r <= RegX15
}

func isGeneralPurposeRegister(r asm.Register) bool {
	return r >= RegAX && r <= RegR15
}

// RegisterName returns the Go assembler name of reg.
func RegisterName(reg asm.Register) string {
	if reg == asm.NilRegister {
		return "nil"
	}
	return obj.Rconv(int(reg))
}
