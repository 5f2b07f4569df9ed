// Package regalloc tracks where every live value of the function being compiled
// currently resides (register, memory or immediate) and moves values between these
// locations on demand while instructions are lowered one by one.
//
// The pool never encodes instructions itself. It decides what must be loaded,
// stored or flushed, and when, and delegates the encoding to an Emitter.
package regalloc

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/scope"
)

// Emitter is the instruction-emitting backend. It owns the physical registers and
// performs the register allocation at the instruction level.
type Emitter interface {
	// Allocate returns an unused register of the given class and marks it used.
	Allocate(class asm.RegisterClass) (asm.Register, error)
	// Free returns reg to the emitter.
	Free(reg asm.Register)
	// Load emits an instruction loading src (memory or immediate) into dst.
	Load(dst asm.Register, src asm.Operand) error
	// LoadAddress emits an instruction loading the effective address of the memory operand src into dst.
	LoadAddress(dst asm.Register, src asm.Operand) error
	// Store emits an instruction writing src to the memory operand dst.
	Store(dst asm.Operand, src asm.Register) error

	// Immediate returns the immediate operand for v.
	Immediate(v int64) asm.Operand
	// StackSlot reserves a new slot of the given width in the current frame.
	StackSlot(w asm.Width) (asm.Operand, error)
	// ConstantPool returns the operand of a constant pool entry holding data.
	ConstantPool(data []byte) (asm.Operand, error)
	// GlobalAddress returns the operand addressing w bytes at the absolute address addr.
	GlobalAddress(addr uintptr, w asm.Width) (asm.Operand, error)
}

// ScopeResolver answers questions about declaring scopes. The pool only uses it for
// dirty tracking and write-back decisions, never to resolve types.
//
// *scope.Tree implements ScopeResolver.
type ScopeResolver interface {
	// ScopeForSymbol returns the scope declaring id as seen from s.
	ScopeForSymbol(s scope.ID, id string) (scope.ID, bool)
	// IsGlobalScope returns true if s owns the backing store of global variables.
	IsGlobalScope(s scope.ID) bool
	// IsPureGlobalScope returns true if s is the outermost namespace, which has no register context to write from.
	IsPureGlobalScope(s scope.ID) bool
	// GlobalSlot returns the backing store of id as seen from s, if any.
	GlobalSlot(s scope.ID, id string) (scope.Slot, bool)
}

var _ ScopeResolver = (*scope.Tree)(nil)

// Config holds the settings of one Pool.
type Config struct {
	// AutoVectorization lets span<float,4> values live in vector registers.
	AutoVectorization bool
	// Logger receives debug and error logs. Defaults to a logger discarding everything.
	Logger *logrus.Entry
}

func (c Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
