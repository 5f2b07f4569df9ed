package regalloc

import (
	"fmt"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/scope"
	"github.com/dspjit/jitpool/internal/types"
)

// Ref addresses a value handle of a Pool. Refs are comparable: two Refs are equal iff
// they address the same handle.
//
// A Ref goes stale when its handle is retired or the pool is Reset. Using a stale Ref
// panics with *AssertionError.
type Ref struct {
	pool  *Pool
	unit  uint64
	index uint32
	gen   uint32
}

func (r Ref) get(op string) *handle {
	if r.pool == nil {
		panic(&AssertionError{Op: op, Msg: "zero handle"})
	}
	return r.pool.get(r, op)
}

// IsZero returns true for the zero Ref.
func (r Ref) IsZero() bool {
	return r.pool == nil
}

// IsLive returns true if r is not stale.
func (r Ref) IsLive() bool {
	if r.pool == nil || r.unit != r.pool.unit || int(r.index) >= len(r.pool.slots) {
		return false
	}
	h := r.pool.slots[r.index]
	return h.live && h.gen == r.gen
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	if !r.IsLive() {
		return fmt.Sprintf("{stale unit=%d,index=%d,gen=%d}", r.unit, r.index, r.gen)
	}
	return r.pool.slots[r.index].String()
}

func (r Ref) State() State            { return r.get("state").state }
func (r Ref) Type() types.Type        { return r.get("type").typ }
func (r Ref) Symbol() scope.Symbol    { return r.get("symbol").sym }
func (r Ref) Scope() scope.ID         { return r.get("scope").scope }
func (r Ref) ID() uint64              { return r.get("id").id }
func (r Ref) Register() asm.Register  { return r.get("register").reg }
func (r Ref) RefCount() int           { return r.get("ref count").refs }
func (r Ref) MemoryReferences() int   { return r.get("memory references").memoryRefs }
func (r Ref) IsZeroValue() bool       { return r.get("is zero").zero }
func (r Ref) IsDirty() bool           { return r.get("is dirty").dirty }
func (r Ref) IsGlobalMemory() bool    { return r.get("is global memory").isGlobalMemory() }
func (r Ref) HasCustomMemory() bool   { return r.get("has custom memory").hasCustomMem }
func (r Ref) ShouldLoadIntoReg() bool { return r.get("should load").memoryRefs > 0 }

// IsDirtyGlobal returns true if the handle holds a write to global storage that was not flushed.
func (r Ref) IsDirtyGlobal() bool {
	return r.get("is dirty global").state == StateDirtyGlobalRegister
}

// Read returns the operand holding the value: an immediate for integers known at
// compile time, a register otherwise. It never dirties the value.
func (r Ref) Read() (asm.Operand, error) {
	return r.get("read").read()
}

// ReadRegister returns the register of an already materialized value.
func (r Ref) ReadRegister() asm.Register {
	return r.get("read").readRegister()
}

// Write materializes the value and returns the register the new value must be written to.
// Writes to global storage mark the value dirty. Writing a value of the pure global scope
// returns ErrInvalidWriteTarget.
func (r Ref) Write() (asm.Register, error) {
	return r.get("write").write()
}

// WriteRegister is Write for a value that is already materialized.
func (r Ref) WriteRegister() (asm.Register, error) {
	return r.get("write").writeRegister()
}

// Materialize loads the value into a register. It does nothing if the value already has
// one unless force is set.
func (r Ref) Materialize(force bool) error {
	return r.get("materialize").materialize(force)
}

// Flush writes a dirty global value back to its storage.
func (r Ref) Flush() error {
	return r.get("flush").flush()
}

// MemoryOperand returns the memory location of a value that is not in a register.
func (r Ref) MemoryOperand() (asm.Operand, error) {
	return r.get("memory operand").memoryOperand()
}

// ImmediateValue returns the value of an integer known at compile time.
func (r Ref) ImmediateValue() (int64, error) {
	return r.get("immediate").immediateValue()
}

// SetImmediate binds the value to the compile-time integer v.
func (r Ref) SetImmediate(v int64) {
	r.get("set immediate").setImmediate(v)
}

// SetConstant binds the value to the compile-time constant v.
func (r Ref) SetConstant(v types.Value) {
	r.get("set constant").setConstant(v)
}

// SetDataPointer binds the value to the storage slot. global is set if the storage is
// owned by the global scope.
func (r Ref) SetDataPointer(slot scope.Slot, global bool) {
	r.get("set data pointer").setDataPointer(slot, global)
}

// SetCustomMemory binds the value to the memory operand op.
func (r Ref) SetCustomMemory(op asm.Operand, global bool) {
	r.get("set custom memory").setCustomMemory(op, global)
}

// InvalidateRegisterForCustomMemory drops the register so that the next read reloads the
// value from its memory location, e.g. after the memory was written through another handle.
func (r Ref) InvalidateRegisterForCustomMemory() {
	r.get("invalidate register").invalidateRegisterForCustomMemory()
}

// Reinterpret changes the type of the value without moving it.
func (r Ref) Reinterpret(t types.Type) {
	r.get("reinterpret").reinterpret(t)
}

// MarkIterator marks the value as a loop iterator: every write dirties it.
func (r Ref) MarkIterator() {
	r.get("mark iterator").iterator = true
}
