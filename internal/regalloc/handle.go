package regalloc

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/scope"
	"github.com/dspjit/jitpool/internal/types"
)

// State is where a value currently resides.
type State byte

const (
	// StateUnmaterialized means the location or immediate of the value is known but nothing is loaded.
	// Compile-time-known integers stay in this state until they are forced into a register.
	StateUnmaterialized State = iota
	// StateMemoryResident means the value has a resolved memory operand and no register.
	StateMemoryResident
	// StateRegisterResident means the value is in a register that can be read and written.
	StateRegisterResident
	// StateDirtyGlobalRegister means the value is in a register and holds a write to global
	// storage that was not flushed yet.
	StateDirtyGlobalRegister
)

func (s State) String() (ret string) {
	switch s {
	case StateUnmaterialized:
		ret = "unmaterialized"
	case StateMemoryResident:
		ret = "memory"
	case StateRegisterResident:
		ret = "register"
	case StateDirtyGlobalRegister:
		ret = "dirty_global"
	default:
		ret = fmt.Sprintf("state(%d)", byte(s))
	}
	return
}

// source is where the value of a handle comes from before it is materialized.
type source byte

const (
	// sourceNone is a value defined by its first write, e.g. a scratch value.
	sourceNone source = iota
	sourceImmediate
	sourceConstant
	// sourceData is the backing store of a symbol (see scope.Slot).
	sourceData
	// sourceMemory is an explicit memory operand set by the code generator.
	sourceMemory
)

// handle tracks one symbolic value. Handles are owned by a Pool and only reached through Ref.
type handle struct {
	pool *Pool
	// id is unique within the compilation unit and only used for logs.
	id uint64
	// gen is bumped on retirement so that Refs to the previous occupant of the slot go stale.
	gen  uint32
	live bool

	typ   types.Type
	state State
	src   source

	reg asm.Register
	mem asm.Operand
	// hasCustomMem is set once mem is an explicit location rather than a folded constant.
	hasCustomMem bool
	globalMemory bool
	// globalVariable is set if the bound symbol has storage owned by the root class scope.
	globalVariable bool
	slot           scope.Slot
	constant       types.Value
	imm            int64
	// immReady is set once imm holds the value of an integer that is emitted as an immediate.
	immReady bool
	zero     bool

	dirty      bool
	dirtyStamp uint64
	iterator   bool

	refs       int
	memoryRefs int

	scope scope.ID
	sym   scope.Symbol
}

func (h *handle) name() string {
	if h.sym.IsValid() {
		return h.sym.ID
	}
	return fmt.Sprintf("%%%d", h.id)
}

// String implements fmt.Stringer.
func (h *handle) String() string {
	var location string
	switch {
	case h.reg != asm.NilRegister:
		location = fmt.Sprintf("register(%d)", h.reg)
	case h.mem.IsValid():
		location = h.mem.String()
	case h.immReady:
		location = fmt.Sprintf("immediate(%d)", h.imm)
	default:
		location = "none"
	}
	return fmt.Sprintf("{id=%d,name=%s,type=%s,state=%s,location=%s,refs=%d}",
		h.id, h.name(), h.typ, h.state, location, h.refs)
}

func (h *handle) isActiveOrDirtyGlobal() bool {
	return h.state == StateRegisterResident || h.state == StateDirtyGlobalRegister
}

func (h *handle) isGlobalMemory() bool {
	return (h.hasCustomMem && h.globalMemory) || h.globalVariable
}

func (h *handle) setReference(s scope.ID, sym scope.Symbol) {
	declaring, ok := h.pool.resolver.ScopeForSymbol(s, sym.ID)
	if !ok {
		declaring = s
	}
	h.scope = declaring
	h.sym = sym
	assertf(sym.Type.RegisterKind() == h.typ.RegisterKind(), "bind", h.name(),
		"symbol type %s does not match handle type %s", sym.Type, h.typ)
}

func (h *handle) matchesScopeAndSymbol(s scope.ID, sym scope.Symbol) bool {
	if !h.sym.IsValid() || h.sym.ID != sym.ID {
		return false
	}
	declaring, ok := h.pool.resolver.ScopeForSymbol(s, sym.ID)
	if !ok {
		declaring = s
	}
	return declaring == h.scope
}

// matchesMemoryLocation returns true if both handles have an explicit memory location
// and the same type, and the locations are the same operand.
func (h *handle) matchesMemoryLocation(other *handle) bool {
	bothAreMemory := h.hasCustomMem && other.hasCustomMem
	typeMatch := h.typ == other.typ
	return bothAreMemory && typeMatch && h.mem == other.mem
}

// retarget drops the current location before the handle is pointed somewhere else.
func (h *handle) retarget(op string) {
	assertf(h.state != StateDirtyGlobalRegister, op, h.name(), "retargeting drops an unflushed write")
	h.pool.freeRegister(h)
	h.mem = asm.Operand{}
	h.hasCustomMem = false
	h.immReady = false
	h.dirty = false
}

func (h *handle) setDataPointer(slot scope.Slot, global bool) {
	h.retarget("set data pointer")
	h.src = sourceData
	h.slot = slot
	h.globalMemory = global
	h.state = StateUnmaterialized
}

func (h *handle) setImmediate(v int64) {
	k := h.typ.RegisterKind()
	assertf(k == types.KindInteger || k == types.KindBlock, "set immediate", h.name(), "type %s cannot be an immediate", h.typ)
	assertf(k != types.KindInteger || (v >= math.MinInt32 && v <= math.MaxInt32), "set immediate", h.name(), "%d does not fit %s", v, h.typ)
	h.retarget("set immediate")
	h.src = sourceImmediate
	h.imm = v
	h.immReady = true
	h.zero = v == 0
	h.state = StateUnmaterialized
}

func (h *handle) setConstant(v types.Value) {
	switch h.typ.RegisterKind() {
	case types.KindInteger, types.KindBlock:
		h.setImmediate(v.Int64())
	case types.KindFloat, types.KindDouble:
		h.retarget("set constant")
		h.src = sourceConstant
		h.constant = v
		h.zero = v.IsZero()
		h.state = StateUnmaterialized
	case types.KindPointer, types.KindDynamic:
		assertf(false, "set constant", h.name(), "type %s cannot hold a constant", h.typ)
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(h.typ.Kind)))
	}
}

func (h *handle) setCustomMemory(op asm.Operand, global bool) {
	assertf(op.IsMemory(), "set custom memory", h.name(), "%s is not a memory operand", op)
	h.retarget("set custom memory")
	h.src = sourceMemory
	h.mem = op
	h.hasCustomMem = true
	h.globalMemory = global
	h.state = StateMemoryResident
}

func (h *handle) invalidateRegisterForCustomMemory() {
	assertf(h.hasCustomMem, "invalidate register", h.name(), "no custom memory location")
	h.dirty = false
	h.pool.freeRegister(h)
	h.state = StateMemoryResident
}

// createMemoryLocation resolves the operand the value is loaded from.
// Integers resolve to an immediate and stay unmaterialized.
func (h *handle) createMemoryLocation() error {
	_, w := h.pool.registerClass(h.typ)
	k := h.typ.RegisterKind()
	switch h.src {
	case sourceNone:
		if k == types.KindInteger || k == types.KindBlock {
			h.imm, h.immReady, h.zero = 0, true, true
		}
		return nil
	case sourceImmediate, sourceMemory:
		return nil
	case sourceConstant:
		return h.foldConstant(h.constant, w)
	case sourceData:
		if k != types.KindPointer && h.globalVariable && !h.sym.Const {
			op, err := h.pool.emitter.GlobalAddress(h.slot.Address, w)
			if err != nil {
				return h.emitterFailure("resolve global address of", err)
			}
			h.mem = op
			h.hasCustomMem = true
			h.state = StateMemoryResident
			return nil
		}
		if k == types.KindPointer {
			op, err := h.pool.emitter.GlobalAddress(h.slot.Address, w)
			if err != nil {
				return h.emitterFailure("resolve address of", err)
			}
			h.mem = op
			h.state = StateMemoryResident
			return nil
		}
		return h.foldConstant(h.slot.Value, w)
	default:
		panic(fmt.Sprintf("BUG: unknown value source %d", byte(h.src)))
	}
}

func (h *handle) foldConstant(v types.Value, w asm.Width) error {
	h.zero = v.IsZero()
	switch k := h.typ.RegisterKind(); k {
	case types.KindInteger, types.KindBlock:
		h.imm = v.Int64()
		h.immReady = true
		return nil
	case types.KindFloat:
		if v.Kind() == types.KindDouble {
			v = types.FloatValue(float32(v.Float64()))
		}
	case types.KindDouble:
		if v.Kind() == types.KindFloat {
			v = types.DoubleValue(float64(v.Float32()))
		}
	case types.KindPointer, types.KindDynamic:
		assertf(false, "fold constant", h.name(), "type %s cannot be folded", h.typ)
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(k)))
	}

	op, err := h.pool.emitter.ConstantPool(v.Bytes())
	if err != nil {
		return h.emitterFailure("add constant for", err)
	}
	op.Width = w
	h.mem = op
	h.state = StateMemoryResident
	return nil
}

// materialize loads the value into a register of the class of its type.
// It does nothing if a register is already assigned unless force is set.
func (h *handle) materialize(force bool) error {
	if !force && h.reg != asm.NilRegister {
		return nil
	}
	assertf(!(force && h.dirty), "materialize", h.name(), "forced reload discards an unflushed write")

	if h.state == StateUnmaterialized {
		if err := h.createMemoryLocation(); err != nil {
			return err
		}
	}

	class, w := h.pool.registerClass(h.typ)
	if h.reg == asm.NilRegister {
		if alias := h.pool.registerAlias(h); alias != nil {
			assertf(false, "materialize", h.name(), "%s already holds %s in a register", alias.name(), h.mem)
		}
		reg, err := h.pool.emitter.Allocate(class)
		if err != nil {
			return h.emitterFailure("allocate register for", err)
		}
		h.reg = reg
	}

	var err error
	switch k := h.typ.RegisterKind(); k {
	case types.KindFloat, types.KindDouble:
		if h.mem.IsValid() {
			err = h.pool.emitter.Load(h.reg, h.mem)
		}
	case types.KindInteger, types.KindBlock:
		if h.hasCustomMem {
			err = h.pool.emitter.Load(h.reg, h.mem)
		} else if h.immReady {
			err = h.pool.emitter.Load(h.reg, h.immediate(w))
		}
	case types.KindPointer:
		switch {
		case h.pool.isSimd4Float(h.typ):
			if h.mem.IsValid() {
				err = h.pool.emitter.Load(h.reg, h.mem)
			}
		case h.hasCustomMem:
			err = h.pool.emitter.LoadAddress(h.reg, h.mem)
		case h.mem.IsMemory() && h.mem.Memory == asm.MemoryKindGlobal:
			err = h.pool.emitter.Load(h.reg, h.immediateOf(h.mem.Offset, w))
		}
	case types.KindDynamic:
		assertf(false, "materialize", h.name(), "unresolved type")
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(k)))
	}
	if err != nil {
		return h.emitterFailure("load", err)
	}

	h.state = StateRegisterResident
	return nil
}

func (h *handle) immediate(w asm.Width) asm.Operand {
	return h.immediateOf(h.imm, w)
}

func (h *handle) immediateOf(v int64, w asm.Width) asm.Operand {
	op := h.pool.emitter.Immediate(v)
	assertf(op.Width <= w, "immediate", h.name(), "%d does not fit %d bytes", v, w)
	op.Width = w
	return op
}

// read returns the operand to read the value from. Integers known at compile time
// are returned as immediates without touching a register.
func (h *handle) read() (asm.Operand, error) {
	_, w := h.pool.registerClass(h.typ)
	if h.reg == asm.NilRegister && h.state == StateUnmaterialized {
		if err := h.createMemoryLocation(); err != nil {
			return asm.Operand{}, err
		}
		if h.immReady && !h.hasCustomMem {
			return h.immediate(w), nil
		}
		assertf(h.src != sourceNone, "read", h.name(), "value was never written")
	}
	if err := h.materialize(false); err != nil {
		return asm.Operand{}, err
	}
	return asm.RegisterOperand(h.reg, w), nil
}

func (h *handle) readRegister() asm.Register {
	assertf(h.isActiveOrDirtyGlobal(), "read", h.name(), "no materialized register (state %s)", h.state)
	assertf(h.reg != asm.NilRegister, "read", h.name(), "invalid register")
	return h.reg
}

func (h *handle) declaringScope() scope.ID {
	declaring, ok := h.pool.resolver.ScopeForSymbol(h.scope, h.sym.ID)
	if !ok {
		return h.scope
	}
	return declaring
}

// checkWriteTarget rejects writes to values of the pure global scope.
func (h *handle) checkWriteTarget() error {
	if !h.sym.IsValid() || h.iterator || h.sym.Reference {
		return nil
	}
	declaring := h.declaringScope()
	if !h.pool.resolver.IsGlobalScope(declaring) && h.pool.resolver.IsPureGlobalScope(declaring) {
		return errors.Wrapf(ErrInvalidWriteTarget, "write to %q", h.sym.ID)
	}
	return nil
}

// writeRegister returns the register to write the new value to and updates the dirty state.
func (h *handle) writeRegister() (asm.Register, error) {
	assertf(h.isActiveOrDirtyGlobal(), "write", h.name(), "no materialized register (state %s)", h.state)
	assertf(h.reg != asm.NilRegister, "write", h.name(), "invalid register")
	if err := h.checkWriteTarget(); err != nil {
		return asm.NilRegister, err
	}

	dirtyGlobal := h.isGlobalMemory()
	if h.sym.IsValid() {
		if h.iterator {
			h.dirty = true
		} else if (h.pool.resolver.IsGlobalScope(h.declaringScope()) || h.sym.Reference) && h.src == sourceData {
			dirtyGlobal = true
		}
	}
	if dirtyGlobal && (h.hasCustomMem || h.src == sourceData) {
		h.markDirtyGlobal()
	}
	return h.reg, nil
}

// write materializes the value and returns the register to write to. A rejected write
// leaves the handle untouched.
func (h *handle) write() (asm.Register, error) {
	if err := h.checkWriteTarget(); err != nil {
		return asm.NilRegister, err
	}
	if err := h.materialize(false); err != nil {
		return asm.NilRegister, err
	}
	return h.writeRegister()
}

func (h *handle) markDirtyGlobal() {
	if h.state != StateDirtyGlobalRegister {
		h.dirtyStamp = h.pool.nextDirtyStamp()
	}
	h.dirty = true
	h.state = StateDirtyGlobalRegister
}

// writeBackOperand returns the storage a dirty value is flushed to.
func (h *handle) writeBackOperand() (asm.Operand, error) {
	if h.hasCustomMem {
		return h.mem, nil
	}
	assertf(h.src == sourceData, "write back", h.name(), "no backing storage")
	_, w := h.pool.registerClass(h.typ)
	op, err := h.pool.emitter.GlobalAddress(h.slot.Address, w)
	if err != nil {
		return asm.Operand{}, h.emitterFailure("resolve write-back address of", err)
	}
	return op, nil
}

// flush writes a dirty global value back to its storage. It only clears the dirty flag
// of values without global storage.
func (h *handle) flush() error {
	if !h.dirty {
		return nil
	}
	if h.state == StateDirtyGlobalRegister {
		target, err := h.writeBackOperand()
		if err != nil {
			return err
		}
		if err = h.pool.emitter.Store(target, h.reg); err != nil {
			return h.emitterFailure("write back", err)
		}
		h.pool.logger.WithFields(logrus.Fields{"symbol": h.name(), "handle": h.id}).Debug("flushed dirty global")
	}
	h.dirty = false
	if h.isActiveOrDirtyGlobal() {
		h.state = StateRegisterResident
	}
	return nil
}

func (h *handle) memoryOperand() (asm.Operand, error) {
	if h.state == StateUnmaterialized {
		if err := h.createMemoryLocation(); err != nil {
			return asm.Operand{}, err
		}
	}
	assertf(h.state == StateMemoryResident, "memory operand", h.name(), "not a memory location (state %s)", h.state)
	return h.mem, nil
}

func (h *handle) immediateValue() (int64, error) {
	k := h.typ.RegisterKind()
	assertf(k == types.KindInteger || k == types.KindBlock, "immediate", h.name(), "type %s has no immediate", h.typ)
	assertf(!h.hasCustomMem, "immediate", h.name(), "value lives in memory")
	assertf(h.state == StateUnmaterialized || h.state == StateMemoryResident, "immediate", h.name(),
		"value lives in a register (state %s)", h.state)
	if !h.immReady {
		if err := h.createMemoryLocation(); err != nil {
			return 0, err
		}
	}
	return h.imm, nil
}

func (h *handle) reinterpret(t types.Type) {
	if h.reg != asm.NilRegister {
		oldClass, _ := h.pool.registerClass(h.typ)
		newClass, _ := h.pool.registerClass(t)
		assertf(oldClass == newClass, "reinterpret", h.name(), "cannot move a %s register to %s", oldClass, newClass)
	}
	h.typ = t
}

func (h *handle) emitterFailure(op string, err error) error {
	h.pool.logger.WithError(err).WithFields(logrus.Fields{
		"op":     op,
		"symbol": h.name(),
		"handle": h.id,
	}).Error("emitter failure")
	return &EmitterError{Op: op, Symbol: h.name(), Err: err}
}
