package regalloc

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/scope"
	"github.com/dspjit/jitpool/internal/types"
)

// poolFloor is the reference count held by the pool itself. A handle whose count drops
// to the floor has no other holder and is retired.
const poolFloor = 1

// Pool owns the value handles of one compilation unit.
//
// Note: Pool is not goroutine-safe. Lowering of one unit happens on one goroutine.
type Pool struct {
	emitter  Emitter
	resolver ScopeResolver
	cfg      Config
	logger   *logrus.Entry

	// slots holds all handles of the unit, live or retired. Retired slots are reused
	// through free with a bumped generation.
	slots []*handle
	free  []uint32

	// unit is bumped by Reset so that Refs of a previous unit are rejected.
	unit       uint64
	nextID     uint64
	dirtyClock uint64
}

// NewPool returns a Pool for the first compilation unit.
func NewPool(emitter Emitter, resolver ScopeResolver, cfg Config) *Pool {
	return &Pool{
		emitter:  emitter,
		resolver: resolver,
		cfg:      cfg,
		logger:   cfg.logger(),
		unit:     1,
	}
}

// SetEmitter replaces the emitter. Call it together with Reset when a new unit starts.
func (p *Pool) SetEmitter(e Emitter) {
	p.emitter = e
}

// Emitter returns the current emitter.
func (p *Pool) Emitter() Emitter {
	return p.emitter
}

// Unit returns the epoch of the current compilation unit.
func (p *Pool) Unit() uint64 {
	return p.unit
}

// RegisterClass returns the register class and the operand width a value of type t is materialized with.
func (p *Pool) RegisterClass(t types.Type) (asm.RegisterClass, asm.Width) {
	return p.registerClass(t)
}

func (p *Pool) registerClass(t types.Type) (asm.RegisterClass, asm.Width) {
	assertf(t.IsResolved(), "allocate", "", "register requested for unresolved type %s", t)
	switch k := t.RegisterKind(); k {
	case types.KindInteger:
		return asm.RegisterClassGeneralPurpose, asm.Width32
	case types.KindBlock:
		return asm.RegisterClassGeneralPurpose, asm.Width64
	case types.KindFloat:
		return asm.RegisterClassFloat, asm.Width32
	case types.KindDouble:
		return asm.RegisterClassFloat, asm.Width64
	case types.KindPointer:
		if p.isSimd4Float(t) {
			return asm.RegisterClassVector, asm.Width128
		}
		return asm.RegisterClassGeneralPurpose, asm.Width64
	default:
		panic(fmt.Sprintf("BUG: unknown register kind %s", k))
	}
}

func (p *Pool) isSimd4Float(t types.Type) bool {
	return p.cfg.AutoVectorization && t.IsSimd4Float()
}

func (p *Pool) nextDirtyStamp() uint64 {
	p.dirtyClock++
	return p.dirtyClock
}

func (p *Pool) freeRegister(h *handle) {
	if h.reg != asm.NilRegister {
		p.emitter.Free(h.reg)
		h.reg = asm.NilRegister
	}
}

func (p *Pool) newHandle(s scope.ID, t types.Type) (Ref, *handle) {
	var idx uint32
	var h *handle
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
		h = p.slots[idx]
		*h = handle{gen: h.gen}
	} else {
		idx = uint32(len(p.slots))
		h = &handle{}
		p.slots = append(p.slots, h)
	}
	h.pool = p
	h.live = true
	h.id = p.nextID
	p.nextID++
	h.typ = t
	h.scope = s
	h.state = StateUnmaterialized
	// One reference for the pool and one for the caller.
	h.refs = poolFloor + 1
	return p.ref(idx, h), h
}

func (p *Pool) ref(idx uint32, h *handle) Ref {
	return Ref{pool: p, unit: p.unit, index: idx, gen: h.gen}
}

func (p *Pool) get(r Ref, op string) *handle {
	assertf(r.pool == p, op, "", "handle belongs to another pool")
	assertf(r.unit == p.unit, op, "", "stale handle of compilation unit %d (current unit %d)", r.unit, p.unit)
	assertf(int(r.index) < len(p.slots), op, "", "handle index %d out of range", r.index)
	h := p.slots[r.index]
	assertf(h.live && h.gen == r.gen, op, h.name(), "stale handle: retired")
	return h
}

// Resolve returns the handle bound to sym as seen from s and adds a reference to it.
// A new handle is bound to the scope declaring sym, which may be an ancestor of s.
// Symbols with backing storage are bound to it.
func (p *Pool) Resolve(s scope.ID, sym scope.Symbol) Ref {
	assertf(sym.IsValid(), "resolve", "", "empty symbol")
	for i, h := range p.slots {
		if h.live && h.matchesScopeAndSymbol(s, sym) {
			assertf(h.sym.Type.RegisterKind() == sym.Type.RegisterKind(), "resolve", h.name(),
				"resolved as %s, bound as %s", sym.Type, h.sym.Type)
			h.refs++
			return p.ref(uint32(i), h)
		}
	}

	r, h := p.newHandle(s, sym.Type)
	h.setReference(s, sym)
	if slot, ok := p.resolver.GlobalSlot(s, sym.ID); ok {
		h.globalVariable = p.resolver.IsGlobalScope(h.scope)
		h.setDataPointer(slot, h.globalVariable)
	}
	p.logger.WithFields(logrus.Fields{"symbol": sym.ID, "handle": h.id, "scope": h.scope}).Debug("new handle")
	return r
}

// NewScratch returns a handle for an unnamed value of type t owned by s.
func (p *Pool) NewScratch(s scope.ID, t types.Type) Ref {
	r, _ := p.newHandle(s, t)
	return r
}

// CanonicalMemoryHandle returns the handle already loaded from the same explicit memory
// location as r, adding a reference and a memory reference to it. r is returned
// unchanged if it has no explicit memory location or no other handle matches.
func (p *Pool) CanonicalMemoryHandle(r Ref) Ref {
	h := p.get(r, "canonical memory handle")
	if !h.hasCustomMem {
		return r
	}
	for i, c := range p.slots {
		if c == h || !c.live || c.state != StateMemoryResident {
			continue
		}
		if c.matchesMemoryLocation(h) {
			c.memoryRefs++
			c.refs++
			return p.ref(uint32(i), c)
		}
	}
	return r
}

// ActiveForCustomMemory returns the handle holding the value of the memory location of r
// in a register, or r itself if there is none. The returned Ref is borrowed.
func (p *Pool) ActiveForCustomMemory(r Ref) Ref {
	h := p.get(r, "active for custom memory")
	assertf(h.hasCustomMem, "active for custom memory", h.name(), "no custom memory location")
	for i, c := range p.slots {
		if c.live && c.isActiveOrDirtyGlobal() && c.matchesMemoryLocation(h) {
			return p.ref(uint32(i), c)
		}
	}
	return r
}

// registerAlias returns the live handle other than h that holds the memory location of h
// in a register, or nil. At most one handle may represent a location in a register.
func (p *Pool) registerAlias(h *handle) *handle {
	if !h.hasCustomMem {
		return nil
	}
	for _, c := range p.slots {
		if c != h && c.live && c.hasCustomMem && c.isActiveOrDirtyGlobal() && c.mem == h.mem {
			return c
		}
	}
	return nil
}

// CollectDirtyGlobals returns every handle holding an unflushed write to global storage,
// each once, in the order they were first dirtied. The returned Refs are borrowed.
func (p *Pool) CollectDirtyGlobals() []Ref {
	var dirty []uint32
	for i, h := range p.slots {
		if h.live && h.state == StateDirtyGlobalRegister {
			dirty = append(dirty, uint32(i))
		}
	}
	sort.Slice(dirty, func(i, j int) bool {
		return p.slots[dirty[i]].dirtyStamp < p.slots[dirty[j]].dirtyStamp
	})
	ret := make([]Ref, len(dirty))
	for i, idx := range dirty {
		ret[i] = p.ref(idx, p.slots[idx])
	}
	return ret
}

// FlushDirtyGlobals writes back all dirty globals in first-dirtied order.
func (p *Pool) FlushDirtyGlobals() error {
	for _, r := range p.CollectDirtyGlobals() {
		if err := p.slots[r.index].flush(); err != nil {
			return err
		}
	}
	return nil
}

// Retain adds a reference to r.
func (p *Pool) Retain(r Ref) {
	p.get(r, "retain").refs++
}

// Release drops a reference to r. The handle is retired once only the pool holds it:
// a pending write-back is flushed and the register is returned to the emitter.
// If the write-back fails the reference is kept.
func (p *Pool) Release(r Ref) error {
	h := p.get(r, "release")
	assertf(h.refs > poolFloor, "release", h.name(), "no reference left (refs=%d)", h.refs)
	if h.refs > poolFloor+1 {
		h.refs--
		return nil
	}
	if h.state == StateDirtyGlobalRegister {
		if err := h.flush(); err != nil {
			return err
		}
	}
	h.refs--
	p.freeRegister(h)
	p.logger.WithFields(logrus.Fields{"symbol": h.name(), "handle": h.id}).Debug("retired handle")
	h.live = false
	h.gen++
	p.free = append(p.free, r.index)
	return nil
}

// NamedHandles returns the live handles bound to a symbol in creation order.
func (p *Pool) NamedHandles() []Ref {
	var ret []Ref
	for i, h := range p.slots {
		if h.live && h.sym.IsValid() {
			ret = append(ret, p.ref(uint32(i), h))
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return p.slots[ret[i].index].id < p.slots[ret[j].index].id
	})
	return ret
}

// Len returns the number of live handles.
func (p *Pool) Len() (n int) {
	for _, h := range p.slots {
		if h.live {
			n++
		}
	}
	return
}

// Reset clears the pool for the next compilation unit. Refs of the previous unit
// become stale. Registers are not returned: the emitter of a unit is not reused.
func (p *Pool) Reset() {
	p.unit++
	p.slots = nil
	p.free = nil
	p.nextID = 0
	p.dirtyClock = 0
}
