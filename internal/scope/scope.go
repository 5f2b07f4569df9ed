// Package scope implements the scope tree the register pool consults for symbol
// declarations and for the backing store of global variables.
package scope

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/dspjit/jitpool/internal/types"
)

// ID identifies a scope within one Tree. The zero ID is never a valid scope.
type ID uint32

// None is the invalid scope.
const None ID = 0

// Kind is the role of a scope in the tree.
type Kind byte

const (
	// KindGlobal is the outermost namespace. Its symbols are readable from JITed code
	// but have no register context that could write them.
	KindGlobal Kind = iota
	// KindClass is a class scope. The class directly below the global scope owns the
	// backing store of all global variables.
	KindClass
	KindFunction
	// KindAnonymous is a nested statement block.
	KindAnonymous
)

func (k Kind) String() (ret string) {
	switch k {
	case KindGlobal:
		ret = "global"
	case KindClass:
		ret = "class"
	case KindFunction:
		ret = "function"
	case KindAnonymous:
		ret = "anonymous"
	}
	return
}

// Symbol is a declared identifier.
type Symbol struct {
	ID        string
	Type      types.Type
	Const     bool
	Reference bool
	// Scope is the declaring scope. Set by Tree.Declare.
	Scope ID
}

// Equal returns true if both symbols name the same identifier in the same scope.
func (s Symbol) Equal(o Symbol) bool {
	return s.ID == o.ID && s.Scope == o.Scope
}

// IsValid returns false for the zero Symbol.
func (s Symbol) IsValid() bool {
	return s.ID != ""
}

// String implements fmt.Stringer.
func (s Symbol) String() string {
	return fmt.Sprintf("%s:%s@%d", s.ID, s.Type, s.Scope)
}

// Slot is the backing store of a symbol declared with storage.
type Slot struct {
	// Address is the absolute address of the storage.
	Address uintptr
	// Value is the value the storage was initialized with.
	Value types.Value
}

type node struct {
	parent  ID
	kind    Kind
	name    string
	symbols map[string]Symbol
	slots   map[string]Slot
	// data keeps the storage behind slots alive.
	data map[string][]byte
}

// Tree is a scope tree rooted at a single global scope.
//
// Note: Tree is not goroutine-safe, the same as the pool consulting it.
type Tree struct {
	// nodes is indexed by ID. nodes[0] is unused so that None stays invalid.
	nodes []*node
}

// NewTree returns a tree with only the global scope.
func NewTree() *Tree {
	t := &Tree{nodes: []*node{nil}}
	t.nodes = append(t.nodes, newNode(None, KindGlobal, "global"))
	return t
}

func newNode(parent ID, kind Kind, name string) *node {
	return &node{
		parent:  parent,
		kind:    kind,
		name:    name,
		symbols: map[string]Symbol{},
		slots:   map[string]Slot{},
		data:    map[string][]byte{},
	}
}

// Root returns the global scope.
func (t *Tree) Root() ID {
	return 1
}

func (t *Tree) node(s ID) (*node, bool) {
	if s == None || int(s) >= len(t.nodes) {
		return nil, false
	}
	return t.nodes[s], true
}

// NewScope adds a scope of the given kind below parent.
func (t *Tree) NewScope(parent ID, kind Kind, name string) (ID, error) {
	if _, ok := t.node(parent); !ok {
		return None, errors.Errorf("unknown parent scope %d", parent)
	}
	if kind == KindGlobal {
		return None, errors.New("only the root can be a global scope")
	}
	t.nodes = append(t.nodes, newNode(parent, kind, name))
	return ID(len(t.nodes) - 1), nil
}

// Kind returns the kind of s.
func (t *Tree) Kind(s ID) (Kind, bool) {
	n, ok := t.node(s)
	if !ok {
		return KindGlobal, false
	}
	return n.kind, true
}

// Parent returns the parent of s, or None for the root.
func (t *Tree) Parent(s ID) ID {
	if n, ok := t.node(s); ok {
		return n.parent
	}
	return None
}

// Name returns the name s was created with.
func (t *Tree) Name(s ID) string {
	if n, ok := t.node(s); ok {
		return n.name
	}
	return ""
}

// Declare adds sym to the scope s and returns it with Symbol.Scope set.
func (t *Tree) Declare(s ID, sym Symbol) (Symbol, error) {
	n, ok := t.node(s)
	if !ok {
		return Symbol{}, errors.Errorf("unknown scope %d", s)
	}
	if !sym.IsValid() {
		return Symbol{}, errors.New("empty symbol identifier")
	}
	if _, exists := n.symbols[sym.ID]; exists {
		return Symbol{}, errors.Errorf("%q already declared in scope %q", sym.ID, n.name)
	}
	sym.Scope = s
	n.symbols[sym.ID] = sym
	return sym, nil
}

// DeclareStorage declares sym in s and allocates backing storage initialized to v.
// Storage can only live in the global scope or in a class scope.
func (t *Tree) DeclareStorage(s ID, sym Symbol, v types.Value) (Symbol, error) {
	n, ok := t.node(s)
	if !ok {
		return Symbol{}, errors.Errorf("unknown scope %d", s)
	}
	if n.kind != KindGlobal && n.kind != KindClass {
		return Symbol{}, errors.Errorf("scope %q of kind %s cannot own storage", n.name, n.kind)
	}
	sym, err := t.Declare(s, sym)
	if err != nil {
		return Symbol{}, err
	}

	size := sym.Type.Size()
	if size < 16 {
		size = 16
	}
	buf := make([]byte, size)
	if sym.Type.Kind == types.KindSpan {
		// Spans are broadcast from the scalar initializer.
		elem := v.Bytes()
		for off := 0; off+len(elem) <= sym.Type.Size(); off += len(elem) {
			copy(buf[off:], elem)
		}
	} else {
		copy(buf, v.Bytes())
	}
	n.data[sym.ID] = buf
	n.slots[sym.ID] = Slot{Address: uintptr(unsafe.Pointer(&buf[0])), Value: v}
	return sym, nil
}

// Lookup returns the symbol id as visible from s.
func (t *Tree) Lookup(s ID, id string) (Symbol, bool) {
	declaring, ok := t.ScopeForSymbol(s, id)
	if !ok {
		return Symbol{}, false
	}
	return t.nodes[declaring].symbols[id], true
}

// ScopeForSymbol returns the scope declaring id as seen from s, walking up the parents.
func (t *Tree) ScopeForSymbol(s ID, id string) (ID, bool) {
	for cur := s; cur != None; {
		n, ok := t.node(cur)
		if !ok {
			return None, false
		}
		if _, found := n.symbols[id]; found {
			return cur, true
		}
		cur = n.parent
	}
	return None, false
}

// RootClassScope returns the class scope directly below the global scope that encloses s.
func (t *Tree) RootClassScope(s ID) (ID, bool) {
	for cur := s; cur != None; {
		n, ok := t.node(cur)
		if !ok {
			return None, false
		}
		if n.kind == KindClass && n.parent == t.Root() {
			return cur, true
		}
		cur = n.parent
	}
	return None, false
}

// IsGlobalScope returns true if s owns the backing store of global variables.
func (t *Tree) IsGlobalScope(s ID) bool {
	root, ok := t.RootClassScope(s)
	return ok && root == s
}

// IsPureGlobalScope returns true for the outermost namespace.
func (t *Tree) IsPureGlobalScope(s ID) bool {
	n, ok := t.node(s)
	return ok && n.kind == KindGlobal
}

// GlobalSlot returns the storage of id if it is declared with storage in s or one of its parents.
func (t *Tree) GlobalSlot(s ID, id string) (Slot, bool) {
	declaring, ok := t.ScopeForSymbol(s, id)
	if !ok {
		return Slot{}, false
	}
	slot, ok := t.nodes[declaring].slots[id]
	return slot, ok
}

// Data returns the current contents of the storage of id.
func (t *Tree) Data(s ID, id string) ([]byte, bool) {
	declaring, ok := t.ScopeForSymbol(s, id)
	if !ok {
		return nil, false
	}
	b, ok := t.nodes[declaring].data[id]
	return b, ok
}
