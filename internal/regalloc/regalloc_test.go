package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dspjit/jitpool/internal/scope"
	"github.com/dspjit/jitpool/internal/testing/emittertest"
	"github.com/dspjit/jitpool/internal/types"
)

// fixture is a scope tree global -> class "Voice" -> function "process" with a pool
// recording into an emittertest.Recorder.
type fixture struct {
	tree      *scope.Tree
	class, fn scope.ID
	rec       *emittertest.Recorder
	pool      *Pool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	tree := scope.NewTree()
	class, err := tree.NewScope(tree.Root(), scope.KindClass, "Voice")
	require.NoError(t, err)
	fn, err := tree.NewScope(class, scope.KindFunction, "process")
	require.NoError(t, err)
	rec := emittertest.New()
	return &fixture{tree: tree, class: class, fn: fn, rec: rec, pool: NewPool(rec, tree, cfg)}
}

// global declares a global variable with storage in the class scope.
func (f *fixture) global(t *testing.T, id string, typ types.Type, v types.Value) scope.Symbol {
	sym, err := f.tree.DeclareStorage(f.class, scope.Symbol{ID: id, Type: typ}, v)
	require.NoError(t, err)
	return sym
}

// constant declares a constant of the pure global scope.
func (f *fixture) constant(t *testing.T, id string, typ types.Type, v types.Value) scope.Symbol {
	sym, err := f.tree.DeclareStorage(f.tree.Root(), scope.Symbol{ID: id, Type: typ, Const: true}, v)
	require.NoError(t, err)
	return sym
}

func (f *fixture) local(t *testing.T, id string, typ types.Type) scope.Symbol {
	sym, err := f.tree.Declare(f.fn, scope.Symbol{ID: id, Type: typ})
	require.NoError(t, err)
	return sym
}

// requireAssertion runs fn and requires it to panic with *AssertionError.
func requireAssertion(t *testing.T, fn func()) (got *AssertionError) {
	t.Helper()
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected an assertion")
			var ok bool
			got, ok = r.(*AssertionError)
			require.True(t, ok, "unexpected panic: %v", r)
		}()
		fn()
	}()
	return
}
