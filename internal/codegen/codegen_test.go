package codegen

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/dspjit/jitpool/internal/asm"
	"github.com/dspjit/jitpool/internal/regalloc"
	"github.com/dspjit/jitpool/internal/testing/emittertest"
	"github.com/dspjit/jitpool/program"
)

const header = `
name: Voice
constants:
  - {name: PI, type: double, value: 3.14159}
globals:
  - {name: gain, type: float, value: 0.5}
  - {name: level, type: int, value: 3}
  - {name: offset, type: int}
  - {name: buf, type: "span<float,4>", value: 1}
`

type fixture struct {
	l *Lowerer
	// recorders are the emitters handed out so far, one per lowered function.
	recorders []*emittertest.Recorder
}

func newFixture(t *testing.T, body string, vectorize bool) *fixture {
	p, err := program.Decode(strings.NewReader(header + body))
	require.NoError(t, err)
	f := &fixture{}
	f.l, err = New(p, Options{
		AutoVectorization: vectorize,
		NewEmitter: func() (Arithmetic, error) {
			rec := emittertest.New()
			f.recorders = append(f.recorders, rec)
			return rec, nil
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) lower(t *testing.T, name string) (*Result, *emittertest.Recorder) {
	res, err := f.l.Lower(name)
	require.NoError(t, err)
	rec := f.recorders[len(f.recorders)-1]
	require.Equal(t, rec, res.Emitter)
	require.Zero(t, rec.InUse(), "registers leaked")
	require.Zero(t, f.l.Pool().Len(), "handles leaked")
	return res, rec
}

func (f *fixture) globalOperand(t *testing.T, name string, w asm.Width) asm.Operand {
	slot, ok := f.l.Tree().GlobalSlot(f.l.Class(), name)
	require.True(t, ok)
	return asm.MemoryOperand(asm.MemoryKindGlobal, asm.NilRegister, int64(slot.Address), w)
}

func requireOps(t *testing.T, rec *emittertest.Recorder, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, rec.Ops()); diff != "" {
		t.Errorf("unexpected emitter calls (-want +got):\n%s", diff)
	}
}

func TestLower_dirtyGlobal(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: mul, dst: gain, value: 0.8}
`, false)
	res, rec := f.lower(t, "process")
	require.Equal(t, []string{"gain"}, res.Flushed)

	const reg = asm.Register(1001)
	mem := f.globalOperand(t, "gain", asm.Width32)
	exp := []emittertest.Call{
		{Op: emittertest.OpAllocate, Class: asm.RegisterClassFloat, Dst: asm.RegisterOperand(reg, 0)},
		{Op: emittertest.OpLoad, Class: asm.RegisterClassFloat, Dst: asm.RegisterOperand(reg, asm.Width32), Src: mem},
		{
			Op: emittertest.OpBinary, Binary: asm.BinaryOpMul, Class: asm.RegisterClassFloat,
			Dst: asm.RegisterOperand(reg, asm.Width32),
			Src: asm.MemoryOperand(asm.MemoryKindConstantPool, asm.NilRegister, 0, asm.Width32),
		},
		{Op: emittertest.OpStore, Class: asm.RegisterClassFloat, Dst: mem, Src: asm.RegisterOperand(reg, asm.Width32)},
		{Op: emittertest.OpFree, Class: asm.RegisterClassFloat, Dst: asm.RegisterOperand(reg, 0)},
	}
	if diff := cmp.Diff(exp, rec.Calls); diff != "" {
		t.Errorf("unexpected emitter calls (-want +got):\n%s", diff)
	}
}

func TestLower_integerImmediate(t *testing.T) {
	t.Run("const only", func(t *testing.T) {
		f := newFixture(t, `
functions:
  - name: process
    locals:
      - {name: tmp, type: int, value: 5}
    body:
      - {op: const, dst: tmp, value: 7}
      - {op: const, dst: tmp, value: 9}
`, false)
		res, rec := f.lower(t, "process")
		require.Empty(t, res.Flushed)
		require.Empty(t, rec.Calls)
	})
	t.Run("add", func(t *testing.T) {
		f := newFixture(t, `
functions:
  - name: process
    locals:
      - {name: tmp, type: int, value: 5}
    body:
      - {op: add, dst: tmp, value: 1}
`, false)
		_, rec := f.lower(t, "process")
		requireOps(t, rec, emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary, emittertest.OpFree)
		require.Equal(t, asm.ImmediateOperand(5, asm.Width32), rec.Calls[1].Src)
		require.Equal(t, asm.ImmediateOperand(1, asm.Width32), rec.Calls[2].Src)
	})
	t.Run("immediate source", func(t *testing.T) {
		f := newFixture(t, `
functions:
  - name: process
    locals:
      - {name: tmp, type: int, value: 5}
    body:
      - {op: add, dst: level, src: tmp}
`, false)
		res, rec := f.lower(t, "process")
		require.Equal(t, []string{"level"}, res.Flushed)
		// tmp is never loaded.
		requireOps(t, rec,
			emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary,
			emittertest.OpStore, emittertest.OpFree)
		require.Equal(t, f.globalOperand(t, "level", asm.Width32), rec.Calls[1].Src)
		require.Equal(t, asm.ImmediateOperand(5, asm.Width32), rec.Calls[2].Src)
	})
}

func TestLower_copy(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    locals:
      - {name: x, type: double}
    body:
      - {op: copy, dst: x, src: PI}
`, false)
	res, rec := f.lower(t, "process")
	require.Empty(t, res.Flushed)
	requireOps(t, rec,
		emittertest.OpAllocate, emittertest.OpLoad,
		emittertest.OpAllocate, emittertest.OpLoad,
		emittertest.OpMove,
		emittertest.OpFree, emittertest.OpFree)
	// PI and the zero initializer of x are both folded into the constant pool.
	require.Equal(t, 2, rec.Constants())
	require.Equal(t, asm.RegisterOperand(1001, asm.Width64), rec.Calls[4].Src)
	require.Equal(t, asm.RegisterOperand(1002, asm.Width64), rec.Calls[4].Dst)
}

func TestLower_vectorized(t *testing.T) {
	body := `
functions:
  - name: process
    body:
      - {op: add, dst: buf, value: 2}
`
	t.Run("vectorized", func(t *testing.T) {
		f := newFixture(t, body, true)
		res, rec := f.lower(t, "process")
		require.Equal(t, []string{"buf"}, res.Flushed)
		requireOps(t, rec,
			emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary,
			emittertest.OpStore, emittertest.OpFree)
		require.Equal(t, asm.RegisterClassVector, rec.Calls[0].Class)
		mem := f.globalOperand(t, "buf", asm.Width128)
		require.Equal(t, mem, rec.Calls[1].Src)
		require.Equal(t, asm.MemoryOperand(asm.MemoryKindConstantPool, asm.NilRegister, 0, asm.Width128), rec.Calls[2].Src)
		require.Equal(t, mem, rec.Calls[3].Dst)
	})
	t.Run("scalar", func(t *testing.T) {
		f := newFixture(t, body, false)
		_, err := f.l.Lower("process")
		require.EqualError(t, err, "process: op 0 (add): buf of type span<float,4> is not vectorized")
	})
}

func TestLower_flushOrder(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: add, dst: offset, value: 1}
      - {op: const, dst: gain, value: 1}
      - {op: add, dst: level, value: 1}
      - {op: sub, dst: offset, value: 1}
`, false)
	res, rec := f.lower(t, "process")
	require.Equal(t, []string{"offset", "gain", "level"}, res.Flushed)
	require.Equal(t, 3, rec.Count(emittertest.OpStore))
}

func TestLower_flush(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: const, dst: gain, value: 1}
      - {op: flush}
      - {op: add, dst: level, value: 1}
`, false)
	res, rec := f.lower(t, "process")
	require.Equal(t, []string{"level"}, res.Flushed)
	requireOps(t, rec,
		emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpMove,
		emittertest.OpStore,
		emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary,
		emittertest.OpStore,
		emittertest.OpFree, emittertest.OpFree)
}

func TestLower_release(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: add, dst: gain, value: 1}
      - {op: release, dst: gain}
      - {op: add, dst: level, value: 1}
`, false)
	res, rec := f.lower(t, "process")
	// gain is written back when released, level at the end of the function.
	require.Equal(t, []string{"level"}, res.Flushed)
	requireOps(t, rec,
		emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary,
		emittertest.OpStore, emittertest.OpFree,
		emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpBinary,
		emittertest.OpStore, emittertest.OpFree)
}

func TestLower_iterate(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    locals:
      - {name: i, type: int}
    body:
      - {op: iterate, dst: i}
      - {op: const, dst: i, value: 3}
`, false)
	res, rec := f.lower(t, "process")
	require.Empty(t, res.Flushed)
	requireOps(t, rec, emittertest.OpAllocate, emittertest.OpLoad, emittertest.OpMove, emittertest.OpFree)
	require.Equal(t, asm.ImmediateOperand(0, asm.Width32), rec.Calls[1].Src)
	require.Equal(t, asm.ImmediateOperand(3, asm.Width32), rec.Calls[2].Src)
}

func TestLower_errors(t *testing.T) {
	tests := []struct {
		name, body, expectedErr string
	}{
		{
			name:        "write to constant",
			body:        "- {op: const, dst: PI, value: 1}",
			expectedErr: `process: op 0 (const): write to "PI": cannot write to global variable outside its owning register context`,
		},
		{
			name:        "undeclared",
			body:        "- {op: add, dst: nope, value: 1}",
			expectedErr: `process: op 0 (add): undeclared "nope"`,
		},
		{
			name:        "type mismatch",
			body:        "- {op: copy, dst: gain, src: level}",
			expectedErr: "process: op 0 (copy): type mismatch: gain is float, level is int",
		},
		{
			name:        "release of a dead value",
			body:        "- {op: release, dst: gain}",
			expectedErr: `process: op 0 (release): release of "gain" which is not live`,
		},
		{
			name:        "use after release",
			body:        "- {op: add, dst: gain, value: 1}\n      - {op: release, dst: gain}\n      - {op: copy, dst: gain, src: gain}",
			expectedErr: `process: op 2 (copy): use of released "gain"`,
		},
		{
			name:        "release twice",
			body:        "- {op: add, dst: gain, value: 1}\n      - {op: release, dst: gain}\n      - {op: release, dst: gain}",
			expectedErr: `process: op 2 (release): use of released "gain"`,
		},
		{
			name:        "integer out of range",
			body:        "- {op: add, dst: level, value: 5000000000}",
			expectedErr: "process: op 0 (add): 5e+09 out of range for int",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "functions:\n  - name: process\n    body:\n      "+tc.body+"\n", false)
			_, err := f.l.Lower("process")
			require.EqualError(t, err, tc.expectedErr)
		})
	}

	t.Run("invalid write target", func(t *testing.T) {
		f := newFixture(t, "functions:\n  - name: process\n    body:\n      - {op: add, dst: PI, value: 1}\n", false)
		_, err := f.l.Lower("process")
		require.True(t, errors.Is(err, regalloc.ErrInvalidWriteTarget))
	})
	t.Run("unknown function", func(t *testing.T) {
		f := newFixture(t, "functions: []\n", false)
		_, err := f.l.Lower("process")
		require.EqualError(t, err, `unknown function "process"`)
	})
}

func TestLower_emitterFailure(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: add, dst: gain, value: 1}
  - name: next
    body:
      - {op: add, dst: gain, value: 1}
`, false)
	boom := errors.New("out of registers")
	// The failure is armed on the emitter of the first function only.
	factory := f.l.opts.NewEmitter
	f.l.opts.NewEmitter = func() (Arithmetic, error) {
		e, err := factory()
		if len(f.recorders) == 1 {
			f.recorders[0].FailNext(emittertest.OpAllocate, boom)
		}
		return e, err
	}

	_, err := f.l.Lower("process")
	var emitterErr *regalloc.EmitterError
	require.True(t, errors.As(err, &emitterErr))
	require.Equal(t, "gain", emitterErr.Symbol)
	require.Equal(t, boom, errors.Cause(emitterErr.Err))

	// The next unit starts from a clean pool.
	res, _ := f.lower(t, "next")
	require.Equal(t, []string{"gain"}, res.Flushed)
}

// panickingEmitter raises the given value on the first allocation.
type panickingEmitter struct {
	*emittertest.Recorder
	panicWith interface{}
}

func (e *panickingEmitter) Allocate(class asm.RegisterClass) (asm.Register, error) {
	panic(e.panicWith)
}

func TestLower_assertion(t *testing.T) {
	p, err := program.Decode(strings.NewReader(header + `
functions:
  - name: process
    body:
      - {op: add, dst: gain, value: 1}
`))
	require.NoError(t, err)

	t.Run("assertion aborts the function", func(t *testing.T) {
		l, err := New(p, Options{NewEmitter: func() (Arithmetic, error) {
			return &panickingEmitter{Recorder: emittertest.New(), panicWith: &regalloc.AssertionError{Op: "allocate", Msg: "broken"}}, nil
		}})
		require.NoError(t, err)
		_, err = l.Lower("process")
		var bug *regalloc.AssertionError
		require.True(t, errors.As(err, &bug))
		require.EqualError(t, err, "process: BUG: allocate: broken")
	})
	t.Run("other panics propagate", func(t *testing.T) {
		l, err := New(p, Options{NewEmitter: func() (Arithmetic, error) {
			return &panickingEmitter{Recorder: emittertest.New(), panicWith: "unrelated"}, nil
		}})
		require.NoError(t, err)
		require.PanicsWithValue(t, "unrelated", func() { _, _ = l.Lower("process") })
	})
}

func TestLowerAll(t *testing.T) {
	f := newFixture(t, `
functions:
  - name: process
    body:
      - {op: add, dst: level, value: 1}
  - name: reset
    body:
      - {op: const, dst: level, value: 0}
      - {op: const, dst: gain, value: 0}
`, false)
	results, err := f.l.LowerAll()
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, f.recorders, 2)
	require.Equal(t, "process", results[0].Name)
	require.Equal(t, []string{"level"}, results[0].Flushed)
	require.Equal(t, "reset", results[1].Name)
	require.Equal(t, []string{"level", "gain"}, results[1].Flushed)
	require.Equal(t, f.recorders[1], results[1].Emitter)
}

func TestNew_errors(t *testing.T) {
	p := &program.Program{Name: "Voice"}
	_, err := New(p, Options{})
	require.EqualError(t, err, "no emitter factory")

	_, err = New(&program.Program{}, Options{NewEmitter: func() (Arithmetic, error) { return emittertest.New(), nil }})
	require.EqualError(t, err, "program has no name")
}
