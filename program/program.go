// Package program defines the straight-line programs jitpool lowers and their YAML encoding.
//
// A program is a class with constants, global variables and functions. Each function is
// a list of operations on named values:
//
//	name: Voice
//	constants:
//	  - {name: PI, type: double, value: 3.14159}
//	globals:
//	  - {name: gain, type: float, value: 0.5}
//	functions:
//	  - name: process
//	    locals:
//	      - {name: tmp, type: int, value: 5}
//	    body:
//	      - {op: const, dst: gain, value: 0.8}
//	      - {op: add, dst: tmp, value: 1}
package program

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dspjit/jitpool/internal/types"
)

// Operation kinds of Op.Op.
const (
	// OpConst sets Dst to Value.
	OpConst = "const"
	// OpCopy sets Dst to Src.
	OpCopy = "copy"
	// OpAdd sets Dst to Dst + Src, or Dst + Value if Src is empty.
	OpAdd = "add"
	// OpSub sets Dst to Dst - Src, or Dst - Value if Src is empty.
	OpSub = "sub"
	// OpMul sets Dst to Dst * Src, or Dst * Value if Src is empty.
	OpMul = "mul"
	// OpIterate marks Dst as a loop iterator.
	OpIterate = "iterate"
	// OpRelease ends the lifetime of Dst in this function. Later operations must not use Dst.
	OpRelease = "release"
	// OpFlush writes back all pending writes to globals.
	OpFlush = "flush"
)

// Program is a class of constants, globals and functions.
type Program struct {
	Name      string     `yaml:"name"`
	Constants []Variable `yaml:"constants,omitempty"`
	Globals   []Variable `yaml:"globals,omitempty"`
	Functions []Function `yaml:"functions"`
}

// Variable declares a named value. Value is the initializer, broadcast to every element for spans.
type Variable struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Value *float64 `yaml:"value,omitempty"`
}

// Function is a straight-line list of operations.
type Function struct {
	Name   string     `yaml:"name"`
	Locals []Variable `yaml:"locals,omitempty"`
	Body   []Op       `yaml:"body"`
}

// Op is one operation of a function body.
type Op struct {
	Op    string  `yaml:"op"`
	Dst   string  `yaml:"dst,omitempty"`
	Src   string  `yaml:"src,omitempty"`
	Value float64 `yaml:"value,omitempty"`
}

// Decode reads a program from YAML. Unknown fields are rejected.
func Decode(r io.Reader) (*Program, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Program
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decode program")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads the program from the YAML file at path.
func Load(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes p as YAML.
func Encode(w io.Writer, p *Program) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}

// InitialValue returns the initializer of v, zero if unset.
func (v Variable) InitialValue() float64 {
	if v.Value == nil {
		return 0
	}
	return *v.Value
}

// Validate checks names, types and operations. It does not check that operands are declared.
func (p *Program) Validate() error {
	if p.Name == "" {
		return errors.New("program has no name")
	}
	names := map[string]struct{}{}
	declare := func(what string, v Variable, allowed func(types.Type) bool) error {
		if v.Name == "" {
			return errors.Errorf("%s without a name", what)
		}
		if _, ok := names[v.Name]; ok {
			return errors.Errorf("%s %q already declared", what, v.Name)
		}
		t, err := types.Parse(v.Type)
		if err != nil {
			return errors.Wrapf(err, "%s %q", what, v.Name)
		}
		if !allowed(t) {
			return errors.Errorf("%s %q cannot have type %s", what, v.Name, t)
		}
		names[v.Name] = struct{}{}
		return nil
	}

	for _, c := range p.Constants {
		if err := declare("constant", c, isScalar); err != nil {
			return err
		}
	}
	for _, g := range p.Globals {
		if err := declare("global", g, hasStorage); err != nil {
			return err
		}
	}

	functions := map[string]struct{}{}
	for _, fn := range p.Functions {
		if fn.Name == "" {
			return errors.New("function without a name")
		}
		if _, ok := functions[fn.Name]; ok {
			return errors.Errorf("function %q already declared", fn.Name)
		}
		functions[fn.Name] = struct{}{}

		locals := map[string]struct{}{}
		for _, l := range fn.Locals {
			if _, ok := locals[l.Name]; ok {
				return errors.Errorf("%s: local %q already declared", fn.Name, l.Name)
			}
			t, err := types.Parse(l.Type)
			if err != nil {
				return errors.Wrapf(err, "%s: local %q", fn.Name, l.Name)
			}
			if !isScalar(t) {
				return errors.Errorf("%s: local %q cannot have type %s", fn.Name, l.Name, t)
			}
			locals[l.Name] = struct{}{}
		}
		for i, op := range fn.Body {
			if err := op.validate(); err != nil {
				return errors.Wrapf(err, "%s: op %d", fn.Name, i)
			}
		}
	}
	return nil
}

func (op Op) validate() error {
	switch op.Op {
	case OpConst, OpIterate, OpRelease:
		if op.Dst == "" {
			return errors.Errorf("%s without dst", op.Op)
		}
	case OpCopy:
		if op.Dst == "" || op.Src == "" {
			return errors.Errorf("%s needs dst and src", op.Op)
		}
	case OpAdd, OpSub, OpMul:
		if op.Dst == "" {
			return errors.Errorf("%s without dst", op.Op)
		}
	case OpFlush:
	default:
		return errors.Errorf("unknown operation %q", op.Op)
	}
	return nil
}

func isScalar(t types.Type) bool {
	switch t.Kind {
	case types.KindInteger, types.KindFloat, types.KindDouble, types.KindBlock:
		return true
	}
	return false
}

func hasStorage(t types.Type) bool {
	return isScalar(t) || (t.Kind == types.KindSpan && isScalar(types.Type{Kind: t.Elem}))
}
