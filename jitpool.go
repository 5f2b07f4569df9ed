// Package jitpool lowers straight-line programs to amd64 machine code.
//
// Every value of a function is tracked by a register pool that keeps compile-time-known
// integers as immediates, loads values into registers on first use and writes modified
// globals back to their storage at the end of the function:
//
//	p, err := program.Load("voice.yaml")
//	if err != nil {
//		return err
//	}
//	fns, err := jitpool.Compile(jitpool.NewCompileConfig().WithAutoVectorization(true), p)
package jitpool

import (
	"github.com/pkg/errors"

	"github.com/dspjit/jitpool/internal/asm/amd64"
	"github.com/dspjit/jitpool/internal/codegen"
	"github.com/dspjit/jitpool/program"
)

// CompiledFunction is one function of a program assembled for the configured architecture.
type CompiledFunction struct {
	Name string
	// Listing is the generated code in Go assembler syntax, one instruction per line.
	Listing string
	Code    []byte
	// ConstantPool must be addressed by R13 when Code runs.
	ConstantPool []byte
	// FrameSize is the size of the stack frame addressed by R14.
	FrameSize int64
	// Flushed are the globals Code writes back before returning, in write-back order.
	Flushed []string
}

// Compile lowers and assembles every function of p. A nil cfg is NewCompileConfig.
//
// Note: Compile is goroutine-safe. Functions of one program are compiled sequentially.
func Compile(cfg *CompileConfig, p *program.Program) ([]CompiledFunction, error) {
	if cfg == nil {
		cfg = NewCompileConfig()
	}
	if cfg.arch != ArchAMD64 {
		return nil, errors.Errorf("unsupported architecture %q", cfg.arch)
	}
	if p == nil {
		return nil, errors.New("nil program")
	}

	l, err := codegen.New(p, codegen.Options{
		AutoVectorization: cfg.autoVectorization,
		Logger:            cfg.loggerOrDiscard(),
		NewEmitter: func() (codegen.Arithmetic, error) {
			e, err := amd64.NewEmitter()
			if err != nil {
				return nil, err
			}
			return e, nil
		},
	})
	if err != nil {
		return nil, err
	}

	results, err := l.LowerAll()
	if err != nil {
		return nil, err
	}
	ret := make([]CompiledFunction, 0, len(results))
	for _, res := range results {
		e := res.Emitter.(*amd64.Emitter)
		code, err := e.Assemble()
		if err != nil {
			return nil, errors.Wrapf(err, "%s", res.Name)
		}
		ret = append(ret, CompiledFunction{
			Name:         res.Name,
			Listing:      e.Listing(),
			Code:         code,
			ConstantPool: e.ConstantPoolData(),
			FrameSize:    e.FrameSize(),
			Flushed:      res.Flushed,
		})
	}
	return ret, nil
}
