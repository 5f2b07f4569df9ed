package golang_asm

import (
	"fmt"
	"strings"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
)

// GolangAsmBaseAssembler holds the architecture independent part of an emitter built on
// the golang-asm library: the instruction list, its listing and its encoding.
type GolangAsmBaseAssembler struct {
	b     *goasm.Builder
	count int
}

func NewGolangAsmBaseAssembler(arch string) (*GolangAsmBaseAssembler, error) {
	b, err := goasm.NewBuilder(arch, 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &GolangAsmBaseAssembler{b: b}, nil
}

// Assemble encodes the instructions added so far. An empty instruction list encodes to nil.
func (a *GolangAsmBaseAssembler) Assemble() (code []byte, err error) {
	if a.b.Root() == nil {
		return nil, nil
	}
	defer func() {
		// golang-asm panics on operands it cannot encode.
		if r := recover(); r != nil {
			code, err = nil, fmt.Errorf("failed to assemble: %v", r)
		}
	}()
	code = a.b.Assemble()
	return
}

// AddInstruction is used in architecture specific assembler implementation for golang-asm.
func (a *GolangAsmBaseAssembler) AddInstruction(next *obj.Prog) {
	a.b.AddInstruction(next)
	a.count++
}

// NewProg is used in architecture specific assembler implementation for golang-asm.
func (a *GolangAsmBaseAssembler) NewProg() (prog *obj.Prog) {
	prog = a.b.NewProg()
	return
}

// Len returns the number of added instructions.
func (a *GolangAsmBaseAssembler) Len() int {
	return a.count
}

// Listing returns the added instructions in Go assembler syntax, one per line.
func (a *GolangAsmBaseAssembler) Listing() string {
	var sb strings.Builder
	for p := a.b.Root(); p != nil; p = p.Link {
		sb.WriteString(p.InstructionString())
		sb.WriteByte('\n')
	}
	return sb.String()
}
