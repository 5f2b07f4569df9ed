package jitpool

import (
	"io"

	"github.com/sirupsen/logrus"
)

// ArchAMD64 is the only architecture Compile generates code for.
const ArchAMD64 = "amd64"

// CompileConfig controls how programs are lowered, with the default implementation as NewCompileConfig.
//
// Note: CompileConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type CompileConfig struct {
	arch              string
	autoVectorization bool
	logger            *logrus.Entry
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &CompileConfig{arch: ArchAMD64}

// clone ensures all fields are copied even if nil.
func (c *CompileConfig) clone() *CompileConfig {
	return &CompileConfig{
		arch:              c.arch,
		autoVectorization: c.autoVectorization,
		logger:            c.logger,
	}
}

// NewCompileConfig returns a config generating scalar amd64 code without logging.
func NewCompileConfig() *CompileConfig {
	return defaultConfig.clone()
}

// WithArch sets the target architecture. Compile fails for anything but ArchAMD64.
func (c *CompileConfig) WithArch(arch string) *CompileConfig {
	ret := c.clone()
	ret.arch = arch
	return ret
}

// WithAutoVectorization lets span<float,4> values live in vector registers and compiles their
// arithmetic to packed instructions. Defaults to false, which rejects arithmetic on spans.
func (c *CompileConfig) WithAutoVectorization(enabled bool) *CompileConfig {
	ret := c.clone()
	ret.autoVectorization = enabled
	return ret
}

// WithLogger sets the logger receiving debug logs of the register pool. Defaults to discarding logs if nil.
func (c *CompileConfig) WithLogger(logger *logrus.Entry) *CompileConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

func (c *CompileConfig) loggerOrDiscard() *logrus.Entry {
	if c.logger != nil {
		return c.logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
