package jitpool

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCompileConfig(t *testing.T) {
	logger := logrus.NewEntry(logrus.New())
	tests := []struct {
		name     string
		with     func(*CompileConfig) *CompileConfig
		expected *CompileConfig
	}{
		{
			name: "arch",
			with: func(c *CompileConfig) *CompileConfig {
				return c.WithArch("arm64")
			},
			expected: &CompileConfig{arch: "arm64"},
		},
		{
			name: "autoVectorization",
			with: func(c *CompileConfig) *CompileConfig {
				return c.WithAutoVectorization(true)
			},
			expected: &CompileConfig{arch: ArchAMD64, autoVectorization: true},
		},
		{
			name: "logger",
			with: func(c *CompileConfig) *CompileConfig {
				return c.WithLogger(logger)
			},
			expected: &CompileConfig{arch: ArchAMD64, logger: logger},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			input := NewCompileConfig()
			rc := tc.with(input)
			require.Equal(t, tc.expected, rc)
			// The source wasn't modified
			require.Equal(t, NewCompileConfig(), input)
		})
	}
}

func TestCompileConfig_loggerOrDiscard(t *testing.T) {
	require.NotNil(t, NewCompileConfig().loggerOrDiscard())

	logger := logrus.NewEntry(logrus.New())
	require.Same(t, logger, NewCompileConfig().WithLogger(logger).loggerOrDiscard())
}
