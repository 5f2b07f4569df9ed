// Package maintester runs the entry point of a command in-process.
package maintester

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// Main is the testable entry point of a command. main only forwards os.Args[1:],
// os.Stdout, os.Stderr and os.Exit to it.
type Main func(args []string, stdOut, stdErr io.Writer, exit func(code int))

// Result is what one run of a Main produced.
type Result struct {
	ExitCode       int
	Stdout, Stderr string
}

// Run invokes main with args and requires it to call exit exactly once.
func Run(t *testing.T, main Main, args ...string) Result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res := Result{ExitCode: -1}
	exits := 0
	main(args, &stdout, &stderr, func(code int) {
		exits++
		res.ExitCode = code
	})
	require.Equal(t, 1, exits, "exit called %d times", exits)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}
