package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dspjit/jitpool"
	"github.com/dspjit/jitpool/program"
)

var version = "0.1.0"

func main() {
	doMain(os.Args[1:], os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	rootCmd := newRootCmd(stdOut, stdErr)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(stdErr, "jitpool: %v\n", err)
		exit(1)
		return
	}
	exit(0)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jitpool",
		Short: "jitpool lowers straight-line programs to amd64 code",
		Long: `jitpool lowers the functions of a YAML program to amd64 code and prints
the generated instructions. Values are kept as immediates, in registers or
in memory as the register pool decides.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.AddCommand(newLowerCmd(out, errOut), newFmtCmd(out))
	return rootCmd
}

type lowerOptions struct {
	vectorize bool
	hex       bool
	verbose   bool
	function  string
}

func (o *lowerOptions) addFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&o.vectorize, "vectorize", false, "keep span<float,4> values in vector registers")
	flags.BoolVar(&o.hex, "hex", false, "print the machine code and constant pool in hex")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log register pool decisions to stderr")
	flags.StringVarP(&o.function, "function", "f", "", "only print the given function")
}

func newLowerCmd(out, errOut io.Writer) *cobra.Command {
	opts := &lowerOptions{}
	cmd := &cobra.Command{
		Use:   "lower <program.yaml>",
		Short: "Lower every function of a program and print the generated code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doLower(args[0], opts, out, errOut)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func doLower(path string, opts *lowerOptions, out, errOut io.Writer) error {
	p, err := program.Load(path)
	if err != nil {
		return err
	}

	cfg := jitpool.NewCompileConfig().WithAutoVectorization(opts.vectorize)
	if opts.verbose {
		logger := logrus.New()
		logger.SetOutput(errOut)
		logger.SetLevel(logrus.DebugLevel)
		cfg = cfg.WithLogger(logrus.NewEntry(logger))
	}

	fns, err := jitpool.Compile(cfg, p)
	if err != nil {
		return err
	}
	found := false
	for _, fn := range fns {
		if opts.function != "" && fn.Name != opts.function {
			continue
		}
		found = true
		printFunction(out, fn, opts.hex)
	}
	if opts.function != "" && !found {
		return fmt.Errorf("no function %q in %s", opts.function, path)
	}
	return nil
}

func printFunction(out io.Writer, fn jitpool.CompiledFunction, withHex bool) {
	if len(fn.Flushed) == 0 {
		fmt.Fprintf(out, "# %s\n", fn.Name)
	} else {
		fmt.Fprintf(out, "# %s (flushes %s)\n", fn.Name, strings.Join(fn.Flushed, ", "))
	}
	fmt.Fprint(out, fn.Listing)
	if withHex {
		fmt.Fprintf(out, "code: %s\n", hex.EncodeToString(fn.Code))
		if len(fn.ConstantPool) > 0 {
			fmt.Fprintf(out, "constants: %s\n", hex.EncodeToString(fn.ConstantPool))
		}
	}
}

func newFmtCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "fmt <program.yaml>",
		Short: "Validate a program and print it in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := program.Load(args[0])
			if err != nil {
				return err
			}
			return program.Encode(out, p)
		},
	}
}
