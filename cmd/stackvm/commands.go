package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stackvm/vm"
)

// registerN attaches the shared --n flag to fs, the run and debug
// subcommands' only input: which Fibonacci index to compute.
func registerN(fs *pflag.FlagSet, n *int64) {
	fs.Int64Var(n, "n", 15, "fibonacci index to compute")
}

func newRunCommand() *cobra.Command {
	var n int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Invoke the demo fibonacci program and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			frag, _ := buildDemoFragment()
			fn := frag.FunctionByName("fib")

			stack := vm.NewValueStack(8)
			stack.Push(vm.New(n))
			frag.Invoke(fn, stack, nil)
			fmt.Fprintln(cmd.OutOrStdout(), vm.As[int64](stack.Pop()))
			return nil
		},
	}
	registerN(cmd.Flags(), &n)
	return cmd
}

func newSerializeCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "serialize",
		Short: "Serialize the demo program fragment to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			frag, set := buildDemoFragment()

			var buf bytes.Buffer
			if err := vm.NewWriter(&buf, set).WriteFragment(frag); err != nil {
				return fmt.Errorf("serialize: %w", err)
			}

			if out == "" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			return os.WriteFile(out, buf.Bytes(), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to stdout)")
	return cmd
}

func newDebugCommand() *cobra.Command {
	var n int64
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Run the demo program with a function-entry breakpoint on fib",
		RunE: func(cmd *cobra.Command, args []string) error {
			frag, _ := buildDemoFragment()
			fn := frag.FunctionByName("fib")

			var entries int
			dbg := vm.NewDebugger()
			dbg.Break("fib", func(name string, ctx *vm.ExecContext) {
				entries++
				fmt.Fprintf(cmd.OutOrStdout(), "call #%d: %s", entries, vm.StateSnapshot(fn, 0, ctx.Stack()))
			})

			stack := vm.NewValueStack(8)
			stack.Push(vm.New(n))
			frag.InvokeWithDebugger(fn, stack, nil, dbg)

			fmt.Fprintf(cmd.OutOrStdout(), "result: %d (%d calls)\n", vm.As[int64](stack.Pop()), entries)
			return nil
		},
	}
	registerN(cmd.Flags(), &n)
	return cmd
}
