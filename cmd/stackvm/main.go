// Command stackvm is an example driver for the stackvm library: it
// assembles a built-in recursive Fibonacci demo program, then runs it,
// serializes it, or runs it with a function-entry breakpoint, depending
// on the subcommand invoked.
//
// It exists to give the rest of the module a way to be driven end to
// end; the library itself has no CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stackvm",
		Short: "Drive the stackvm bytecode interpreter",
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSerializeCommand())
	cmd.AddCommand(newDebugCommand())
	return cmd
}
