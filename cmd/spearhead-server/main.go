// Command spearhead-server runs the packet-violation aggregation
// wrapper of spec.md: it accepts agent sessions, ingests reports,
// heartbeats, and rule requests, and correlates violations into
// campaigns. Grounded on the teacher's cmd/relay-server/main.go signal-
// handling shape, expressed as cobra subcommands rather than a single
// flag.FlagSet per SPEC_FULL.md's CLI entry section, since cobra is the
// dependency actually present (and unwired) in the teacher's go.mod.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "spearhead-server",
		Short:   "Packet-violation aggregation and campaign-correlation server",
		Version: version,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newGenConfigCmd())
	root.AddCommand(newShowConfigCmd())
	return root
}
